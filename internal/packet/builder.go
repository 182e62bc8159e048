// Package packet encodes probes into raw IPv4/TCP datagrams and decodes
// inbound datagrams into Captured records. Both directions go through
// gopacket; TCP options keep their wire order in both directions.
package packet

import (
	"fmt"
	"net"

	"rs_osprobe/internal/probe"
	"rs_osprobe/internal/tcpip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DefaultTTL is the IP TTL written on outbound probes.
const DefaultTTL = 64

// Segment describes one IPv4/TCP datagram to serialize.
type Segment struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            tcpip.Flags
	Window           uint16
	Urgent           uint16
	Options          []tcpip.Option
	Payload          []byte

	TTL          uint8 // 0 means DefaultTTL
	DontFragment bool
	ID           uint16
}

// Builder serializes segments. It reuses one buffer and is not safe for
// concurrent use; each session owns its own Builder.
type Builder struct {
	opts gopacket.SerializeOptions
	buf  gopacket.SerializeBuffer
}

// NewBuilder creates a builder that fixes lengths, pads options to a
// 4-byte boundary and computes both checksums.
func NewBuilder() *Builder {
	return &Builder{
		opts: gopacket.SerializeOptions{
			ComputeChecksums: true,
			FixLengths:       true,
		},
		buf: gopacket.NewSerializeBuffer(),
	}
}

// Build serializes seg into a freshly allocated IPv4 datagram.
func (b *Builder) Build(seg Segment) ([]byte, error) {
	src, dst := seg.SrcIP.To4(), seg.DstIP.To4()
	if src == nil || dst == nil {
		return nil, fmt.Errorf("packet: IPv4 addresses required (src=%v dst=%v)", seg.SrcIP, seg.DstIP)
	}

	ttl := seg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	ip4 := layers.IPv4{
		Version:  4,
		Id:       seg.ID,
		TTL:      ttl,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src,
		DstIP:    dst,
	}
	if seg.DontFragment {
		ip4.Flags = layers.IPv4DontFragment
	}

	tcp := layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		Window:  seg.Window,
		Urgent:  seg.Urgent,
		Options: toLayerOptions(seg.Options),
	}
	setLayerFlags(&tcp, seg.Flags)
	if err := tcp.SetNetworkLayerForChecksum(&ip4); err != nil {
		return nil, err
	}

	if err := b.buf.Clear(); err != nil {
		return nil, err
	}
	ls := []gopacket.SerializableLayer{&ip4, &tcp}
	if len(seg.Payload) > 0 {
		ls = append(ls, gopacket.Payload(seg.Payload))
	}
	if err := gopacket.SerializeLayers(b.buf, b.opts, ls...); err != nil {
		return nil, fmt.Errorf("packet: serialize: %w", err)
	}

	out := make([]byte, len(b.buf.Bytes()))
	copy(out, b.buf.Bytes())
	return out, nil
}

// Encode serializes a generated probe. Probes go out with DF set, as the
// Nmap tests do.
func (b *Builder) Encode(p probe.Probe) ([]byte, error) {
	return b.Build(Segment{
		SrcIP:        p.SourceIP,
		DstIP:        p.DestIP,
		SrcPort:      p.SourcePort,
		DstPort:      p.DestPort,
		Seq:          p.Seq,
		Ack:          p.Ack,
		Flags:        p.Flags,
		Window:       p.Window,
		Options:      p.Options,
		DontFragment: true,
		ID:           uint16(p.Seq),
	})
}

func toLayerOptions(opts []tcpip.Option) []layers.TCPOption {
	if len(opts) == 0 {
		return nil
	}
	out := make([]layers.TCPOption, len(opts))
	for i, o := range opts {
		lo := layers.TCPOption{OptionType: layers.TCPOptionKind(o.Kind)}
		switch o.Kind {
		case tcpip.OptEOL, tcpip.OptNOP:
			lo.OptionLength = 1
		default:
			lo.OptionLength = uint8(len(o.Data) + 2)
			lo.OptionData = o.Data
		}
		out[i] = lo
	}
	return out
}

func setLayerFlags(tcp *layers.TCP, f tcpip.Flags) {
	tcp.FIN = f.Has(tcpip.FIN)
	tcp.SYN = f.Has(tcpip.SYN)
	tcp.RST = f.Has(tcpip.RST)
	tcp.PSH = f.Has(tcpip.PSH)
	tcp.ACK = f.Has(tcpip.ACK)
	tcp.URG = f.Has(tcpip.URG)
	tcp.ECE = f.Has(tcpip.ECE)
	tcp.CWR = f.Has(tcpip.CWR)
}

func layerFlags(tcp *layers.TCP) tcpip.Flags {
	var f tcpip.Flags
	if tcp.FIN {
		f |= tcpip.FIN
	}
	if tcp.SYN {
		f |= tcpip.SYN
	}
	if tcp.RST {
		f |= tcpip.RST
	}
	if tcp.PSH {
		f |= tcpip.PSH
	}
	if tcp.ACK {
		f |= tcpip.ACK
	}
	if tcp.URG {
		f |= tcpip.URG
	}
	if tcp.ECE {
		f |= tcpip.ECE
	}
	if tcp.CWR {
		f |= tcpip.CWR
	}
	return f
}
