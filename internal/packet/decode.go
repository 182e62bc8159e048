package packet

import (
	"errors"
	"fmt"
	"net"
	"time"

	"rs_osprobe/internal/tcpip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrDecode marks an inbound buffer that is not a well-formed IPv4/TCP
// datagram. Callers drop such buffers and carry on.
var ErrDecode = errors.New("packet: malformed datagram")

// Captured is one decoded inbound TCP segment plus the IP fields the
// fingerprint needs. Ordinal is 0 until the session correlates it.
type Captured struct {
	Ordinal    int
	ReceivedAt time.Time

	SourceIP     net.IP
	DestIP       net.IP
	TTL          uint8
	DontFragment bool

	SourcePort uint16
	DestPort   uint16
	Flags      tcpip.Flags
	Seq        uint32
	Ack        uint32
	Window     uint16
	Urgent     uint16
	Reserved   bool // any of the four bits between data offset and CWR
	Options    []tcpip.Option
	PayloadLen int
}

// Decoder parses raw IPv4 datagrams. It reuses its layer structs and is not
// safe for concurrent use.
type Decoder struct {
	ip      layers.IPv4
	tcp     layers.TCP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip, &d.tcp)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode parses data (starting at the IPv4 header). The returned record
// owns copies of everything it references, so data may be reused.
// Unknown option kinds are kept; a malformed option list is an ErrDecode.
func (d *Decoder) Decode(data []byte) (*Captured, error) {
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	hasIP, hasTCP := false, false
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			hasIP = true
		case layers.LayerTypeTCP:
			hasTCP = true
		}
	}
	if !hasIP || !hasTCP {
		return nil, fmt.Errorf("%w: no IPv4/TCP layers", ErrDecode)
	}

	c := &Captured{
		SourceIP:     append(net.IP(nil), d.ip.SrcIP.To4()...),
		DestIP:       append(net.IP(nil), d.ip.DstIP.To4()...),
		TTL:          d.ip.TTL,
		DontFragment: d.ip.Flags&layers.IPv4DontFragment != 0,
		SourcePort:   uint16(d.tcp.SrcPort),
		DestPort:     uint16(d.tcp.DstPort),
		Flags:        layerFlags(&d.tcp),
		Seq:          d.tcp.Seq,
		Ack:          d.tcp.Ack,
		Window:       d.tcp.Window,
		Urgent:       d.tcp.Urgent,
		Reserved:     len(d.tcp.Contents) > 12 && d.tcp.Contents[12]&0x0F != 0,
		PayloadLen:   len(d.tcp.Payload),
	}
	if len(d.tcp.Options) > 0 {
		c.Options = make([]tcpip.Option, len(d.tcp.Options))
		for i, o := range d.tcp.Options {
			opt := tcpip.Option{Kind: tcpip.OptionKind(o.OptionType)}
			if len(o.OptionData) > 0 {
				opt.Data = append([]byte(nil), o.OptionData...)
			}
			c.Options[i] = opt
		}
	}
	return c, nil
}

// Codec pairs a Builder and a Decoder. Encode and Decode may run on
// different goroutines; each half is still single-goroutine.
type Codec struct {
	*Builder
	*Decoder
}

func NewCodec() *Codec {
	return &Codec{Builder: NewBuilder(), Decoder: NewDecoder()}
}
