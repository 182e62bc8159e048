//go:build darwin

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/sys/unix"
)

// Open creates the darwin transport. BSD raw TCP sockets never see inbound
// segments, so replies are captured with pcap on opts.Interface.
func Open(opts Options) (Conn, error) {
	opts.setDefaults()
	switch opts.Capture {
	case "", CapturePcap:
	default:
		return nil, fmt.Errorf("transport: capture mode %q not available on darwin", opts.Capture)
	}
	if opts.Interface == "" {
		return nil, errors.New("transport: pcap capture needs an interface")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("AF_INET SOCK_RAW: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IP_HDRINCL: %w", err)
	}

	h, err := pcap.OpenLive(opts.Interface, 65536, false, opts.ReadTimeout)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pcap init failed: %w", err)
	}
	if err := h.SetBPFFilter(pcapFilter(opts.Target)); err != nil {
		h.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("pcap filter: %w", err)
	}

	var offset int
	switch h.LinkType() {
	case layers.LinkTypeEthernet:
		offset = EthernetOffset
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		offset = 4
	case layers.LinkTypeRaw:
		offset = 0
	default:
		h.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("transport: unsupported link type %v on %s", h.LinkType(), opts.Interface)
	}

	c := &pcapConn{opts: opts, fd: fd, h: h, offset: offset, in: newInbox(opts.Backlog)}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

type pcapConn struct {
	opts   Options
	fd     int
	h      *pcap.Handle
	offset int
	in     *inbox

	mu     sync.Mutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
}

func (c *pcapConn) readLoop() {
	defer c.wg.Done()
	for {
		frame, _, err := c.h.ZeroCopyReadPacketData()
		if c.isClosed() {
			return
		}
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			c.opts.Log.WithError(err).Warn("pcap read failed")
			return
		}
		if pkt := stripLink(frame, c.offset); pkt != nil {
			c.in.deliver(pkt)
		}
	}
}

func (c *pcapConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send writes pkt through the raw socket. BSD expects ip_len and ip_off in
// host byte order when IP_HDRINCL is set.
func (c *pcapConn) Send(pkt []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if len(pkt) < 20 {
		return fmt.Errorf("transport: datagram too short: %d", len(pkt))
	}
	out := make([]byte, len(pkt))
	copy(out, pkt)
	binary.LittleEndian.PutUint16(out[2:4], binary.BigEndian.Uint16(pkt[2:4]))
	binary.LittleEndian.PutUint16(out[6:8], binary.BigEndian.Uint16(pkt[6:8]))
	sa := &unix.SockaddrInet4{Addr: [4]byte{pkt[16], pkt[17], pkt[18], pkt[19]}}
	return unix.Sendto(c.fd, out, 0, sa)
}

func (c *pcapConn) Inbound() <-chan []byte { return c.in.ch }

func (c *pcapConn) Stats() Stats {
	s := c.in.stats()
	if ps, err := c.h.Stats(); err == nil {
		s.Dropped += uint64(ps.PacketsDropped)
	}
	return s
}

func (c *pcapConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.wg.Wait()
		c.h.Close()
		unix.Close(c.fd)
		close(c.in.ch)
	})
	return nil
}
