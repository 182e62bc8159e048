//go:build linux

package transport

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Open creates the platform transport for opts.Target.
func Open(opts Options) (Conn, error) {
	opts.setDefaults()
	switch opts.Capture {
	case "", CaptureRaw:
		return openRaw(opts)
	case CaptureAFPacket:
		return openAFPacket(opts)
	default:
		return nil, fmt.Errorf("transport: capture mode %q not available on linux", opts.Capture)
	}
}

// rawSender writes header-included IPv4 datagrams. The kernel routes them
// and fills the IP ID when it is zero.
type rawSender struct {
	fd int
}

func newRawSender() (*rawSender, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("AF_INET SOCK_RAW: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IP_HDRINCL: %w", err)
	}
	return &rawSender{fd: fd}, nil
}

func (s *rawSender) send(pkt []byte) error {
	if len(pkt) < 20 {
		return fmt.Errorf("transport: datagram too short: %d", len(pkt))
	}
	sa := &unix.SockaddrInet4{Addr: [4]byte{pkt[16], pkt[17], pkt[18], pkt[19]}}
	return unix.Sendto(s.fd, pkt, 0, sa)
}

func (s *rawSender) close() { unix.Close(s.fd) }

// rawConn receives on an IPPROTO_TCP raw socket, which hands every inbound
// TCP datagram to userspace with its IP header.
type rawConn struct {
	opts Options
	tx   *rawSender
	rxfd int
	in   *inbox

	mu     sync.Mutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
}

func openRaw(opts Options) (*rawConn, error) {
	tx, err := newRawSender()
	if err != nil {
		return nil, err
	}
	rxfd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		tx.close()
		return nil, fmt.Errorf("AF_INET SOCK_RAW/TCP: %w", err)
	}
	fail := func(err error) (*rawConn, error) {
		unix.Close(rxfd)
		tx.close()
		return nil, err
	}

	tv := unix.NsecToTimeval(opts.ReadTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(rxfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fail(fmt.Errorf("SO_RCVTIMEO: %w", err))
	}
	raw, err := assembleFilter(opts.Target, 0)
	if err != nil {
		return fail(err)
	}
	if err := attachFilter(rxfd, raw); err != nil {
		return fail(fmt.Errorf("SO_ATTACH_FILTER: %w", err))
	}

	c := &rawConn{opts: opts, tx: tx, rxfd: rxfd, in: newInbox(opts.Backlog)}
	c.wg.Add(1)
	go c.readLoop()
	opts.Log.WithField("target", opts.Target.String()).Debug("raw transport open")
	return c, nil
}

func attachFilter(fd int, raw []bpf.RawInstruction) error {
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

func (c *rawConn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, err := unix.Recvfrom(c.rxfd, buf, 0)
		if c.isClosed() {
			return
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			c.opts.Log.WithError(err).Warn("raw receive failed")
			return
		}
		c.in.deliver(buf[:n])
	}
}

func (c *rawConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *rawConn) Send(pkt []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.tx.send(pkt)
}

func (c *rawConn) Inbound() <-chan []byte { return c.in.ch }

func (c *rawConn) Stats() Stats { return c.in.stats() }

// Close stops the reader, waits for it to leave recvfrom and releases both
// sockets. Safe to call more than once.
func (c *rawConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.wg.Wait()
		unix.Close(c.rxfd)
		c.tx.close()
		close(c.in.ch)
	})
	return nil
}
