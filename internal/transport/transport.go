// Package transport moves raw IPv4 datagrams between the host and one
// fingerprinting target. Sending always goes through a raw IPv4 socket with
// the header included; receiving uses a raw TCP socket (linux default),
// AF_PACKET (linux, -capture afpacket) or pcap (darwin). Every receive path
// is narrowed by a kernel BPF filter to TCP segments sourced by the target.
package transport

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrUnsupported is returned by Open on platforms without raw sockets.
	ErrUnsupported = errors.New("transport: raw sockets not supported on this platform")
)

// Conn is the send/receive surface a collection session runs against.
// Inbound delivers one IPv4 datagram per element and is closed after Close.
type Conn interface {
	Send(pkt []byte) error
	Inbound() <-chan []byte
	Close() error
}

// CaptureMode selects the receive path.
type CaptureMode string

const (
	CaptureRaw      CaptureMode = "raw"
	CaptureAFPacket CaptureMode = "afpacket"
	CapturePcap     CaptureMode = "pcap"
)

// Options configures Open.
type Options struct {
	Target    net.IP
	Interface string      // required for afpacket and pcap capture
	Capture   CaptureMode // empty picks the platform default
	// ReadTimeout bounds each blocking read so the reader notices Close.
	ReadTimeout time.Duration
	// Backlog is the inbound channel capacity. Datagrams arriving while it
	// is full are dropped and counted.
	Backlog int
	Log     *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 50 * time.Millisecond
	}
	if o.Backlog <= 0 {
		o.Backlog = 256
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Stats are receive counters of a transport.
type Stats struct {
	Received uint64
	Dropped  uint64
}

// inbox is the shared delivery half of every receive path.
type inbox struct {
	ch       chan []byte
	received atomic.Uint64
	dropped  atomic.Uint64
}

func newInbox(n int) *inbox {
	return &inbox{ch: make(chan []byte, n)}
}

// deliver copies data onto the channel without blocking.
func (b *inbox) deliver(data []byte) {
	b.received.Add(1)
	pkt := make([]byte, len(data))
	copy(pkt, data)
	select {
	case b.ch <- pkt:
	default:
		b.dropped.Add(1)
	}
}

func (b *inbox) stats() Stats {
	return Stats{Received: b.received.Load(), Dropped: b.dropped.Load()}
}

// stripLink returns the IPv4 datagram inside a captured frame, or nil.
func stripLink(frame []byte, offset int) []byte {
	if len(frame) <= offset {
		return nil
	}
	return frame[offset:]
}
