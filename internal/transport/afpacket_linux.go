//go:build linux

package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket/afpacket"
)

// afpacketConn captures Ethernet frames with a TPacket V2 ring and strips
// the link header. It is useful when a host firewall or conntrack rule
// keeps replies away from raw sockets.
type afpacketConn struct {
	opts Options
	tx   *rawSender
	tp   *afpacket.TPacket
	in   *inbox

	mu     sync.Mutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
}

func openAFPacket(opts Options) (*afpacketConn, error) {
	if opts.Interface == "" {
		return nil, errors.New("transport: afpacket capture needs an interface")
	}
	tx, err := newRawSender()
	if err != nil {
		return nil, err
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(opts.Interface),
		afpacket.OptFrameSize(2048),
		afpacket.OptBlockSize(1<<20),
		afpacket.OptNumBlocks(8),
		afpacket.OptPollTimeout(opts.ReadTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion2),
	)
	if err != nil {
		tx.close()
		return nil, fmt.Errorf("afpacket init failed: %w", err)
	}
	raw, err := assembleFilter(opts.Target, EthernetOffset)
	if err == nil {
		err = tp.SetBPF(raw)
	}
	if err != nil {
		tp.Close()
		tx.close()
		return nil, fmt.Errorf("afpacket filter: %w", err)
	}

	c := &afpacketConn{opts: opts, tx: tx, tp: tp, in: newInbox(opts.Backlog)}
	c.wg.Add(1)
	go c.readLoop()
	opts.Log.WithField("iface", opts.Interface).Debug("afpacket transport open")
	return c, nil
}

func (c *afpacketConn) readLoop() {
	defer c.wg.Done()
	for {
		frame, _, err := c.tp.ZeroCopyReadPacketData()
		if c.isClosed() {
			return
		}
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
				continue
			}
			c.opts.Log.WithError(err).Warn("afpacket read failed")
			return
		}
		if pkt := stripLink(frame, EthernetOffset); pkt != nil {
			c.in.deliver(pkt)
		}
	}
}

func (c *afpacketConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *afpacketConn) Send(pkt []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.tx.send(pkt)
}

func (c *afpacketConn) Inbound() <-chan []byte { return c.in.ch }

// Stats merges ring counters with the inbox drop count.
func (c *afpacketConn) Stats() Stats {
	s := c.in.stats()
	if ring, _, err := c.tp.SocketStats(); err == nil {
		s.Dropped += uint64(ring.Drops())
	}
	return s
}

func (c *afpacketConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.wg.Wait()
		c.tp.Close()
		c.tx.close()
		close(c.in.ch)
	})
	return nil
}
