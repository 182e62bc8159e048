package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapWriter is one pcap stream (LINKTYPE_RAW, nanosecond timestamps)
// shared by every Recorder of a sweep. Write failures never break a
// session; the first one is kept for Err.
type PcapWriter struct {
	now func() time.Time

	mu  sync.Mutex
	w   *pcapgo.Writer
	err error
}

// NewPcapWriter writes the pcap file header to w.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriterNanos(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &PcapWriter{now: time.Now, w: pw}, nil
}

func (p *PcapWriter) write(pkt []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     p.now(),
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.w.WritePacket(ci, pkt); err != nil && p.err == nil {
		p.err = err
	}
}

// Err returns the first pcap write error, if any.
func (p *PcapWriter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Recorder wraps a Conn and appends every sent and received datagram to a
// PcapWriter.
type Recorder struct {
	conn Conn
	pw   *PcapWriter

	in   chan []byte
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewRecorder starts forwarding conn's inbound datagrams through pw.
func NewRecorder(conn Conn, pw *PcapWriter) *Recorder {
	r := &Recorder{
		conn: conn,
		pw:   pw,
		in:   make(chan []byte, cap(conn.Inbound())),
		done: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.pump()
	return r
}

func (r *Recorder) pump() {
	defer r.wg.Done()
	defer close(r.in)
	src := r.conn.Inbound()
	for {
		select {
		case <-r.done:
			return
		case pkt, ok := <-src:
			if !ok {
				return
			}
			r.pw.write(pkt)
			select {
			case r.in <- pkt:
			case <-r.done:
				return
			}
		}
	}
}

// Send forwards to the wrapped Conn and records pkt once it went out.
func (r *Recorder) Send(pkt []byte) error {
	if err := r.conn.Send(pkt); err != nil {
		return err
	}
	r.pw.write(pkt)
	return nil
}

func (r *Recorder) Inbound() <-chan []byte { return r.in }

// Close stops forwarding and closes the wrapped Conn.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.conn.Close()
		r.wg.Wait()
	})
	return err
}
