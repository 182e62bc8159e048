// Package session runs one fingerprinting exchange against one target:
// every probe is fired once, replies are correlated back to their probe
// and the session completes after a quiet period with no accepted reply.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"rs_osprobe/internal/packet"
	"rs_osprobe/internal/probe"
)

const (
	DefaultIdleTimeout  = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Transport is the raw datagram channel. Inbound must be closed by Close.
type Transport interface {
	Send(pkt []byte) error
	Inbound() <-chan []byte
	Close() error
}

// Codec turns probes into datagrams and datagrams into captures.
type Codec interface {
	Encode(p probe.Probe) ([]byte, error)
	Decode(data []byte) (*packet.Captured, error)
}

// Pacer delays each send. *limiter.TokenBucket satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// State is the lifecycle position of a session.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrTransport matches every *TransportError via errors.Is.
var ErrTransport = errors.New("session: transport failure")

// TransportError reports a probe that could not be sent.
type TransportError struct {
	Ordinal int
	Probe   string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send %s (probe %d): %v", e.Probe, e.Ordinal, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Config holds the per-session parameters.
type Config struct {
	Target net.IP
	Probes []probe.Probe

	// IdleTimeout is the quiet period after which the session completes.
	// It is measured from the later of the last accepted reply and the
	// moment the final probe went out.
	IdleTimeout  time.Duration
	PollInterval time.Duration

	Pacer  Pacer         // optional
	Events chan<- Event  // optional, never blocks the session
	Log    *logrus.Entry // optional
	Now    func() time.Time
}

// Stats counts what happened during a session.
type Stats struct {
	Sent              int
	Received          int // datagrams read from the transport
	Accepted          int // decoded, from the target, correlated, first of its ordinal
	DecodeErrors      int
	Foreign           int // decoded but not from the target
	CorrelationMisses int
	Duplicates        int
	Elapsed           time.Duration
}

// Result is the outcome of a completed session. Responses is keyed by probe
// ordinal and holds at most one capture per ordinal.
type Result struct {
	Target      net.IP
	Probes      []probe.Probe
	Responses   map[int]*packet.Captured
	Stats       Stats
	StartedAt   time.Time
	CompletedAt time.Time
}

// Session is single-use: Run may be called once.
type Session struct {
	cfg   Config
	tr    Transport
	codec Codec
	log   *logrus.Entry
	index map[uint16]int

	state     atomic.Int32
	sent      atomic.Int64
	closeOnce sync.Once

	// owned by the Run goroutine
	responses    map[int]*packet.Captured
	stats        Stats
	lastActivity time.Time
}

// New validates cfg and prepares a session. It does not touch the network.
func New(cfg Config, tr Transport, codec Codec) (*Session, error) {
	if cfg.Target.To4() == nil {
		return nil, fmt.Errorf("session: target %v is not an IPv4 address", cfg.Target)
	}
	if len(cfg.Probes) == 0 {
		return nil, errors.New("session: no probes")
	}
	if tr == nil || codec == nil {
		return nil, errors.New("session: transport and codec are required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	for i, p := range cfg.Probes {
		if p.Ordinal != i+1 {
			return nil, fmt.Errorf("session: probe %s has ordinal %d at position %d", p.Name, p.Ordinal, i+1)
		}
		if p.SourcePort == 0 {
			return nil, fmt.Errorf("session: probe %s has source port 0 (port block wrapped past 65535?)", p.Name)
		}
	}
	idx := probe.IndexByPort(cfg.Probes)
	if len(idx) != len(cfg.Probes) {
		return nil, errors.New("session: probes share a source port")
	}
	return &Session{
		cfg:       cfg,
		tr:        tr,
		codec:     codec,
		log:       log.WithField("target", cfg.Target.String()),
		index:     idx,
		responses: make(map[int]*packet.Captured, len(cfg.Probes)),
	}, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

// Run fires the probes and collects replies until the idle timeout, a send
// failure or ctx cancellation. The transport is closed exactly once before
// Run returns. A non-nil error is returned together with the partial
// Result: a *TransportError or ctx.Err().
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
		return nil, errors.New("session: Run called twice")
	}

	pkts := make([][]byte, len(s.cfg.Probes))
	for i, p := range s.cfg.Probes {
		b, err := s.codec.Encode(p)
		if err != nil {
			s.finish()
			return nil, fmt.Errorf("encode %s: %w", p.Name, err)
		}
		pkts[i] = b
	}

	start := s.cfg.Now()
	s.lastActivity = start

	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	sendErr := make(chan error, 1)
	sendDone := make(chan time.Time, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendAll(sendCtx, pkts, sendErr, sendDone)
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	inbound := s.tr.Inbound()
	sending := true
	var runErr error
loop:
	for {
		select {
		case buf, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.handle(buf)
		case at := <-sendDone:
			sending = false
			if at.After(s.lastActivity) {
				s.lastActivity = at
			}
		case err := <-sendErr:
			runErr = err
			break loop
		case <-ticker.C:
			if !sending && s.cfg.Now().Sub(s.lastActivity) > s.cfg.IdleTimeout {
				break loop
			}
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		}
	}

	cancelSend()
	s.finish()
	wg.Wait()

	end := s.cfg.Now()
	s.stats.Sent = int(s.sent.Load())
	s.stats.Elapsed = end.Sub(start)
	res := &Result{
		Target:      s.cfg.Target,
		Probes:      s.cfg.Probes,
		Responses:   s.responses,
		Stats:       s.stats,
		StartedAt:   start,
		CompletedAt: end,
	}
	s.emit(Event{Kind: EventCompleted, Err: runErr})
	s.log.WithFields(logrus.Fields{
		"sent":     res.Stats.Sent,
		"accepted": res.Stats.Accepted,
		"elapsed":  res.Stats.Elapsed.Round(time.Millisecond),
	}).Debug("session completed")
	return res, runErr
}

// finish closes the transport once and marks the session completed.
func (s *Session) finish() {
	s.closeOnce.Do(func() {
		if err := s.tr.Close(); err != nil {
			s.log.WithError(err).Warn("transport close failed")
		}
		s.state.Store(int32(StateCompleted))
	})
}

func (s *Session) sendAll(ctx context.Context, pkts [][]byte, errc chan<- error, done chan<- time.Time) {
	for i, pkt := range pkts {
		p := s.cfg.Probes[i]
		if s.cfg.Pacer != nil {
			if err := s.cfg.Pacer.Wait(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.tr.Send(pkt); err != nil {
			if ctx.Err() != nil {
				return
			}
			errc <- &TransportError{Ordinal: p.Ordinal, Probe: p.Name, Err: err}
			return
		}
		s.sent.Add(1)
		s.emit(Event{Kind: EventProbeSent, Ordinal: p.Ordinal, Probe: p.Name, Flags: p.Flags})
		s.log.WithFields(logrus.Fields{"ordinal": p.Ordinal, "probe": p.Name}).Trace("probe sent")
	}
	done <- s.cfg.Now()
}

// handle processes one inbound datagram on the Run goroutine.
func (s *Session) handle(buf []byte) {
	s.stats.Received++
	c, err := s.codec.Decode(buf)
	if err != nil {
		s.stats.DecodeErrors++
		s.emit(Event{Kind: EventDecodeError, Err: err})
		return
	}
	if !c.SourceIP.Equal(s.cfg.Target) {
		s.stats.Foreign++
		return
	}

	now := s.cfg.Now()
	c.ReceivedAt = now
	s.lastActivity = now

	ord, ok := s.index[c.DestPort]
	if ok && c.SourcePort != s.cfg.Probes[ord-1].DestPort {
		ok = false
	}
	if !ok {
		s.stats.CorrelationMisses++
		s.log.WithFields(logrus.Fields{
			"sport": c.SourcePort,
			"dport": c.DestPort,
			"flags": c.Flags.String(),
		}).Debug("reply matches no probe")
		s.emit(Event{Kind: EventCorrelationMiss, Flags: c.Flags})
		return
	}
	if _, dup := s.responses[ord]; dup {
		s.stats.Duplicates++
		return
	}

	c.Ordinal = ord
	s.responses[ord] = c
	s.stats.Accepted++
	p := s.cfg.Probes[ord-1]
	s.emit(Event{Kind: EventReply, Ordinal: ord, Probe: p.Name, Flags: c.Flags, TTL: c.TTL})
}

func (s *Session) emit(ev Event) {
	if s.cfg.Events == nil {
		return
	}
	ev.Target = s.cfg.Target
	if ev.At.IsZero() {
		ev.At = s.cfg.Now()
	}
	select {
	case s.cfg.Events <- ev:
	default:
	}
}
