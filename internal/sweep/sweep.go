// Package sweep fingerprints a set of targets, one collection session per
// target, on a bounded worker pool.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"rs_osprobe/internal/output"
	"rs_osprobe/internal/packet"
	"rs_osprobe/internal/probe"
	"rs_osprobe/internal/report"
	"rs_osprobe/internal/session"
	"rs_osprobe/internal/transport"
	"rs_osprobe/internal/ui"
)

// ErrTransportInit is returned by Run when no transport could be opened at
// all, e.g. for lack of privileges.
var ErrTransportInit = errors.New("sweep: transport initialization failed")

// Opener opens the datagram channel to one target.
type Opener func(target net.IP) (session.Transport, error)

// Router returns the local source address used toward target.
type Router func(target netip.Addr) (net.IP, error)

type Config struct {
	Targets      []netip.Addr
	SourcePort   uint16
	DestPort     uint16
	Sequence     bool // also send the six sequence probes
	IdleTimeout  time.Duration
	PollInterval time.Duration
	Deadline     time.Duration // per target, 0 = none
	Workers      int
	Pacer        session.Pacer // shared by all sessions, optional

	Route    Router
	Open     Opener
	Analyzer *report.Analyzer
	Sink     output.ResultWriter

	Events chan<- ui.ScanEvent // optional, never blocks
	Log    *logrus.Entry
}

// Runner executes one sweep. Its counters may be read while Run is in
// progress.
type Runner struct {
	cfg   Config
	start time.Time

	sent          atomic.Uint64
	recv          atomic.Uint64
	finished      atomic.Uint64
	fingerprinted atomic.Uint64

	mu      sync.Mutex
	initErr error
	cancel  context.CancelFunc
}

func New(cfg Config) (*Runner, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("sweep: no targets")
	}
	if cfg.Route == nil || cfg.Open == nil || cfg.Analyzer == nil || cfg.Sink == nil {
		return nil, errors.New("sweep: route, open, analyzer and sink are required")
	}
	n := probe.BatterySize
	if cfg.Sequence {
		n += probe.SequenceSize
	}
	if int(cfg.SourcePort)+n-1 > 65535 || cfg.SourcePort == 0 {
		return nil, fmt.Errorf("sweep: source port %d leaves no room for %d probes", cfg.SourcePort, n)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{cfg: cfg, start: time.Now()}, nil
}

// Run probes every target and writes one result per target to the sink.
// Targets that fail individually produce an error record and do not stop
// the sweep. Run returns an error wrapping ErrTransportInit when the
// platform or privileges rule out raw sockets, and ctx.Err() when
// interrupted.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(r.cfg.Workers, func(item interface{}) {
		defer wg.Done()
		r.probe(ctx, item.(netip.Addr))
	})
	if err != nil {
		return fmt.Errorf("sweep: worker pool: %w", err)
	}
	defer pool.Release()

	var dispatchErr error
	for _, addr := range r.cfg.Targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		if err := pool.Invoke(addr); err != nil {
			wg.Done()
			dispatchErr = err
			break
		}
	}
	wg.Wait()

	r.mu.Lock()
	initErr := r.initErr
	r.mu.Unlock()
	if initErr != nil {
		return fmt.Errorf("%w: %v", ErrTransportInit, initErr)
	}
	if dispatchErr != nil {
		return fmt.Errorf("sweep: dispatch: %w", dispatchErr)
	}
	return ctx.Err()
}

// Stats snapshots the sweep counters for the UI.
func (r *Runner) Stats() ui.ScanStats {
	elapsed := time.Since(r.start)
	st := ui.ScanStats{
		Sent:          r.sent.Load(),
		Recv:          r.recv.Load(),
		Targets:       uint64(len(r.cfg.Targets)),
		Finished:      r.finished.Load(),
		Fingerprinted: r.fingerprinted.Load(),
		Elapsed:       elapsed,
	}
	if st.Targets > 0 {
		st.Progress = float64(st.Finished) / float64(st.Targets)
	}
	if s := elapsed.Seconds(); s > 0 {
		st.Rate = float64(st.Sent) / s
	}
	return st
}

func (r *Runner) probe(ctx context.Context, addr netip.Addr) {
	if ctx.Err() != nil {
		return
	}
	log := r.cfg.Log.WithField("target", addr.String())
	dst := net.IP(addr.AsSlice())

	src, err := r.cfg.Route(addr)
	if err != nil {
		r.fail(log, addr, fmt.Errorf("route: %w", err))
		return
	}
	tr, err := r.cfg.Open(dst)
	if err != nil {
		if fatalOpen(err) {
			r.abort(err)
		}
		r.fail(log, addr, fmt.Errorf("open transport: %w", err))
		return
	}

	var probes []probe.Probe
	if r.cfg.Sequence {
		probes = probe.GenerateWithSequence(src, dst, r.cfg.SourcePort, r.cfg.DestPort)
	} else {
		probes = probe.Generate(src, dst, r.cfg.SourcePort, r.cfg.DestPort)
	}

	events := make(chan session.Event, 64)
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for ev := range events {
			if uev, ok := ui.FromSession(ev); ok {
				r.emit(uev)
			}
		}
	}()

	s, err := session.New(session.Config{
		Target:       dst,
		Probes:       probes,
		IdleTimeout:  r.cfg.IdleTimeout,
		PollInterval: r.cfg.PollInterval,
		Pacer:        r.cfg.Pacer,
		Events:       events,
		Log:          r.cfg.Log,
	}, tr, packet.NewCodec())
	if err != nil {
		close(events)
		<-fwdDone
		tr.Close()
		r.fail(log, addr, err)
		return
	}

	sctx := ctx
	if r.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, r.cfg.Deadline)
		defer cancel()
	}
	res, runErr := s.Run(sctx)
	close(events)
	<-fwdDone

	if res == nil {
		r.fail(log, addr, runErr)
		return
	}
	r.sent.Add(uint64(res.Stats.Sent))
	r.recv.Add(uint64(res.Stats.Accepted))
	out, err := r.cfg.Analyzer.Analyze(res, runErr)
	if err != nil {
		log.WithError(err).Warn("scoring failed")
	}
	if runErr != nil {
		log.WithError(runErr).Debug("session ended early")
	}
	r.deliver(log, out)
}

// fail records a target that could not be probed.
func (r *Runner) fail(log *logrus.Entry, addr netip.Addr, err error) {
	log.WithError(err).Warn("target failed")
	r.deliver(log, &output.Result{
		Event:     output.EventError,
		Target:    addr.String(),
		Port:      r.cfg.DestPort,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     err.Error(),
	})
}

func (r *Runner) deliver(log *logrus.Entry, out *output.Result) {
	r.finished.Add(1)
	if out.Event == output.EventFingerprint {
		r.fingerprinted.Add(1)
	}
	if err := r.cfg.Sink.Write(out); err != nil {
		log.WithError(err).Error("write result")
	}
	r.emit(ui.FromResult(out))
}

func (r *Runner) emit(ev ui.ScanEvent) {
	if r.cfg.Events == nil {
		return
	}
	select {
	case r.cfg.Events <- ev:
	default:
	}
}

// abort stops the sweep on the first open error no other target can avoid.
func (r *Runner) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initErr == nil {
		r.initErr = err
		r.cfg.Log.WithError(err).Error("cannot open raw sockets, stopping sweep")
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func fatalOpen(err error) bool {
	return errors.Is(err, transport.ErrUnsupported) || errors.Is(err, os.ErrPermission)
}
