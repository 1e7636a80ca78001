// Package chain implements the proxy-chain orchestrator: it opens a
// transport to the first hop, then negotiates each hop in order over that
// same connection, producing either a live tunnel plus a ConnectionReport,
// or a structured error naming the failing step.
//
// Each hop attempt runs under a per-step context derived from the chain's
// total-deadline context; the transport closes its connection when that
// context ends, which unblocks in-flight I/O. The only state guarded by a
// mutex is the Engine's live-tunnel set.
package chain

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/die-net/conduit/internal/chainerr"
	"github.com/die-net/conduit/internal/httpconnect"
	"github.com/die-net/conduit/internal/proxydesc"
	"github.com/die-net/conduit/internal/socks4client"
	"github.com/die-net/conduit/internal/socks5client"
	"github.com/die-net/conduit/internal/transport"

	"golang.org/x/sync/errgroup"
)

// negotiateFunc is the shape every protocol client package exposes.
type negotiateFunc func(ctx context.Context, s transport.Stream, host string, port int, creds proxydesc.Credentials) (proxydesc.BindResult, error)

func dispatch(kind proxydesc.ProxyKind) (negotiateFunc, error) {
	switch kind {
	case proxydesc.SOCKS5:
		return socks5client.Negotiate, nil
	case proxydesc.SOCKS4:
		return socks4client.Negotiate, nil
	case proxydesc.HTTP:
		return httpconnect.Negotiate, nil
	default:
		return nil, fmt.Errorf("%w: unknown proxy kind %v", chainerr.ErrConfig, kind)
	}
}

// Engine builds proxy chains and tracks the tunnels it has issued.
//
// Config is immutable after construction. The live-tunnel set is the only
// shared mutable state, and it's guarded by mu.
type Engine struct {
	cfg    proxydesc.EngineConfig
	opener transport.Opener
	logger *log.Logger

	mu      sync.Mutex
	nextID  uint64
	live    map[uint64]transport.Stream
}

// New constructs an Engine. opener is almost always &transport.TCPOpener{};
// tests substitute a double. logger may be nil, in which case logging is
// suppressed regardless of cfg.LoggingEnabled.
func New(cfg proxydesc.EngineConfig, opener transport.Opener, logger *log.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		opener: opener,
		logger: logger,
		live:   make(map[uint64]transport.Stream),
	}
}

// Tunnel is the live transport returned after all hops succeed. The caller
// owns it: the Engine will not read, write, or close it except via CloseAll.
type Tunnel struct {
	transport.Stream

	engine *Engine
	id     uint64
}

// Release removes this tunnel from the Engine's live-tunnel set without
// closing it, so CloseAll no longer tracks it. Close() still closes the
// underlying stream as usual.
func (t *Tunnel) Release() {
	t.engine.forget(t.id)
}

// BuildChain negotiates every hop of chain in order, asking the final hop to
// CONNECT to targetHost:targetPort. On success it returns the now-tunnelled
// Tunnel and a ConnectionReport; on failure it returns a nil Tunnel, a
// ConnectionReport carrying the error message and failing step index, and a
// non-nil error. When the failure is at the open or a hop, the report's last
// step names it; when the chain or target fails validation, the report has
// no steps and FailedStepIndex is 0.
func (e *Engine) BuildChain(ctx context.Context, chainDesc proxydesc.ChainDescriptor, targetHost string, targetPort int) (*Tunnel, proxydesc.ConnectionReport, error) {
	start := time.Now()
	report := proxydesc.ConnectionReport{
		ChainID:    chainDesc.ID,
		ChainName:  chainDesc.Name,
		TargetHost: targetHost,
		TargetPort: targetPort,
		StartTime:  start,
	}

	if err := chainDesc.Validate(); err != nil {
		return nil, e.fail(report, start, 0, err), err
	}
	if targetHost == "" {
		err := fmt.Errorf("%w: target host is empty", chainerr.ErrConfig)
		return nil, e.fail(report, start, 0, err), err
	}
	if targetPort < 1 || targetPort > 65535 {
		err := fmt.Errorf("%w: target port %d out of range", chainerr.ErrConfig, targetPort)
		return nil, e.fail(report, start, 0, err), err
	}

	totalCtx := ctx
	if e.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		totalCtx, cancel = context.WithTimeout(ctx, e.cfg.TotalTimeout)
		defer cancel()
	}

	hops := chainDesc.Proxies
	first := hops[0]

	openCtx, openCancel := withStepTimeout(totalCtx, e.cfg.PerStepTimeout)
	stream, err := e.opener.Open(openCtx, first.Address, first.Port)
	if err != nil {
		err = classifyErr(openCtx, totalCtx, err)
	}
	openCancel()
	record := proxydesc.StepRecord{
		Index:     1,
		Kind:      proxydesc.DirectOpen,
		Proxy:     first.Redacted(),
		Timestamp: time.Now(),
	}
	if err != nil {
		record.Err = err
		report.Steps = append(report.Steps, record)
		return nil, e.fail(report, start, 1, err), chainerr.WrapStep(1, err)
	}
	report.Steps = append(report.Steps, record)

	for i := range hops {
		next := hopTarget(hops, i, targetHost, targetPort)
		kind := proxydesc.ProxyToProxy
		if i == len(hops)-1 {
			kind = proxydesc.ProxyToTarget
		}

		bind, negErr := e.negotiateHopWithRetry(totalCtx, stream, hops[i], next.host, next.port)

		stepIdx := i + 2 // hop 1 was the direct open
		rec := proxydesc.StepRecord{
			Index:     stepIdx,
			Kind:      kind,
			Proxy:     hops[i].Redacted(),
			NextHost:  next.host,
			NextPort:  next.port,
			HasNext:   true,
			Timestamp: time.Now(),
		}
		if negErr != nil {
			rec.Err = negErr
			report.Steps = append(report.Steps, rec)
			_ = stream.Close()
			wrapped := chainerr.WrapStep(stepIdx, negErr)
			return nil, e.fail(report, start, stepIdx, wrapped), wrapped
		}
		report.Steps = append(report.Steps, rec)

		if i == len(hops)-1 {
			report.BindAddress = bind.Address
			report.BindPort = bind.Port
			report.BindPresent = bind.Present
		}
	}

	report.DurationMS = time.Since(start).Milliseconds()

	t := &Tunnel{Stream: stream, engine: e}
	e.track(t)
	return t, report, nil
}

type hopEndpoint struct {
	host string
	port int
}

func hopTarget(hops []proxydesc.ProxyDescriptor, i int, targetHost string, targetPort int) hopEndpoint {
	if i == len(hops)-1 {
		return hopEndpoint{targetHost, targetPort}
	}
	return hopEndpoint{hops[i+1].Address, hops[i+1].Port}
}

// negotiateHopWithRetry attempts one hop's negotiate up to 1+MaxRetries
// times, but only actually retries when the previous attempt failed before
// writing a single byte to the stream: once bytes have been consumed the
// remote server may be mid-protocol and the stream's state is undefined, so
// a retry there would not be sound.
func (e *Engine) negotiateHopWithRetry(ctx context.Context, stream transport.Stream, hop proxydesc.ProxyDescriptor, host string, port int) (proxydesc.BindResult, error) {
	negotiate, err := dispatch(hop.Kind)
	if err != nil {
		return proxydesc.BindResult{}, err
	}

	maxAttempts := 1 + e.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepCtx, cancel := withStepTimeout(ctx, e.cfg.PerStepTimeout)

		counting := &countingStream{Stream: stream}
		bind, err := negotiate(stepCtx, counting, host, port, hop.Credentials())
		if err == nil {
			cancel()
			return bind, nil
		}

		err = classifyErr(stepCtx, ctx, err)
		cancel()
		lastErr = err

		if !chainerr.IsRetryable(err) || counting.consumed || attempt == maxAttempts {
			return proxydesc.BindResult{}, err
		}

		e.logf("hop %s:%d attempt %d failed, retrying: %v", hop.Address, hop.Port, attempt, err)
		select {
		case <-ctx.Done():
			return proxydesc.BindResult{}, classifyErr(ctx, ctx, ctx.Err())
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return proxydesc.BindResult{}, lastErr
}

// withStepTimeout derives a child context bounded by d (when d > 0) from
// parent. Because the child is derived from parent, a parent deadline still
// wins if it's shorter.
func withStepTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}

// classifyErr rewrites err as a chainerr.TimeoutError or chainerr.ErrCancelled
// when stepCtx's deadline or cancellation explains it. Scope is "total" when
// the outer totalCtx is what actually expired (it may have expired before or
// at the same instant stepCtx, its child, observes it) and "step" otherwise.
func classifyErr(stepCtx, totalCtx context.Context, err error) error {
	switch stepCtx.Err() {
	case context.DeadlineExceeded:
		scope := chainerr.ScopeStep
		if totalCtx.Err() == context.DeadlineExceeded {
			scope = chainerr.ScopeTotal
		}
		return &chainerr.TimeoutError{Scope: scope}
	case context.Canceled:
		return fmt.Errorf("%w: %v", chainerr.ErrCancelled, err)
	default:
		return err
	}
}

func (e *Engine) fail(report proxydesc.ConnectionReport, start time.Time, failedIndex int, err error) proxydesc.ConnectionReport {
	report.DurationMS = time.Since(start).Milliseconds()
	report.ErrorMessage = err.Error()
	report.FailedStepIndex = failedIndex
	return report
}

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.LoggingEnabled && e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func (e *Engine) track(t *Tunnel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	t.id = e.nextID
	e.live[t.id] = t.Stream
}

func (e *Engine) forget(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, id)
}

// CloseAll closes every tunnel still in the live set, concurrently, and
// empties it. Idempotent: closing an already-closed transport.Stream is
// required to be a no-op by the Stream contract. Returns the number of
// tunnels closed.
func (e *Engine) CloseAll(ctx context.Context) int {
	e.mu.Lock()
	streams := make([]transport.Stream, 0, len(e.live))
	for id, s := range e.live {
		streams = append(streams, s)
		delete(e.live, id)
	}
	e.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range streams {
		s := s
		g.Go(func() error {
			return s.Close()
		})
	}
	_ = g.Wait()
	return len(streams)
}

// Stats reports the current live-tunnel count and the Engine's immutable
// configuration.
type Stats struct {
	LiveTunnelCount int
	Config          proxydesc.EngineConfig
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{LiveTunnelCount: len(e.live), Config: e.cfg}
}

// countingStream wraps a transport.Stream and records whether any bytes
// have been read or written during the current negotiate attempt, so the
// retry loop can enforce the same-stream soundness rule.
type countingStream struct {
	transport.Stream
	consumed bool
}

func (c *countingStream) WriteAll(ctx context.Context, b []byte) error {
	c.consumed = true
	return c.Stream.WriteAll(ctx, b)
}

func (c *countingStream) ReadExact(ctx context.Context, n int) ([]byte, error) {
	c.consumed = true
	return c.Stream.ReadExact(ctx, n)
}

func (c *countingStream) ReadUntilCRLF(ctx context.Context, maxBytes int) ([]byte, error) {
	c.consumed = true
	return c.Stream.ReadUntilCRLF(ctx, maxBytes)
}
