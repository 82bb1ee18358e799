package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/diamondcut/internal/ir"
)

// Runner executes one reconciliation pass. *Engine implements it.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

var _ Runner = (*Engine)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithRegistryPassOffset numbers passes from offset+1 instead of 1.
func WithRegistryPassOffset(offset int64) RegistryOption {
	return func(r *Registry) {
		r.passes.Store(offset)
	}
}

// Registry owns one Session per deployment key. Passes for different
// keys run in parallel; passes for the same key never overlap.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[ir.DeploymentKey]*Session
	runner   Runner
	logger   *zap.Logger

	// passes numbers passes across every session. Result.Seq tells callers
	// whether two results came from the same pass.
	passes *atomic.Int64
}

// NewRegistry creates a Registry running passes with runner.
func NewRegistry(runner Runner, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[ir.DeploymentKey]*Session),
		runner:   runner,
		passes:   new(atomic.Int64),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns the session for key, creating it on first use.
func (r *Registry) Session(key ir.DeploymentKey) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{
			key:     key,
			runner:  r.runner,
			passes:  r.passes,
			sem:     make(chan struct{}, 1),
			flights: make(map[string]*flight),
			status:  DeploymentNotStarted,
			logger:  r.logger.With(zap.String("key", key.String())),
		}
		r.sessions[key] = s
	}
	return s
}

// Run runs req in the session for req.Key.
func (r *Registry) Run(ctx context.Context, req Request) (*Result, error) {
	return r.Session(req.Key).Run(ctx, req)
}

// Status returns the pass status of key. Keys never run report
// DeploymentNotStarted.
func (r *Registry) Status(key ir.DeploymentKey) DeploymentStatus {
	r.mu.Lock()
	s, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return DeploymentNotStarted
	}
	return s.Status()
}

// Keys returns the keys with a session, sorted by their string form.
func (r *Registry) Keys() []ir.DeploymentKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.DeploymentKey, 0, len(r.sessions))
	for k := range r.sessions {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// flight is one in-progress pass and the callers waiting on it.
type flight struct {
	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Session serializes passes for one deployment key.
//
// Callers issuing a request with the same action while a pass is running
// share that pass and its result. A request with a different action waits
// until the running pass finishes. A caller whose context ends stops
// waiting; the pass itself is cancelled only when every caller waiting on
// it has gone. Confirmed cuts are persisted regardless.
type Session struct {
	key    ir.DeploymentKey
	runner Runner
	passes *atomic.Int64
	logger *zap.Logger

	group singleflight.Group
	sem   chan struct{}

	mu      sync.Mutex
	flights map[string]*flight
	gen     int64
	status  DeploymentStatus
	last    *Result
}

// Key returns the session's deployment key.
func (s *Session) Key() ir.DeploymentKey {
	return s.key
}

// Status returns NOT_STARTED, IN_PROGRESS, COMPLETED or FAILED. Dry runs
// do not change it.
func (s *Session) Status() DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Last returns the result of the most recent successful pass.
func (s *Session) Last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run executes req or joins a pass already in progress for the same action,
// dry-run flag and configuration.
func (s *Session) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Key != s.key {
		return nil, fmt.Errorf("session %s: request for %s", s.key, req.Key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind, err := flightKind(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	f, ok := s.flights[kind]
	if !ok {
		s.gen++
		passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{name: fmt.Sprintf("%s#%d", kind, s.gen), ctx: passCtx, cancel: cancel}
		s.flights[kind] = f
	}
	f.waiters++
	// DoChan is called under mu: the flight is only removed from the map
	// under mu, so a flight found here has not returned yet.
	ch := s.group.DoChan(f.name, func() (any, error) {
		return s.pass(f, kind, req)
	})
	s.mu.Unlock()

	select {
	case r := <-ch:
		res, _ := r.Val.(*Result)
		return copyResult(res, r.Shared), r.Err
	case <-ctx.Done():
		s.leave(kind, f)
		return nil, ctx.Err()
	}
}

// leave drops a waiter and cancels the pass when nobody waits for it.
func (s *Session) leave(kind string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if s.flights[kind] == f {
		delete(s.flights, kind)
	}
	f.cancel()
	s.logger.Debug("pass abandoned by every caller", zap.String("flight", f.name))
}

func (s *Session) pass(f *flight, kind string, req Request) (*Result, error) {
	defer func() {
		s.mu.Lock()
		if s.flights[kind] == f {
			delete(s.flights, kind)
		}
		s.mu.Unlock()
		f.cancel()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
	defer func() { <-s.sem }()

	seq := s.passes.Add(1)
	if !req.DryRun {
		s.setStatus(DeploymentInProgress, nil)
	}
	s.logger.Debug("pass started", zap.Int64("seq", seq), zap.String("flight", f.name))

	res, err := s.runner.Run(f.ctx, req)
	if res != nil {
		res.Seq = seq
	}
	if !req.DryRun {
		if err != nil {
			s.setStatus(DeploymentFailed, nil)
		} else {
			s.setStatus(DeploymentCompleted, res)
		}
	}
	return res, err
}

func (s *Session) setStatus(st DeploymentStatus, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	if res != nil {
		s.last = res
	}
}

// flightKind names the pass a request may share. Requests with different
// configurations never share a pass.
func flightKind(req Request) (string, error) {
	hash, err := ir.ConfigHash(req.Config)
	if err != nil {
		return "", err
	}
	kind := string(req.Action) + "@" + hash[:16]
	if req.DryRun {
		kind += ":dry-run"
	}
	return kind, nil
}

func copyResult(res *Result, shared bool) *Result {
	if res == nil {
		return nil
	}
	out := *res
	out.Shared = shared
	return &out
}
