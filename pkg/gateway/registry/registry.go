// Package registry admits relay sessions and tracks them until teardown.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
	"github.com/vango-go/vai-relay/pkg/gateway/session"
)

var (
	ErrFull         = relayerr.New(relayerr.KindRegistryFull, "registry.admit", "session limit reached")
	ErrNotAccepting = relayerr.New(relayerr.KindRegistryFull, "registry.admit", "gateway is not accepting sessions")
)

type Options struct {
	// Limit caps live sessions. Zero means unlimited.
	Limit  int
	Logger *slog.Logger
	// OnChange observes the live session count after every admit and removal.
	OnChange func(active int)
	// NewID overrides ID generation in tests.
	NewID func() string
}

type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*entry
	wg        sync.WaitGroup
	accepting atomic.Bool
	opts      Options
	logger    *slog.Logger
}

type entry struct {
	sess *session.Session
	conn session.ClientConn
	once sync.Once
}

func New(opts Options) *Registry {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions: make(map[string]*entry),
		opts:     opts,
		logger:   logger,
	}
	r.accepting.Store(true)
	return r
}

// Admit reserves a fresh ID, builds the session and installs the hook that
// removes it on teardown. The session is not started.
func (r *Registry) Admit(conn session.ClientConn, deps session.Dependencies) (*session.Session, error) {
	if !r.accepting.Load() {
		return nil, ErrNotAccepting
	}

	e := &entry{conn: conn}
	r.mu.Lock()
	if r.opts.Limit > 0 && len(r.sessions) >= r.opts.Limit {
		r.mu.Unlock()
		return nil, ErrFull
	}
	id := r.opts.NewID()
	for tries := 0; r.sessions[id] != nil; tries++ {
		if tries >= 8 {
			r.mu.Unlock()
			return nil, relayerr.New(relayerr.KindRegistryFull, "registry.admit", "could not allocate session id")
		}
		id = r.opts.NewID()
	}
	r.sessions[id] = e
	r.wg.Add(1)
	active := len(r.sessions)
	r.mu.Unlock()

	deps.Conn = conn
	deps.SessionID = id
	onClose := deps.Hooks.OnClose
	deps.Hooks.OnClose = func(s *session.Session, reason protocol.CloseReason, err error) {
		r.remove(id, e)
		if onClose != nil {
			onClose(s, reason, err)
		}
	}

	sess, err := session.New(deps)
	if err != nil {
		r.remove(id, e)
		return nil, err
	}
	r.mu.Lock()
	if r.sessions[id] != e {
		r.mu.Unlock()
		sess.Abandon()
		return nil, relayerr.New(relayerr.KindRegistryFull, "registry.admit", "session released during admission")
	}
	e.sess = sess
	r.mu.Unlock()

	r.notify(active)
	r.logger.Debug("session admitted", "session_id", id, "active_sessions", active)
	return sess, nil
}

// Release cancels the session. A session that has not started is abandoned,
// so a later Run fails, and removed here; a running one is removed by its
// own teardown. Release is idempotent.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	e := r.sessions[id]
	var sess *session.Session
	if e != nil {
		sess = e.sess
	}
	r.mu.Unlock()
	if e == nil {
		return
	}
	switch {
	case sess == nil:
		if e.conn != nil {
			_ = e.conn.Close()
		}
	case !sess.Abandon():
		sess.Cancel()
		return
	}
	r.remove(id, e)
}

func (r *Registry) remove(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
		active := len(r.sessions)
		r.mu.Unlock()
		r.wg.Done()
		r.notify(active)
	})
}

func (r *Registry) notify(active int) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(active)
	}
}

func (r *Registry) Lookup(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[id]
	if e == nil || e.sess == nil {
		return nil, false
	}
	return e.sess, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Limit() int { return r.opts.Limit }

func (r *Registry) SetAccepting(v bool) { r.accepting.Store(v) }

func (r *Registry) Accepting() bool { return r.accepting.Load() }

func (r *Registry) snapshot() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.sess != nil {
			out = append(out, e.sess)
		}
	}
	return out
}

func (r *Registry) WarnAll(message string) (sent int) {
	for _, s := range r.snapshot() {
		s.Warn(message)
		sent++
	}
	return sent
}

func (r *Registry) DrainAll(reason string) (drained int) {
	for _, s := range r.snapshot() {
		s.Drain(reason)
		drained++
	}
	return drained
}

func (r *Registry) CancelAll() (canceled int) {
	var ids []string
	r.mu.Lock()
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Release(id)
		canceled++
	}
	return canceled
}

// Wait blocks until every admitted session has been removed or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
