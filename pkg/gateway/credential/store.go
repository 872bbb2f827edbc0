// Package credential holds the process-wide upstream credential and
// coalesces refreshes across sessions.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

// Credential is the material a provider adapter needs to authenticate.
// Secret holds the API key for key-based providers and the secret access
// key for AWS.
type Credential struct {
	AccessKeyID  string
	Secret       string
	SessionToken string
	Source       string
	Expires      time.Time

	// Generation is assigned by the Store and increases on every refresh.
	Generation uint64
}

func (c Credential) CanExpire() bool { return !c.Expires.IsZero() }

func (c Credential) expiresWithin(now time.Time, skew time.Duration) bool {
	return c.CanExpire() && !now.Add(skew).Before(c.Expires)
}

type Source interface {
	Retrieve(ctx context.Context) (Credential, error)
}

type SourceFunc func(ctx context.Context) (Credential, error)

func (f SourceFunc) Retrieve(ctx context.Context) (Credential, error) { return f(ctx) }

// Static always returns the same secret.
func Static(secret string) Source {
	return SourceFunc(func(context.Context) (Credential, error) {
		if strings.TrimSpace(secret) == "" {
			return Credential{}, relayerr.New(relayerr.KindAuth, "credential.static", "empty secret")
		}
		return Credential{Secret: secret, Source: "static"}, nil
	})
}

// FromEnv re-reads the named variable on every refresh so a rotated key
// is picked up without a restart.
func FromEnv(name string) Source {
	return SourceFunc(func(context.Context) (Credential, error) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return Credential{}, relayerr.Newf(relayerr.KindAuth, "credential.env", "%s is not set", name)
		}
		return Credential{Secret: v, Source: "env:" + name}, nil
	})
}

type Options struct {
	// RefreshSkew refreshes expiring credentials this long before expiry.
	RefreshSkew time.Duration
	// RefreshTimeout bounds a single call to the source.
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
	// OnRefresh is called after every source call. Optional.
	OnRefresh func(err error)
}

type Store struct {
	source Source
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	current Credential
	have    bool
	gen     uint64

	group     singleflight.Group
	refreshes atomic.Int64
}

func NewStore(source Source, opts Options) *Store {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{source: source, opts: opts, logger: logger}
}

// Get returns the cached credential, refreshing first when none is cached
// or the cached one is about to expire.
func (s *Store) Get(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cur, have := s.current, s.have
	s.mu.RUnlock()
	if have && !cur.expiresWithin(s.opts.Now(), s.opts.RefreshSkew) {
		return cur, nil
	}
	return s.refresh(ctx, cur.Generation)
}

// Refresh replaces the credential identified by stale. When another caller
// already replaced that generation the newer credential is returned
// without calling the source again.
func (s *Store) Refresh(ctx context.Context, stale Credential) (Credential, error) {
	return s.refresh(ctx, stale.Generation)
}

// Current returns the cached credential without refreshing.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.have
}

// Refreshes counts calls made to the source.
func (s *Store) Refreshes() int64 { return s.refreshes.Load() }

func (s *Store) refresh(ctx context.Context, staleGen uint64) (Credential, error) {
	s.mu.RLock()
	if s.have && s.current.Generation > staleGen {
		cur := s.current
		s.mu.RUnlock()
		return cur, nil
	}
	s.mu.RUnlock()

	ch := s.group.DoChan("refresh", func() (any, error) {
		s.mu.RLock()
		if s.have && s.current.Generation > staleGen {
			cur := s.current
			s.mu.RUnlock()
			return cur, nil
		}
		s.mu.RUnlock()

		// Detached from the first caller so its cancellation does not fail
		// every waiter.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RefreshTimeout)
		defer cancel()

		s.refreshes.Add(1)
		cred, err := s.source.Retrieve(rctx)
		if s.opts.OnRefresh != nil {
			s.opts.OnRefresh(err)
		}
		if err != nil {
			s.logger.Warn("credential refresh failed", "error", err)
			if relayerr.KindOf(err) == "" {
				err = relayerr.Wrap(relayerr.KindAuth, "credential.refresh", err)
			}
			return nil, err
		}

		s.mu.Lock()
		s.gen++
		cred.Generation = s.gen
		s.current = cred
		s.have = true
		s.mu.Unlock()

		s.logger.Debug("credential refreshed", "generation", cred.Generation, "source", cred.Source, "expires", cred.Expires)
		return cred, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// Run refreshes on a fixed schedule until ctx is done. Failures are logged
// and the cached credential stays in place.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			gen := s.current.Generation
			s.mu.RUnlock()
			if _, err := s.refresh(ctx, gen); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("scheduled credential refresh failed", "error", err)
			}
		}
	}
}
