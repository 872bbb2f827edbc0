package upstream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-relay/pkg/gateway/credential"
	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

type Options struct {
	// MaxAttempts caps total dial attempts per Open, auth re-dials included.
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	SendQueueSize  int
	EventQueueSize int
	Logger         *slog.Logger
	// OnAttempt observes every dial attempt. Optional.
	OnAttempt func(err error)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Client struct {
	dialer Dialer
	creds  *credential.Store
	opts   Options
}

func NewClient(dialer Dialer, creds *credential.Store, opts Options) *Client {
	return &Client{dialer: dialer, creds: creds, opts: opts.withDefaults()}
}

// Open dials the provider for one session. Auth failures trigger a single
// coalesced credential refresh and an immediate re-dial; network failures
// back off exponentially; quota failures return at once. The returned
// error is a *relayerr.ConnectError.
func (c *Client) Open(ctx context.Context, sessionID string, cfg SessionConfig) (*Stream, error) {
	logger := c.opts.Logger.With("session_id", sessionID)

	cred, err := c.creds.Get(ctx)
	if err != nil {
		return nil, &relayerr.ConnectError{Attempts: 0, Err: err}
	}

	var (
		conn        Conn
		attempts    int
		authRetried bool
	)
	dial := func(ctx context.Context) error {
		attempts++
		dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
		cn, err := c.dialer.Dial(dctx, DialRequest{SessionID: sessionID, Credential: cred, Config: cfg})
		if err != nil && dctx.Err() != nil && ctx.Err() == nil && relayerr.KindOf(err) == "" {
			err = relayerr.Wrap(relayerr.KindNetwork, "upstream.dial", err)
		}
		if c.opts.OnAttempt != nil {
			c.opts.OnAttempt(err)
		}
		if err == nil {
			conn = cn
		}
		return err
	}

	b := retry.NewExponential(c.opts.BaseBackoff)
	b = retry.WithCappedDuration(c.opts.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(c.opts.MaxAttempts-1), b)

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		err := dial(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		switch relayerr.KindOf(err) {
		case relayerr.KindAuth:
			if authRetried || attempts >= c.opts.MaxAttempts {
				return err
			}
			authRetried = true
			logger.Info("upstream auth rejected; refreshing credential", "generation", cred.Generation, "error", err)
			fresh, rerr := c.creds.Refresh(ctx, cred)
			if rerr != nil {
				return rerr
			}
			cred = fresh
			err = dial(ctx)
			if err == nil {
				return nil
			}
			if relayerr.KindOf(err) != relayerr.KindNetwork {
				return err
			}
			fallthrough
		case relayerr.KindNetwork:
			if attempts >= c.opts.MaxAttempts {
				return err
			}
			logger.Warn("upstream dial failed; retrying", "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil {
		logger.Error("upstream open failed", "attempts", attempts, "error", err)
		return nil, &relayerr.ConnectError{Attempts: attempts, Err: err}
	}

	logger.Info("upstream stream opened", "attempts", attempts, "credential_generation", cred.Generation)
	return newStream(sessionID, conn, cred.Generation, c.opts, logger), nil
}
