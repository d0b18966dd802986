package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type ctxKey struct{}

// NewContext returns a copy of ctx carrying c, so code below a mount point can
// reach the active client without a package-level handle.
func NewContext(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the client stored by NewContext.
func FromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Client)
	return c, ok && c != nil
}

// Mount connects a new client whose lifetime is bound to ctx. The returned
// release closes the client and returns once the close has completed; it also
// runs when ctx is cancelled, and calling it after that waits for that close
// to finish. The watcher goroutine exits early if the server ends the
// connection first.
func Mount(ctx context.Context, cfg Config) (*Client, func() error, error) {
	c := New(cfg)
	if err := c.Initialize(ctx); err != nil {
		return nil, nil, err
	}

	var (
		once     sync.Once
		closeErr error
	)
	release := func() error {
		once.Do(func() { closeErr = c.Close() })
		return closeErr
	}

	done := c.Done()
	go func() {
		select {
		case <-ctx.Done():
			if err := release(); err != nil {
				c.logger.Warn().Err(err).Msg("unmount close failed")
			}
		case <-done:
		}
	}()
	return c, release, nil
}

// Use connects a client, runs fn with it, and closes it whether fn returns
// normally, with an error, or by panicking. The context passed to fn carries
// the client (see FromContext).
func Use(ctx context.Context, cfg Config, fn func(ctx context.Context, c *Client) error) (err error) {
	c := New(cfg)
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "release client")
		}
	}()
	return fn(NewContext(ctx, c), c)
}
