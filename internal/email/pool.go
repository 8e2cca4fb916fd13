package email

import (
	"context"
	"crypto/tls"
	"fmt"
	gosync "sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
)

// dialFunc opens one authenticated connection.
type dialFunc func(ctx context.Context) (*client.Client, error)

// pool hands out at most size authenticated connections. A connection
// is used by one operation at a time.
type pool struct {
	dial   dialFunc
	logger *logrus.Logger

	idle chan *client.Client
	// slots limits open connections, idle or in use
	slots chan struct{}

	mu     gosync.Mutex
	closed bool
}

func newPool(size int, dial dialFunc, logger *logrus.Logger) *pool {
	if size < 1 {
		size = 1
	}
	return &pool{
		dial:   dial,
		logger: logger,
		idle:   make(chan *client.Client, size),
		slots:  make(chan struct{}, size),
	}
}

func (p *pool) acquire(ctx context.Context) (*client.Client, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("connection pool closed")
	}

	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	select {
	case c := <-p.idle:
		return c, nil
	case p.slots <- struct{}{}:
		c, err := p.dial(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns c to the pool, or drops it when it is logged out.
func (p *pool) release(c *client.Client) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || c.State() == imap.LogoutState {
		p.discard(c)
		return
	}
	p.idle <- c
}

func (p *pool) discard(c *client.Client) {
	if c.State() != imap.LogoutState {
		c.Logout() //nolint:errcheck
	}
	<-p.slots
}

func (p *pool) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case c := <-p.idle:
			p.discard(c)
		default:
			return nil
		}
	}
}

// dialer connects and logs in with the account credentials.
func dialer(cfg *config.AccountConfig, logger *logrus.Logger) dialFunc {
	return func(ctx context.Context) (*client.Client, error) {
		addr := fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort)

		type result struct {
			c   *client.Client
			err error
		}
		done := make(chan result, 1)
		go func() {
			c, err := client.DialTLS(addr, &tls.Config{
				ServerName: cfg.IMAPHost,
				MinVersion: tls.VersionTLS12,
			})
			if err != nil {
				done <- result{err: fmt.Errorf("failed to connect to IMAP server: %w", err)}
				return
			}
			if err := c.Login(cfg.IMAPUsername, cfg.IMAPPassword); err != nil {
				c.Logout() //nolint:errcheck
				done <- result{err: fmt.Errorf("failed to login to IMAP server: %w", err)}
				return
			}
			done <- result{c: c}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				logger.WithError(r.err).WithField("account", cfg.Name).Error("IMAP connection failed")
				return nil, r.err
			}
			logger.WithField("account", cfg.Name).Debug("Connected to IMAP server")
			return r.c, nil
		case <-ctx.Done():
			go func() {
				if r := <-done; r.c != nil {
					r.c.Logout() //nolint:errcheck
				}
			}()
			return nil, ctx.Err()
		}
	}
}
