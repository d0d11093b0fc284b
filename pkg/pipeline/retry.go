package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	log "github.com/sirupsen/logrus"
)

// Client holds a remote client built from a Session and rebuilds it
// whenever the session's credentials are replaced.
type Client[C any] struct {
	session *Session
	build   func(aws.Config) C

	mu     sync.Mutex
	client C
	gen    int
	built  bool
}

// NewClient binds a client constructor to a session.
func NewClient[C any](s *Session, build func(aws.Config) C) *Client[C] {
	return &Client[C]{session: s, build: build}
}

// Session returns the session the client is bound to.
func (c *Client[C]) Session() *Session {
	return c.session
}

func (c *Client[C]) get(ctx context.Context) (C, int, error) {
	cfg, gen, err := c.session.Config(ctx)
	if err != nil {
		var zero C
		return zero, gen, err
	}
	return c.current(cfg, gen), gen, nil
}

func (c *Client[C]) refresh(ctx context.Context, stale int) (C, error) {
	cfg, gen, err := c.session.Refresh(ctx, stale)
	if err != nil {
		var zero C
		return zero, err
	}
	return c.current(cfg, gen), nil
}

func (c *Client[C]) current(cfg aws.Config, gen int) C {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.built || c.gen != gen {
		c.client = c.build(cfg)
		c.gen = gen
		c.built = true
	}
	return c.client
}

// Invoke runs op against the client. If op fails because the session's
// credentials expired, the credentials are re-obtained for the same account
// and region, the client is rebuilt and op is retried exactly once.
// A second expiry is returned as a permanent transfer failure.
func Invoke[C any](ctx context.Context, c *Client[C], op func(C) error) error {
	if err := c.session.wait(ctx); err != nil {
		return err
	}
	client, gen, err := c.get(ctx)
	if err != nil {
		return err
	}

	err = op(client)
	if err == nil || Classify(err) != ClassCredentialExpired {
		return err
	}

	log.WithFields(log.Fields{
		"action":  "Invoke",
		"account": c.session.account.Name,
		"region":  c.session.Region,
	}).Warn("Credentials expired, refreshing and retrying once")

	client, rerr := c.refresh(ctx, gen)
	if rerr != nil {
		return rerr
	}
	if err := c.session.wait(ctx); err != nil {
		return err
	}

	err = op(client)
	if err != nil && Classify(err) == ClassCredentialExpired {
		return NewError(ErrorKindTransfer, "", "retry after credential refresh", err)
	}
	return err
}

// VisibilityPolicy bounds the wait for a freshly created item to become readable.
type VisibilityPolicy struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Attempts     int           `mapstructure:"attempts" yaml:"attempts"`
	Delay        time.Duration `mapstructure:"delay" yaml:"delay"`
}

// DefaultVisibilityPolicy waits 5s, then checks up to 3 times 1s apart.
func DefaultVisibilityPolicy() VisibilityPolicy {
	return VisibilityPolicy{
		InitialDelay: 5 * time.Second,
		Attempts:     3,
		Delay:        time.Second,
	}
}

// AwaitVisible polls lookup until the item is readable. Only not-yet-visible
// errors are retried; anything else is returned immediately. Exhausting
// the attempts yields an eventual-consistency timeout for item.
func AwaitVisible(ctx context.Context, p VisibilityPolicy, item string, lookup func(context.Context) error) error {
	if err := sleep(ctx, p.InitialDelay); err != nil {
		return err
	}

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := lookup(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) != ClassNotYetVisible {
			return err
		}
		last = err

		log.WithFields(log.Fields{
			"action":  "AwaitVisible",
			"item":    item,
			"attempt": attempt,
		}).Debug("Item not visible yet")

		if attempt < attempts {
			if err := sleep(ctx, p.Delay); err != nil {
				return err
			}
		}
	}
	return NewError(ErrorKindConsistency, item, "await visibility", last)
}

// Poll calls check every interval until it reports done. A timeout of
// zero means no ceiling; otherwise exceeding it is an ErrorKindTimeout.
func Poll(ctx context.Context, interval, timeout time.Duration, resource string, check func(context.Context) (bool, error)) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Add(interval).Before(deadline) {
			return NewError(ErrorKindTimeout, resource, "poll", context.DeadlineExceeded)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
