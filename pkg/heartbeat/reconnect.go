package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
)

// Default reconnection settings.
const (
	DefaultReconnectBase     = 5 * time.Second
	DefaultReconnectMax      = 60 * time.Second
	DefaultReconnectAttempts = 10
)

// Policy bounds reconnection. The delay before attempt n (1-based) is
// Base*n capped at Max.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the default reconnection policy.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultReconnectBase, Max: DefaultReconnectMax, MaxAttempts: DefaultReconnectAttempts}
}

// Delay returns the wait after failed attempt n.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base * time.Duration(attempt)
	if p.Max > 0 && (d > p.Max || d < 0) {
		d = p.Max
	}
	return d
}

// Schedule lists every delay the policy can produce, in order.
func (p Policy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, max(p.MaxAttempts, 0))
	for i := 1; i <= p.MaxAttempts; i++ {
		out = append(out, p.Delay(i))
	}
	return out
}

// Link is an established connection whose end can be awaited.
type Link interface {
	Done() <-chan struct{}
}

// DialFunc makes one connection attempt.
type DialFunc func(ctx context.Context) (Link, error)

// ReconnectOption configures a Reconnector.
type ReconnectOption func(*Reconnector)

// WithReconnectLogger sets the logger.
func WithReconnectLogger(logger log.Logger) ReconnectOption {
	return func(r *Reconnector) {
		r.logger = log.OrNoop(logger)
	}
}

// WithOnConnected is called after each successful dial. reconnected is false
// for the first connection of a Run.
func WithOnConnected(fn func(ctx context.Context, link Link, reconnected bool)) ReconnectOption {
	return func(r *Reconnector) {
		r.onConnected = fn
	}
}

// WithOnDisconnected is called when an established link ends.
func WithOnDisconnected(fn func(link Link)) ReconnectOption {
	return func(r *Reconnector) {
		r.onDisconnected = fn
	}
}

// WithOnExhausted is called once when attempts run out, before Run returns.
func WithOnExhausted(fn func(err error)) ReconnectOption {
	return func(r *Reconnector) {
		r.onExhausted = fn
	}
}

// Reconnector keeps one outbound link up.
type Reconnector struct {
	policy Policy
	dial   DialFunc
	logger log.Logger

	onConnected    func(ctx context.Context, link Link, reconnected bool)
	onDisconnected func(link Link)
	onExhausted    func(err error)

	attempts atomic.Int64
}

// NewReconnector creates a Reconnector. Zero policy fields take defaults.
func NewReconnector(policy Policy, dial DialFunc, opts ...ReconnectOption) *Reconnector {
	def := DefaultPolicy()
	if policy.Base <= 0 {
		policy.Base = def.Base
	}
	if policy.Max <= 0 {
		policy.Max = def.Max
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	r := &Reconnector{
		policy: policy,
		dial:   dial,
		logger: log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attempts returns the consecutive failed attempts since the last success.
func (r *Reconnector) Attempts() int {
	return int(r.attempts.Load())
}

// Connect dials until it succeeds, the attempts run out, or ctx ends. A
// success resets the attempt counter.
func (r *Reconnector) Connect(ctx context.Context) (Link, error) {
	for {
		link, err := r.dial(ctx)
		if err == nil {
			r.attempts.Store(0)
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		n := int(r.attempts.Add(1))
		if n >= r.policy.MaxAttempts {
			return nil, fmt.Errorf("after %d attempts: %w: %w", n, domain.ErrReconnectExhausted, err)
		}

		delay := r.policy.Delay(n)
		r.logger.Debug("connect failed, retrying",
			log.Int("attempt", n),
			log.Duration("delay", delay),
			log.Err(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Run keeps the link up until ctx ends, reconnecting whenever it drops. It
// returns nil when ctx ends and ErrReconnectExhausted, after calling the
// exhausted callback, when attempts run out.
func (r *Reconnector) Run(ctx context.Context) error {
	reconnected := false
	for {
		link, err := r.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("giving up on link", log.Err(err))
			if r.onExhausted != nil {
				r.onExhausted(err)
			}
			return err
		}

		if r.onConnected != nil {
			r.onConnected(ctx, link, reconnected)
		}
		reconnected = true

		select {
		case <-ctx.Done():
			return nil
		case <-link.Done():
		}
		if r.onDisconnected != nil {
			r.onDisconnected(link)
		}
		r.logger.Info("link lost, reconnecting")
	}
}
