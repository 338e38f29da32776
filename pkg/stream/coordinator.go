package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/settld-labs/settld/pkg/eventchain"
	"github.com/settld-labs/settld/pkg/observability"
)

// ErrRateLimited is returned when a tenant exceeds its commit budget.
var ErrRateLimited = errors.New("stream: tenant commit rate exceeded")

// CoordinatorConfig tunes the append coordinator.
type CoordinatorConfig struct {
	// CommitsPerSecond is the sustained per-tenant commit rate. Zero
	// disables limiting.
	CommitsPerSecond float64
	// Burst is the per-tenant burst allowance.
	Burst int
}

// Coordinator serializes event commits against a Store. It enforces the
// chain linkage precondition before touching storage, applies a per-tenant
// rate limit, and records commit metrics.
type Coordinator struct {
	store    Store
	config   CoordinatorConfig
	obs      *observability.Provider
	logger   *slog.Logger
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCoordinator builds a coordinator over the given store. obs may be nil.
func NewCoordinator(store Store, config CoordinatorConfig, obs *observability.Provider) *Coordinator {
	return &Coordinator{
		store:    store,
		config:   config,
		obs:      obs,
		logger:   slog.Default().With("component", "stream"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the tenant's commit limiter, or nil when neither the
// config nor a per-tenant override imposes one.
func (c *Coordinator) limiter(tenantID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, found := c.limiters[tenantID]; found {
		return lim
	}
	if c.config.CommitsPerSecond <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(c.config.CommitsPerSecond), c.config.Burst)
	c.limiters[tenantID] = lim
	return lim
}

// SetTenantLimit overrides the commit budget for one tenant, replacing any
// limiter the tenant already accumulated tokens in.
func (c *Coordinator) SetTenantLimit(tenantID string, commitsPerSecond float64, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiters[tenantID] = rate.NewLimiter(rate.Limit(commitsPerSecond), burst)
}

// Commit appends a finalized event at the expected head. It fails fast on a
// malformed event, counts conflicts separately from other errors, and never
// retries on the caller's behalf: the retry decision belongs to whoever can
// re-read state and re-finalize the event.
func (c *Coordinator) Commit(ctx context.Context, id ID, expectedHead string, ev eventchain.Event) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	if ev.ChainHash == "" {
		return Head{}, fmt.Errorf("stream: commit requires a finalized event, got draft %s", ev.ID)
	}
	if ev.PrevChainHash != expectedHead {
		return Head{}, fmt.Errorf("stream: event %s links %s, commit names %s",
			ev.ID, ev.PrevChainHash, expectedHead)
	}

	if lim := c.limiter(id.TenantID); lim != nil && !lim.Allow() {
		return Head{}, fmt.Errorf("%w: tenant %s", ErrRateLimited, id.TenantID)
	}

	attrs := []attribute.KeyValue{
		attribute.String("tenant.id", id.TenantID),
		attribute.String("aggregate.type", id.AggregateType),
		attribute.String("event.type", ev.Type),
	}
	if c.obs != nil {
		var span trace.Span
		ctx, span = c.obs.StartSpan(ctx, "stream.commit", trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	head, err := c.store.Append(ctx, id, expectedHead, ev)
	elapsed := time.Since(start)

	if c.obs != nil {
		c.obs.RecordDuration(ctx, elapsed, attrs...)
	}
	if err != nil {
		if errors.Is(err, ErrHeadConflict) {
			if c.obs != nil {
				c.obs.RecordConflict(ctx, attrs...)
			}
			c.logger.DebugContext(ctx, "commit lost head race",
				"stream", id.String(), "expected_head", expectedHead)
		} else if c.obs != nil {
			c.obs.RecordError(ctx, err, attrs...)
		}
		return Head{}, err
	}

	if c.obs != nil {
		c.obs.RecordCommit(ctx, attrs...)
	}
	c.logger.DebugContext(ctx, "event committed",
		"stream", id.String(), "event_type", ev.Type, "length", head.Length)
	return head, nil
}

// Verify replays a stream and checks linkage, hashes, and signatures.
func (c *Coordinator) Verify(ctx context.Context, id ID, resolver eventchain.KeyResolver) (eventchain.VerifyResult, error) {
	events, err := c.store.Events(ctx, id)
	if err != nil {
		return eventchain.VerifyResult{}, err
	}
	return eventchain.VerifyChain(events, resolver), nil
}

// Replay returns the full event history of a stream.
func (c *Coordinator) Replay(ctx context.Context, id ID) ([]eventchain.Event, error) {
	return c.store.Events(ctx, id)
}

// Head reports the current stream position.
func (c *Coordinator) Head(ctx context.Context, id ID) (Head, error) {
	return c.store.Head(ctx, id)
}
