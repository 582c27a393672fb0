package gateway

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/blacktop/xgate/internal/logutil"
	"github.com/blacktop/xgate/internal/ratelimit"
)

const instrumentationName = "github.com/blacktop/xgate/internal/gateway"

// DefaultMockDelay is the artificial latency of a mock publish.
const DefaultMockDelay = 250 * time.Millisecond

// Gate decides whether a platform may be called right now.
type Gate interface {
	Admit(ctx context.Context, platform string) (ratelimit.Decision, error)
}

// Dispatcher is the single entry point for publishing. Publish never panics
// and never returns an error; every outcome is a PublishResult.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter

	gate      Gate
	mock      bool
	mockDelay time.Duration
	now       func() time.Time

	tracer    trace.Tracer
	published metric.Int64Counter
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithGate sets the rate-limit gate. Without one every request is admitted.
func WithGate(g Gate) Option {
	return func(d *Dispatcher) { d.gate = g }
}

// WithMock short-circuits publishing to a fabricated success after delay.
func WithMock(enabled bool, delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.mock = enabled
		d.mockDelay = delay
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithAdapters registers adapters.
func WithAdapters(adapters ...Adapter) Option {
	return func(d *Dispatcher) {
		for _, a := range adapters {
			d.adapters[a.Platform()] = a
		}
	}
}

// NewDispatcher returns a Dispatcher with no adapters unless given.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		adapters:  map[Platform]Adapter{},
		mockDelay: DefaultMockDelay,
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter("xgate.publish.results",
		metric.WithDescription("Publish outcomes by platform and result"))
	if err != nil {
		logutil.Warnf("create publish counter: %v", err)
	}
	d.published = counter
	return d
}

// Register adds or replaces the adapter for a.Platform().
func (d *Dispatcher) Register(a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.Platform()] = a
}

// Supported lists the platforms with a registered adapter.
func (d *Dispatcher) Supported() []Platform {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Platform
	for _, p := range Platforms {
		if _, ok := d.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (d *Dispatcher) adapter(p Platform) (Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[p]
	return a, ok
}

// Publish gates, assembles and dispatches one request.
func (d *Dispatcher) Publish(ctx context.Context, req PublishRequest) (result PublishResult) {
	ctx, span := d.tracer.Start(ctx, "xgate.publish", trace.WithAttributes(
		attribute.String("xgate.platform", string(req.Platform)),
		attribute.String("xgate.post_id", req.PostID),
		attribute.Int("xgate.media_count", len(req.MediaURLs)),
	))
	defer func() {
		if r := recover(); r != nil {
			logutil.Errorf("%s: adapter panic: %v", req.Platform, r)
			result = d.failure(req.Platform, fmt.Errorf("internal error: %v", r))
		}
		d.record(ctx, span, result)
		span.End()
	}()

	if d.gate != nil {
		decision, err := d.gate.Admit(ctx, string(req.Platform))
		if err != nil {
			logutil.Errorf("%s: rate limit state unavailable: %v", req.Platform, err)
			return d.failure(req.Platform, fmt.Errorf("rate limit state unavailable: %w", err))
		}
		if !decision.Allowed {
			return d.rejected(req.Platform, decision)
		}
		if decision.Limit > 0 {
			logutil.Debugf("%s: admitted, %d of %d monthly posts left", req.Platform, decision.Remaining, decision.Limit)
		}
	}

	req.Content = req.Text()
	req.Hashtags = nil

	if d.mock {
		return d.mockPublish(ctx, req)
	}

	adapter, ok := d.adapter(req.Platform)
	if !ok {
		err := &UnsupportedPlatformError{Platform: req.Platform}
		return PublishResult{Platform: req.Platform, Error: err.Error(), ErrorKind: KindUnsupported}
	}

	logutil.Debugf("%s: publishing post %s (media=%d)", req.Platform, req.PostID, len(req.MediaURLs))
	receipt, err := adapter.Publish(ctx, req)
	if err != nil {
		logutil.Errorf("%s: publish failed: %v", req.Platform, err)
		return d.failure(req.Platform, err)
	}

	logutil.Infof("%s: published post %s %s", req.Platform, req.PostID, receipt.URL)
	return PublishResult{
		Success:     true,
		Platform:    req.Platform,
		PostID:      receipt.PostID,
		URL:         receipt.URL,
		PublishedAt: d.now(),
	}
}

// Verify checks a platform connection without publishing.
func (d *Dispatcher) Verify(ctx context.Context, p Platform) VerifyResult {
	adapter, ok := d.adapter(p)
	if !ok {
		return VerifyResult{Platform: p, Error: (&UnsupportedPlatformError{Platform: p}).Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()

	account, err := safeVerify(ctx, adapter)
	if err != nil {
		return VerifyResult{Platform: p, Error: err.Error()}
	}
	return VerifyResult{Platform: p, Valid: true, AccountName: account.Name}
}

func safeVerify(ctx context.Context, a Adapter) (account Account, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return a.Verify(ctx)
}

func (d *Dispatcher) mockPublish(ctx context.Context, req PublishRequest) PublishResult {
	if d.mockDelay > 0 {
		timer := time.NewTimer(d.mockDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return d.failure(req.Platform, ctx.Err())
		case <-timer.C:
		}
	}
	logutil.Infof("%s: [mock] published post %s", req.Platform, req.PostID)
	return PublishResult{
		Success:     true,
		Platform:    req.Platform,
		PostID:      fmt.Sprintf("mock-%s-%s", req.Platform, req.PostID),
		URL:         fmt.Sprintf("https://mock.xgate.invalid/%s/%s", req.Platform, url.PathEscape(req.PostID)),
		PublishedAt: d.now(),
	}
}

func (d *Dispatcher) rejected(p Platform, decision ratelimit.Decision) PublishResult {
	var err error
	kind := KindRateLimited
	if decision.Reason == ratelimit.ReasonQuota {
		kind = KindQuotaExceeded
		err = &QuotaExceededError{Platform: p, Remaining: decision.Remaining, Limit: decision.Limit}
	} else {
		err = &RateLimitedError{Platform: p, RetryAfter: decision.RetryAfter}
	}
	logutil.Warnf("%s: %v", p, err)
	return PublishResult{
		Platform:   p,
		Error:      err.Error(),
		ErrorKind:  kind,
		RetryAfter: decision.RetryAfter,
	}
}

func (d *Dispatcher) failure(p Platform, err error) PublishResult {
	return PublishResult{
		Platform:  p,
		Error:     fmt.Sprintf("%s publish failed: %v", p, err),
		ErrorKind: KindOf(err),
	}
}

func (d *Dispatcher) record(ctx context.Context, span trace.Span, result PublishResult) {
	outcome := "published"
	if !result.Success {
		outcome = string(result.ErrorKind)
		span.SetStatus(codes.Error, result.Error)
	}
	span.SetAttributes(attribute.String("xgate.outcome", outcome))
	if d.published != nil {
		d.published.Add(ctx, 1, metric.WithAttributes(
			attribute.String("platform", string(result.Platform)),
			attribute.String("outcome", outcome),
		))
	}
}
