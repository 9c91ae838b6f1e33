package notifier

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/observability/metrics"
)

// Router picks a provider by channel URL scheme and paces all sends through
// one token bucket. Each destination (provider plus host and credentials)
// has its own circuit breaker, so one recipient's dead endpoint never blocks
// sends to another.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
	breakers  map[string]*CircuitBreaker
	breakerCf CircuitBreakerConfig
	limiter   *rate.Limiter
	metrics   *metrics.NotificationMetrics
	closers   []func()
}

// NewRouter creates an empty router. limiter may be nil for unpaced sends and
// m may be nil.
func NewRouter(cb CircuitBreakerConfig, limiter *rate.Limiter, m *metrics.NotificationMetrics) *Router {
	return &Router{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*CircuitBreaker),
		breakerCf: cb,
		limiter:   limiter,
		metrics:   m,
	}
}

// New builds the router for the notification settings: webhooks for http(s),
// the log provider, MQTT when a broker is configured and shoutrrr for every
// other scheme.
func New(cfg *conf.NotificationSettings, client *httpclient.Client, m *metrics.NotificationMetrics) *Router {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	cb := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker.MaxFailures > 0 {
		cb.MaxFailures = cfg.CircuitBreaker.MaxFailures
	}
	if cfg.CircuitBreaker.Timeout > 0 {
		cb.Timeout = cfg.CircuitBreaker.Timeout
	}

	r := NewRouter(cb, limiter, m)
	r.Register(NewWebhookProvider(client), "http", "https")
	r.Register(NewLogProvider(nil), "log")
	if cfg.MQTT.Broker != "" {
		mp := NewMQTTProvider(cfg.MQTT)
		r.Register(mp, "mqtt", "mqtts", "tcp")
		r.closers = append(r.closers, mp.Close)
	}
	r.SetFallback(NewShoutrrrProvider(cfg.Timeout))
	return r
}

// Register routes the given schemes to p.
func (r *Router) Register(p Provider, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.providers[strings.ToLower(s)] = p
	}
}

// SetFallback sets the provider for schemes with no registered provider.
func (r *Router) SetFallback(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// breakerKey identifies a destination: the provider plus the channel's
// credentials and host. Paths and query strings select a recipient on a
// shared endpoint and are left out.
func breakerKey(provider string, target *url.URL) string {
	key := provider + "|" + strings.ToLower(target.Scheme) + "://"
	if target.User != nil {
		key += target.User.String() + "@"
	}
	return key + strings.ToLower(target.Host)
}

// Breaker returns the circuit breaker guarding channel, or nil if nothing
// has been sent to that destination yet.
func (r *Router) Breaker(channel string) *CircuitBreaker {
	target, err := url.Parse(channel)
	if err != nil {
		return nil
	}
	p := r.provider(strings.ToLower(target.Scheme))
	if p == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[breakerKey(p.Name(), target)]
}

func (r *Router) provider(scheme string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[scheme]; ok {
		return p
	}
	return r.fallback
}

// route returns the provider for target and the breaker of its destination,
// creating the breaker on first use.
func (r *Router) route(target *url.URL) (Provider, *CircuitBreaker) {
	p := r.provider(strings.ToLower(target.Scheme))
	if p == nil {
		return nil, nil
	}
	key := breakerKey(p.Name(), target)

	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return p, cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; !ok {
		cb = NewCircuitBreaker(r.breakerCf, p.Name(), r.metrics)
		r.breakers[key] = cb
	}
	return p, cb
}

// Send implements Notifier.
func (r *Router) Send(ctx context.Context, channel string, payload Payload) Result {
	target, err := url.Parse(channel)
	if err != nil || target.Scheme == "" {
		return Result{Class: ClassOther, Err: errors.Newf("invalid contact channel %s", logger.RedactURL(channel)).
			Component("notifier").
			Category(errors.CategoryValidation).
			Build()}
	}

	p, breaker := r.route(target)
	if p == nil {
		return Result{Class: ClassOther, Err: errors.Newf("no provider for scheme %q", target.Scheme).
			Component("notifier").
			Category(errors.CategoryConfiguration).
			Build()}
	}

	log := GetLogger().With(
		logger.String("provider", p.Name()),
		logger.String("channel", logger.RedactURL(channel)),
		logger.String("event_id", payload.EventID),
		logger.String("recipient_id", payload.RecipientID))

	timer := r.metrics.StartDeliveryTimer()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			// Wait fails early when the deadline cannot be met.
			res := Result{Class: ClassTimeout, Err: WithClass(err, ClassTimeout)}
			timer.ObserveDuration(p.Name(), "failed", string(res.Class))
			log.Warn("rate limit wait exceeded deadline", logger.Error(err))
			return res
		}
	}

	err = breaker.Call(ctx, func(ctx context.Context) error {
		return p.Send(ctx, target, payload)
	})
	class := Classify(err)

	status := "delivered"
	if err != nil {
		status = "failed"
	}
	timer.ObserveDuration(p.Name(), status, string(class))

	if err != nil {
		log.Warn("alert send failed", logger.String("error_class", string(class)), logger.Error(err))
		return Result{Class: class, Err: err}
	}
	log.Debug("alert sent")
	return Result{Delivered: true, Class: ClassNone}
}

// Close releases provider connections.
func (r *Router) Close() {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	for _, c := range closers {
		c()
	}
}
