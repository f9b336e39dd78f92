// Package kvkit provides Redis-backed coordination primitives for stateless
// HTTP request handlers: distributed rate limiting, one-time-passcode
// lifecycle, TTL response caching with tag invalidation, and capped
// time-series logs.
//
// Handlers in a serverless or horizontally scaled deployment cannot
// coordinate through process memory; every primitive here coordinates
// exclusively through a shared kv.Store using the store's own atomic
// operations. The store is constructed once at process start and passed by
// reference, never held as a package-level singleton.
//
//	store, err := kv.NewRedis(kv.RedisConfig{URL: "localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	kit := kvkit.New(store)
//	code, err := kit.OTP.Issue(ctx, email, otp.PurposeSignup)
//
// Each subpackage is usable on its own; Kit only bundles them over one
// injected store for convenience. The kv.Memory store backs development and
// tests, but is invisible to sibling instances and must not be deployed
// behind a load balancer.
package kvkit

import (
	"github.com/nhalm/kvkit/cache"
	"github.com/nhalm/kvkit/kv"
	"github.com/nhalm/kvkit/otp"
	"github.com/nhalm/kvkit/ratelimit"
	"github.com/nhalm/kvkit/timeseries"
)

// Kit bundles the coordination primitives over one shared store.
type Kit struct {
	Store kv.Store

	// OTP issues and verifies one-time passcodes.
	OTP *otp.Manager

	// Cache is the TTL response cache.
	Cache *cache.Manager

	// Location is the per-user location history log (50 most recent
	// points).
	Location *timeseries.Log

	// Analytics is the event stream log (30 day rolling window).
	Analytics *timeseries.Log
}

// Option configures a Kit.
type Option func(*options)

type options struct {
	otpOpts   []otp.Option
	cacheOpts []cache.Option
}

// WithOTPOptions forwards options to the passcode manager.
func WithOTPOptions(opts ...otp.Option) Option {
	return func(o *options) { o.otpOpts = append(o.otpOpts, opts...) }
}

// WithCacheOptions forwards options to the cache manager.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// New wires the coordination primitives over the given store.
func New(store kv.Store, opts ...Option) *Kit {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return &Kit{
		Store:     store,
		OTP:       otp.NewManager(store, o.otpOpts...),
		Cache:     cache.NewManager(store, o.cacheOpts...),
		Location:  timeseries.NewLog(store, "location", timeseries.LocationPolicy),
		Analytics: timeseries.NewLog(store, "analytics", timeseries.AnalyticsPolicy),
	}
}

// Limiter creates a rate limiter sharing the Kit's store.
func (k *Kit) Limiter(cfg ratelimit.Config) (*ratelimit.Limiter, error) {
	return ratelimit.New(k.Store, cfg)
}
