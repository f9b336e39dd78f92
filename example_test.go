package kvkit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/kvkit"
	"github.com/nhalm/kvkit/cache"
	"github.com/nhalm/kvkit/kv"
	"github.com/nhalm/kvkit/otp"
	"github.com/nhalm/kvkit/ratelimit"
)

func ExampleNew() {
	store := kv.NewMemory()
	defer store.Close()

	kit := kvkit.New(store,
		kvkit.WithOTPOptions(otp.WithTTL(10*time.Minute)),
	)

	limiter, _ := kit.Limiter(ratelimit.Config{
		Namespace: "auth",
		Limit:     3,
		Window:    time.Hour,
	})

	r := chi.NewRouter()
	r.Post("/auth/send-code", func(w http.ResponseWriter, r *http.Request) {
		email := r.FormValue("email")

		res, err := limiter.Allow(r.Context(), ratelimit.ActionSendOTP, ratelimit.ByIP(r))
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		if !res.Allowed {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		code, err := kit.OTP.Issue(r.Context(), email, otp.PurposeSignup)
		if err != nil {
			http.Error(w, "Failed to issue code", http.StatusInternalServerError)
			return
		}
		_ = code // hand off to the mailer
		w.WriteHeader(http.StatusAccepted)
	})
}

func ExampleNew_rateLimitMiddleware() {
	store := kv.NewMemory()
	defer store.Close()

	limiter, _ := ratelimit.New(store, ratelimit.Config{
		Namespace: "web",
		Limit:     100,
		Window:    time.Minute,
	})

	r := chi.NewRouter()
	r.Use(ratelimit.Middleware(limiter, ratelimit.ActionFetchPage, ratelimit.ByIP))
}

func ExampleKit_cachedResponse() {
	store := kv.NewMemory()
	defer store.Close()

	kit := kvkit.New(store)

	r := chi.NewRouter()
	r.Get("/jobs/nearby", func(w http.ResponseWriter, r *http.Request) {
		key := cache.Key(cache.KeyComponents{
			Version: "v1",
			Path:    r.URL.Path,
			Query:   r.URL.Query(),
		})

		entry, err := kit.Cache.GetOrCompute(r.Context(), key, 5*time.Minute,
			func(ctx context.Context) (*cache.Entry, error) {
				body, err := json.Marshal(map[string]any{"jobs": []string{}})
				if err != nil {
					return nil, err
				}
				return &cache.Entry{Status: http.StatusOK, Body: body}, nil
			},
			"jobs", // invalidate together when a job changes
		)
		if err != nil {
			http.Error(w, "Failed to load jobs", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(entry.Status)
		w.Write(entry.Body)
	})
}

func ExampleKit_passcodeRoundTrip() {
	store := kv.NewMemory()
	defer store.Close()

	kit := kvkit.New(store)

	ctx := context.Background()
	code, _ := kit.OTP.Issue(ctx, "user@example.com", otp.PurposeSignup)

	v, _ := kit.OTP.Verify(ctx, "user@example.com", otp.PurposeSignup, code)
	fmt.Println(v.OK, v.Reason)

	// A consumed code never verifies twice.
	v, _ = kit.OTP.Verify(ctx, "user@example.com", otp.PurposeSignup, code)
	fmt.Println(v.OK, v.Reason)

	// Output:
	// true verified
	// false not_found_or_expired
}
