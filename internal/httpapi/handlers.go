package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"provenance.org/internal/auth"
	"provenance.org/internal/custody"
	"provenance.org/internal/issuance"
	"provenance.org/internal/obs"
	"provenance.org/internal/revocation"
	"provenance.org/internal/stream"
	"provenance.org/internal/verify"
)

const serviceName = "passportd"

// Pinger is anything whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the ledger store. A nil Store is always ready.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the domain components exposed over HTTP.
type Services struct {
	Issuance   *issuance.Service
	Custody    *custody.Engine
	Verify     *verify.Service
	Revocation *revocation.Manager
	Stream     *stream.Stream
	Tokens     *auth.Tokens
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	svc        Services

	bootstrapKey string
	tokenTTL     time.Duration
	rateBurst    int
	ratePerSec   float64
	corsOrigins  []string
	maxBody      int64
}

// Option tunes the API.
type Option func(*API)

// WithBootstrapKey enables POST /v1/auth/token for callers presenting key.
func WithBootstrapKey(key string) Option { return func(a *API) { a.bootstrapKey = key } }

// WithTokenTTL sets the lifetime of tokens issued by /v1/auth/token.
func WithTokenTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.tokenTTL = d
		}
	}
}

// WithRateLimit sets the per client token bucket.
func WithRateLimit(burst int, perSec float64) Option {
	return func(a *API) {
		if burst > 0 && perSec > 0 {
			a.rateBurst, a.ratePerSec = burst, perSec
		}
	}
}

// WithCORSOrigins allows browser calls from origins in addition to localhost.
func WithCORSOrigins(origins []string) Option { return func(a *API) { a.corsOrigins = origins } }

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		tokenTTL:   15 * time.Minute,
		rateBurst:  50,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, o := range opts {
		o(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// public verification
	a.mux.HandleFunc("/v1/verify/", a.handleVerify)

	// internal
	a.mux.Handle("/v1/passports", RequireRole(auth.RoleFulfillment, auth.RoleAdmin)(http.HandlerFunc(a.handlePassportsCollection)))
	a.mux.HandleFunc("/v1/passports/", a.handlePassportResource)
	a.mux.Handle("/v1/events/stream", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.Stream)))
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var errServiceDisabled = errors.New("service not configured")
