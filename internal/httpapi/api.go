// Package httpapi is the HTTP facade over the policy, override and CRUD
// engines. Handlers translate transport concerns; every decision lives in the
// layers below.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"kennelworks.org/internal/config"
	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/mfa"
	"kennelworks.org/internal/obs"
	"kennelworks.org/internal/override"
)

// ReadyProbe reports dependency readiness (DB ping when postgres is wired).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// UserDirectory is the account lookup surface the facade needs for
// authentication. Both storage backends satisfy it.
type UserDirectory interface {
	Find(ctx context.Context, id string) (kennel.User, error)
	FindByEmail(ctx context.Context, email string) (kennel.User, error)
}

// Deps wires the facade.
type Deps struct {
	Users   UserDirectory
	Guard   *mfa.Guard
	Tokens  *override.Service
	Ready   ReadyProbe
	Version string
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	cfg     config.Config
	users   UserDirectory
	guard   *mfa.Guard
	tokens  *override.Service
	ready   ReadyProbe
	version string
	now     func() time.Time
}

func New(cfg config.Config, deps Deps) *API {
	a := &API{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		users:   deps.Users,
		guard:   deps.Guard,
		tokens:  deps.Tokens,
		ready:   deps.Ready,
		version: deps.Version,
		now:     time.Now,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleLogin)
	a.mux.HandleFunc("/v1/mfa/challenge", a.handleMFAChallenge)
	a.mux.HandleFunc("/v1/mfa/verify", a.handleMFAVerify)
	a.mux.HandleFunc("/v1/override-tokens", a.handleIssueOverrideToken)
	a.mux.HandleFunc("/v1/override-tokens/revoke", a.handleRevokeOverrideToken)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.cfg.HTTP.MaxBodyBytes)
	h = RateLimit(h, a.cfg.HTTP.RateLimitBurst, a.cfg.HTTP.RateLimitPerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "kennelworks-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
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
