// Package api is the HTTP façade over the ledger, settings and race engine.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/apperr"
	"github.com/factions/bank-engine/internal/feed"
	"github.com/factions/bank-engine/internal/ledger"
	"github.com/factions/bank-engine/internal/metrics"
	"github.com/factions/bank-engine/internal/race"
	"github.com/factions/bank-engine/internal/settings"
	"github.com/factions/bank-engine/internal/store"
)

func init() {
	// Money goes over the wire as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Options configures the HTTP surface.
type Options struct {
	APIKey         string
	CORSOrigin     string
	RequestTimeout time.Duration
	CompoundPeriod time.Duration
}

// Server holds the services behind the HTTP handlers.
type Server struct {
	store    store.Store
	ledger   *ledger.Service
	settings *settings.Registry
	races    *race.Engine
	feed     *feed.Hub
	opts     Options
}

// NewServer wires the handlers. hub may be nil, which disables /api/ws and
// transaction events.
func NewServer(st store.Store, l *ledger.Service, reg *settings.Registry, races *race.Engine, hub *feed.Hub, opts Options) *Server {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.CompoundPeriod <= 0 {
		opts.CompoundPeriod = 24 * time.Hour
	}
	return &Server{store: st, ledger: l, settings: reg, races: races, feed: hub, opts: opts}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(s.cors)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())
	if s.feed != nil {
		// Outside the timeout group: the connection outlives the request.
		r.Get("/api/ws", s.feed.HandleWS)
	}

	r.Group(func(r chi.Router) {
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}

		r.Get("/api/players", s.listPlayers)
		r.Get("/api/transactions", s.listTransactions)
		r.Get("/api/settings", s.getSettings)
		r.Get("/api/interest/history", s.interestHistory)
		r.Get("/api/races", s.listRaces)
		r.Get("/api/races/info", s.raceInfo)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)

			r.Post("/api/transactions", s.recordTransaction)
			r.Get("/api/accounts/{ign}/audit", s.auditAccount)
			r.Put("/api/settings/bank", s.updateBankSettings)
			r.Put("/api/settings/horse_race", s.updateRaceSettings)
			r.Post("/api/interest/compound", s.compound)

			r.Post("/api/races/new", s.createRace)
			r.Post("/api/races/enroll", s.enroll)
			r.Post("/api/races/winner1", s.setWinner(1))
			r.Post("/api/races/winner2", s.setWinner(2))
			r.Post("/api/races/winner3", s.setWinner(3))
			r.Post("/api/races/end", s.endRace)
		})
	})
	return r
}

// requireAPIKey accepts the key from the X-API-Key header or the key query
// parameter.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	want := []byte(s.opts.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if got == "" {
			got = r.URL.Query().Get("key")
		}
		if got == "" || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, r, apperr.New(apperr.CodeUnauthorized, "invalid or missing API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors allows the dashboard to call the API from another origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	resp := map[string]any{"ok": true, "service": "bank-engine"}
	if s.feed != nil {
		resp["feed_clients"] = s.feed.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) publish(typ string, data any) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(feed.Event{Type: typ, At: s.ledger.Now(), Data: data})
}
