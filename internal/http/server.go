package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/ratelimit"
	"github.com/example/ride-booking/internal/store"
)

type Server struct {
	Engine   *dispatch.Engine
	Store    store.Store
	Payments payments.Gateway // optional
	WSReg    *notify.WSRegistry
	Limiter  ratelimit.Limiter // optional
	ETA      eta.Client        // optional

	JWTSecret string

	logger   *slog.Logger
	mux      *mux.Router
	etaCache *eta.Cache
}

func NewServer(engine *dispatch.Engine, st store.Store, wsreg *notify.WSRegistry, jwtSecret string, logger *slog.Logger) *Server {
	s := &Server{
		Engine:    engine,
		Store:     st,
		WSReg:     wsreg,
		JWTSecret: jwtSecret,
		logger:    logger,
		mux:       mux.NewRouter(),
		etaCache:  eta.NewCache(30 * time.Second),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware, s.rateLimitMiddleware)
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id}/transition", s.handleTransition).Methods("POST")
	api.HandleFunc("/bookings/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/drivers/status", s.handleDriverStatus).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps the dispatch error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, dispatch.ErrPreconditionFailed):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidPickup):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNoCandidates), errors.Is(err, dispatch.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

func timeNow() time.Time { return time.Now().UTC() }
