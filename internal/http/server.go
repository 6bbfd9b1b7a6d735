// Package httpapi exposes the matching and ride lifecycle operations
// over HTTP. Handlers translate between JSON and the domain services;
// all policy lives below this layer.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/idempotency"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Matcher   *matcher.Selector
	Rides     *lifecycle.Service
	Notifier  *dispatch.Dispatcher
	Geo       geo.Updater
	Drivers   storage.DriverStore
	Locations *events.LocationPublisher // nil when no broker is configured
	WSReg     *dispatch.WSRegistry
	Guard     idempotency.Guard
	Recorder  *observability.MatchingRecorder

	logger *slog.Logger
	mux    *mux.Router
}

type Deps struct {
	Matcher   *matcher.Selector
	Rides     *lifecycle.Service
	Notifier  *dispatch.Dispatcher
	Geo       geo.Updater
	Drivers   storage.DriverStore
	Locations *events.LocationPublisher
	WSReg     *dispatch.WSRegistry
	Guard     idempotency.Guard
	Recorder  *observability.MatchingRecorder
	Logger    *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Matcher:   d.Matcher,
		Rides:     d.Rides,
		Notifier:  d.Notifier,
		Geo:       d.Geo,
		Drivers:   d.Drivers,
		Locations: d.Locations,
		WSReg:     d.WSReg,
		Guard:     d.Guard,
		Recorder:  d.Recorder,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
