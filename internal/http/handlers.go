package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/assignment"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

const maxBodyBytes = 1 << 20

// LocationSink takes driver location pings off the request path. The Kafka
// producer is the production implementation.
type LocationSink interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

type Server struct {
	Engine    *assignment.Service
	WSReg     *dispatch.WSRegistry
	Locations LocationSink

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the REST and WebSocket surface over the engine. locations
// may be nil, in which case pings are written straight to the store.
func NewServer(engine *assignment.Service, wsreg *dispatch.WSRegistry, locations LocationSink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Engine: engine, WSReg: wsreg, Locations: locations, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleRideStatus).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/rides", s.handleUserRides).Methods(http.MethodGet)
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/admin/stats", s.handleStats).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/driver/{id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/user/{id}", s.handleUserWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.Engine.RequestRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Engine.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleUserRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Engine.ListUserRides(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.DriverID == "" {
		s.writeError(w, r, fmt.Errorf("%w: driver_id is required", assignment.ErrInvalidRequest))
		return
	}
	ride, err := s.Engine.AcceptRide(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.UserID == "" {
		s.writeError(w, r, fmt.Errorf("%w: user_id is required", assignment.ErrInvalidRequest))
		return
	}
	ride, err := s.Engine.CancelRide(r.Context(), mux.Vars(r)["id"], body.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string            `json:"driver_id"`
		Status   models.RideStatus `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	ride, err := s.Engine.UpdateRideStatus(r.Context(), mux.Vars(r)["id"], body.DriverID, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var reg models.DriverRegistration
	if !s.decode(w, r, &reg) {
		return
	}
	d, err := s.Engine.RegisterDriver(r.Context(), reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	var statuses []models.DriverStatus
	for _, v := range r.URL.Query()["status"] {
		st := models.DriverStatus(v)
		if !st.Valid() {
			s.writeError(w, r, fmt.Errorf("%w: %q", assignment.ErrInvalidStatus, v))
			return
		}
		statuses = append(statuses, st)
	}
	drivers, err := s.Engine.ListDrivers(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if drivers == nil {
		drivers = []models.Driver{}
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.DriverStatus `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	d, err := s.Engine.SetDriverStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDriverLocation hands the ping to the stream when one is configured
// (202) and otherwise writes it directly (204). A stream failure falls back
// to the direct write.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if !s.decode(w, r, &loc) {
		return
	}
	if !loc.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: coordinate out of range", assignment.ErrInvalidRequest))
		return
	}
	ping := models.LocationPing{DriverID: mux.Vars(r)["id"], Loc: loc, SentAt: time.Now().UTC()}

	if s.Locations != nil {
		err := s.Locations.PublishLocation(r.Context(), ping)
		if err == nil {
			observability.LocationPings.WithLabelValues("kafka").Inc()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.logger.Warn("location publish failed, writing directly", "driver_id", ping.DriverID, "error", err)
	}
	if err := s.Engine.UpdateDriverLocation(r.Context(), ping.DriverID, ping.Loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.LocationPings.WithLabelValues("direct").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", assignment.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := assignment.Code(err)
	status := statusForCode(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func statusForCode(code string) int {
	switch code {
	case "RIDE_UNAVAILABLE", "DRIVER_UNAVAILABLE", "ACTIVE_RIDE_CONFLICT":
		return http.StatusConflict
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_STATUS", "INVALID_REQUEST":
		return http.StatusBadRequest
	case "LOCK_TIMEOUT":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
