package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-sync/internal/interest"
	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/presence"
	"github.com/example/rider-sync/internal/session"
	"github.com/example/rider-sync/internal/trip"
)

const defaultRadiusKm = 5

// Server exposes the passenger session over HTTP for local runs and
// debugging. The mobile client drives the same operations in-process.
type Server struct {
	session *session.Session
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(s *session.Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{session: s, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	srv.routes()
	srv.registerMiddleware()
	return srv
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/trip", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trip", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/trip/created", s.handleCreated).Methods(http.MethodPost)
	api.HandleFunc("/trip/failed", s.handleCreateFailed).Methods(http.MethodPost)
	api.HandleFunc("/trip/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/trip/ack", s.handleAck).Methods(http.MethodPost)
	api.HandleFunc("/location", s.handleLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type nearbyResponse struct {
	Drivers []models.DriverListing `json:"drivers"`
	Stale   bool                   `json:"stale"`
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	point := models.Coord{Lat: lat, Lng: lng}
	if errLat != nil || errLng != nil || !point.Valid() {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	radius := float64(defaultRadiusKm)
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
		radius = f
	}
	query := presence.Query{Point: point, RadiusKm: radius}
	if v := q.Get("category"); v != "" {
		c, ok := presence.ParseCategory(v)
		if !ok {
			http.Error(w, "unknown category", http.StatusBadRequest)
			return
		}
		query.Category = c
	}
	drivers := s.session.Nearby(query)
	if drivers == nil {
		drivers = []models.DriverListing{}
	}
	writeJSON(w, http.StatusOK, nearbyResponse{Drivers: drivers, Stale: s.session.Registry().Stale()})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Trips().View())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Pickup.Valid() || !req.Dropoff.Valid() {
		http.Error(w, "invalid pickup or dropoff", http.StatusBadRequest)
		return
	}
	id, err := s.session.Trips().Submit(req)
	if errors.Is(err, trip.ErrSubmitRejected) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"attempt_id": id})
}

type createdRequest struct {
	AttemptID        string `json:"attempt_id"`
	TripID           string `json:"trip_id"`
	PaymentIntentRef string `json:"payment_intent_ref,omitempty"`
}

// handleCreated is the booking flow reporting the backend's answer.
func (s *Server) handleCreated(w http.ResponseWriter, r *http.Request) {
	var req createdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttemptID == "" || req.TripID == "" {
		http.Error(w, "attempt_id and trip_id are required", http.StatusBadRequest)
		return
	}
	s.applyAndRespond(w, trip.Created{AttemptID: req.AttemptID, TripID: req.TripID, PaymentIntentRef: req.PaymentIntentRef})
}

type failedRequest struct {
	AttemptID string `json:"attempt_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleCreateFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttemptID == "" {
		http.Error(w, "attempt_id is required", http.StatusBadRequest)
		return
	}
	s.applyAndRespond(w, trip.CreateFailed{AttemptID: req.AttemptID, Reason: req.Reason})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.applyAndRespond(w, trip.PassengerCancel{Reason: req.Reason})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.applyAndRespond(w, trip.Acknowledge{})
}

type outcomeResponse struct {
	trip.View
	Ignored string `json:"ignored,omitempty"`
}

func (s *Server) applyAndRespond(w http.ResponseWriter, ev trip.Event) {
	out := s.session.Trips().Apply(ev)
	writeJSON(w, http.StatusOK, outcomeResponse{View: s.session.Trips().View(), Ignored: out.Ignored})
}

type locationRequest struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	RadiusKm float64 `json:"radius_km"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := s.session.UpdateLocation(r.Context(), models.Coord{Lat: req.Lat, Lng: req.Lng}, req.RadiusKm)
	if errors.Is(err, interest.ErrNoPassenger) {
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
