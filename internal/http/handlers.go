package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwenda/dispatch/internal/config"
	"github.com/kwenda/dispatch/internal/dispatch"
	"github.com/kwenda/dispatch/internal/eta"
	"github.com/kwenda/dispatch/internal/ingest"
	"github.com/kwenda/dispatch/internal/location"
	"github.com/kwenda/dispatch/internal/logging"
	"github.com/kwenda/dispatch/internal/match"
	"github.com/kwenda/dispatch/internal/models"
	"github.com/kwenda/dispatch/internal/observability"
	"github.com/kwenda/dispatch/internal/session"
	"github.com/kwenda/dispatch/internal/storage"
	"github.com/kwenda/dispatch/internal/sweep"
)

type Server struct {
	Locations location.Store
	Profiles  location.ProfileStore
	Matcher   *match.Service
	Sweeper   *sweep.Sweeper
	Jobs      storage.JobStore
	Kafka     *ingest.Producer
	WSReg     *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServerFromEnv wires the server off ServerConfig: Redis + Postgres
// + Kafka when configured, in-memory fallbacks otherwise.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var (
		locs     location.Store
		profiles location.ProfileStore
	)
	if cfg.RedisAddr != "" {
		r := location.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.LocationStaleness)
		locs, profiles = r, r
	} else {
		m := location.NewMemory(cfg.LocationStaleness)
		locs, profiles = m, m
	}

	var (
		jobs     storage.JobStore
		sessions session.Store
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresJobStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		jobs = ps
		sessions = session.NewPostgresStoreFromDB(ps.DB())
	} else {
		jobs = storage.NewMemoryJobStore()
		sessions = session.NewMemoryStore()
	}

	var kp *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic)
	}

	wsreg := dispatch.NewWSRegistry()
	delivery := dispatch.NewDelivery(wsreg, cfg.PushEndpoint)

	filter := &match.Filter{
		Locations: locs,
		Profiles:  profiles,
		Policy: match.Policy{
			RadiusKm: map[models.Priority]float64{
				models.PriorityNormal: cfg.RadiusNormalKm,
				models.PriorityHigh:   cfg.RadiusHighKm,
				models.PriorityUrgent: cfg.RadiusUrgentKm,
			},
			MinRating: map[models.Priority]float64{
				models.PriorityNormal: cfg.MinRatingNormal,
				models.PriorityHigh:   cfg.MinRatingHigh,
				models.PriorityUrgent: cfg.MinRatingUrgent,
			},
		},
		TopN: cfg.MatcherTopN,
	}

	var events match.Events
	if kp != nil {
		events = kp
	}
	m := match.NewService(filter, jobs, sessions, delivery, events, logger)
	m.DefaultSpeedMps = cfg.DefaultSpeedMps
	m.OfferTimeout = cfg.OfferTimeout
	m.SessionTTL = cfg.SessionTTL
	if cfg.OSRMEndpoint != "" {
		m.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		m.ETACache = eta.NewCache(5 * time.Minute)
	}

	sw := sweep.New(jobs, sessions, locs, m, events, logger)
	sw.Interval = cfg.SweepInterval
	sw.StallTimeout = cfg.StallTimeout
	sw.OfferTimeout = cfg.OfferTimeout
	sw.CooldownDur = cfg.DriverCooldown
	sw.MaxRetries = cfg.MaxRetries

	s := &Server{
		Locations: locs,
		Profiles:  profiles,
		Matcher:   m,
		Sweeper:   sw,
		Jobs:      jobs,
		Kafka:     kp,
		WSReg:     wsreg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/match", s.handleRequestMatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/offer", s.handleOfferOutcome).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/progress", s.handleProgress).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/sweep", s.handleSweep).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type matchRequest struct {
	Pickup       models.Coord    `json:"pickup"`
	Dropoff      *models.Coord   `json:"dropoff,omitempty"`
	ServiceType  string          `json:"service_type"`
	VehicleClass string          `json:"vehicle_class,omitempty"`
	Priority     models.Priority `json:"priority,omitempty"`
}

// handleRequestMatch is the RequestMatch boundary: it registers the job
// if the booking service hasn't already, then runs one match attempt.
func (s *Server) handleRequestMatch(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if jobID == "" {
		jobID = uuid.NewString()
	}

	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.Jobs.Get(r.Context(), jobID); errors.Is(err, storage.ErrNotFound) {
		pr := req.Priority
		if pr == "" {
			pr = models.PriorityNormal
		}
		job := &models.Job{
			ID:           jobID,
			Pickup:       req.Pickup,
			Dropoff:      req.Dropoff,
			VehicleClass: req.VehicleClass,
			ServiceType:  req.ServiceType,
			Priority:     pr,
			Status:       models.JobPending,
		}
		if err := s.Jobs.Create(r.Context(), job); err != nil {
			http.Error(w, "job create failed", http.StatusBadGateway)
			return
		}
	} else if err != nil {
		http.Error(w, "job lookup failed", http.StatusBadGateway)
		return
	}

	start := time.Now()
	assignment, err := s.Matcher.Match(r.Context(), jobID)
	observability.MatchLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "assigned", "assignment": assignment})
	case errors.Is(err, match.ErrNoDrivers):
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_drivers_available", "job_id": jobID})
	case errors.Is(err, match.ErrAlreadyAssigned):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "already_assigned", "assignment": assignment})
	case errors.Is(err, match.ErrMatchInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "match_in_progress", "job_id": jobID})
	case errors.Is(err, match.ErrJobClosed):
		writeJSON(w, http.StatusGone, map[string]any{"status": "job_closed", "job_id": jobID})
	default:
		http.Error(w, "match failed", http.StatusBadGateway)
	}
}

type offerOutcomeRequest struct {
	DriverID string `json:"driver_id"`
	Outcome  string `json:"outcome"`
}

func (s *Server) handleOfferOutcome(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	var req offerOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	assignment, err := s.Matcher.RecordOutcome(r.Context(), jobID, req.DriverID, req.Outcome)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "assigned", "assignment": assignment})
	case errors.Is(err, match.ErrNoDrivers):
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_drivers_available", "job_id": jobID})
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNotOffered):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrBadOutcome):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, match.ErrJobClosed):
		writeJSON(w, http.StatusGone, map[string]any{"status": "job_closed", "job_id": jobID})
	case errors.Is(err, match.ErrMatchInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "match_in_progress", "job_id": jobID})
	default:
		http.Error(w, "outcome failed", http.StatusBadGateway)
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if err := s.Jobs.MarkProgress(r.Context(), jobID, time.Now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "progress update failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ok, err := s.Jobs.Transition(r.Context(), jobID, models.JobCancelled,
		models.JobPending, models.JobMatching, models.JobAssigned, models.JobManualReview)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "cancel failed", http.StatusBadGateway)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "not_cancellable", "job_id": jobID})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type locationReport struct {
	models.DriverLocation
	// profile snapshot piggybacked on the ping by the driver gateway
	Rating       *float64 `json:"rating,omitempty"`
	TotalTrips   *int     `json:"total_trips,omitempty"`
	VehicleClass string   `json:"vehicle_class,omitempty"`
	ServiceTypes []string `json:"service_types,omitempty"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var rep locationReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rep.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if rep.LastPing.IsZero() {
		rep.LastPing = time.Now()
	}

	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(rep.DriverLocation); err != nil {
			s.logger.Warn("location publish failed", "driver_id", rep.DriverID, "error", err)
		}
	}
	if err := s.Locations.Upsert(r.Context(), rep.DriverLocation); err != nil {
		http.Error(w, "location store unavailable", http.StatusBadGateway)
		return
	}
	if rep.Rating != nil || rep.TotalTrips != nil || rep.VehicleClass != "" || len(rep.ServiceTypes) > 0 {
		p, _, _ := s.Profiles.Profile(r.Context(), rep.DriverID)
		p.DriverID = rep.DriverID
		if rep.Rating != nil {
			p.Rating = *rep.Rating
		}
		if rep.TotalTrips != nil {
			p.TotalTrips = *rep.TotalTrips
		}
		if rep.VehicleClass != "" {
			p.VehicleClass = rep.VehicleClass
		}
		if len(rep.ServiceTypes) > 0 {
			p.ServiceTypes = rep.ServiceTypes
		}
		if err := s.Profiles.SetProfile(r.Context(), p); err != nil {
			s.logger.Warn("profile update failed", "driver_id", rep.DriverID, "error", err)
		}
	}
	observability.LocationPings.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	retried, err := s.Sweeper.Sweep(r.Context())
	if err != nil {
		http.Error(w, "sweep failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": retried})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	conn.SetCloseHandler(func(code int, text string) error {
		s.WSReg.Remove(id)
		return nil
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
