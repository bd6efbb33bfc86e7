// Package api exposes the admin HTTP interface for the monitoring service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/extract"
	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/telemetry"
)

// Triggerer starts a manual crawl run for a site.
type Triggerer interface {
	Trigger(ctx context.Context, siteID uuid.UUID) error
}

// Redeliverer performs a manual delivery of an exhausted change event.
type Redeliverer interface {
	Redeliver(ctx context.Context, eventID uuid.UUID) error
}

// SecretAdmin issues and rotates webhook signing secrets.
type SecretAdmin interface {
	Issue(ctx context.Context, subscriberID uuid.UUID) (string, error)
	Rotate(ctx context.Context, subscriberID uuid.UUID) (string, error)
}

// Server wires HTTP handlers to the stores and services.
type Server struct {
	router    chi.Router
	sites     monitor.SiteStore
	targets   monitor.TargetStore
	stats     monitor.StatsStore
	trigger   Triggerer
	redeliver Redeliverer
	secrets   SecretAdmin
	extractor *extract.Chain
	idGen     monitor.IDGenerator
	clock     monitor.Clock
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sites monitor.SiteStore,
	targets monitor.TargetStore,
	stats monitor.StatsStore,
	trigger Triggerer,
	redeliver Redeliverer,
	secrets SecretAdmin,
	idGen monitor.IDGenerator,
	clock monitor.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		sites:     sites,
		targets:   targets,
		stats:     stats,
		trigger:   trigger,
		redeliver: redeliver,
		secrets:   secrets,
		extractor: extract.DefaultChain(),
		idGen:     idGen,
		clock:     clock,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sites", func(r chi.Router) {
			r.Post("/", s.registerSite)
			r.Route("/{site_id}", func(r chi.Router) {
				r.Get("/", s.getSite)
				r.Post("/approve", s.approveSite)
				r.Post("/pause", s.pauseSite)
				r.Post("/reactivate", s.reactivateSite)
				r.Post("/crawl", s.triggerCrawl)
				r.Get("/targets", s.listTargets)
				r.Post("/targets", s.registerTarget)
			})
		})
		r.Get("/targets/{target_id}/stats", s.targetStats)
		r.Post("/events/{event_id}/redeliver", s.redeliverEvent)
		r.Route("/subscribers/{subscriber_id}/secret", func(r chi.Router) {
			r.Post("/", s.issueSecret)
			r.Post("/rotate", s.rotateSecret)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type registerSiteRequest struct {
	SubscriberID      string   `json:"subscriber_id"`
	Name              string   `json:"name"`
	BaseURL           string   `json:"base_url"`
	CrawlIntervalSecs int      `json:"crawl_interval_seconds"`
	PriceThresholdPct *float64 `json:"price_threshold_pct"`
	RetentionDays     int      `json:"retention_days"`
	RatePerMinute     int      `json:"rate_per_minute"`
	WebhookURL        string   `json:"webhook_url"`
}

// registerSite creates a site in pending_approval. A site only starts
// crawling after the approve step.
func (s *Server) registerSite(w http.ResponseWriter, r *http.Request) {
	var req registerSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	subscriberID, err := uuid.Parse(req.SubscriberID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid subscriber_id")
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		s.writeError(w, http.StatusBadRequest, "name and base_url are required")
		return
	}
	if _, err := url.ParseRequestURI(req.BaseURL); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid base_url")
		return
	}
	threshold := 1.0
	if req.PriceThresholdPct != nil {
		if *req.PriceThresholdPct < 0 {
			s.writeError(w, http.StatusBadRequest, "price_threshold_pct must not be negative")
			return
		}
		threshold = *req.PriceThresholdPct
	}
	interval := time.Duration(req.CrawlIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	siteID, err := s.idGen.NewRawID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate site id")
		return
	}
	site := monitor.Site{
		ID:                siteID,
		SubscriberID:      subscriberID,
		Name:              req.Name,
		BaseURL:           req.BaseURL,
		Status:            monitor.SiteStatusPendingApproval,
		CrawlInterval:     interval,
		PriceThresholdPct: threshold,
		RetentionDays:     req.RetentionDays,
		RatePerMinute:     req.RatePerMinute,
		WebhookURL:        req.WebhookURL,
		WebhookEnabled:    req.WebhookURL != "",
		CreatedAt:         s.clock.Now(),
	}
	if err := s.sites.CreateSite(r.Context(), site); err != nil {
		s.writeError(w, http.StatusInternalServerError, "create site")
		return
	}
	s.writeJSON(w, http.StatusCreated, site)
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.parseID(w, chi.URLParam(r, "site_id"))
	if !ok {
		return
	}
	site, err := s.sites.GetSite(r.Context(), siteID)
	if errors.Is(err, monitor.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "site not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load site")
		return
	}
	s.writeJSON(w, http.StatusOK, site)
}

func (s *Server) approveSite(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, monitor.SiteStatusActive)
}

func (s *Server) pauseSite(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, monitor.SiteStatusPaused)
}

// reactivateSite moves a paused site back to active, clearing the failure
// streak that paused it.
func (s *Server) reactivateSite(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, monitor.SiteStatusActive)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, status monitor.SiteStatus) {
	siteID, ok := s.parseID(w, chi.URLParam(r, "site_id"))
	if !ok {
		return
	}
	if err := s.sites.SetSiteStatus(r.Context(), siteID, status); err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "site not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "update site status")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"site_id": siteID.String(),
		"status":  string(status),
	})
}

func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.parseID(w, chi.URLParam(r, "site_id"))
	if !ok {
		return
	}
	if err := s.trigger.Trigger(r.Context(), siteID); err != nil {
		switch {
		case errors.Is(err, monitor.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "site not found")
		case errors.Is(err, monitor.ErrSiteNotActive):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"site_id": siteID.String()})
}

type registerTargetRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *Server) registerTarget(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.parseID(w, chi.URLParam(r, "site_id"))
	if !ok {
		return
	}
	if _, err := s.sites.GetSite(r.Context(), siteID); err != nil {
		s.writeError(w, http.StatusNotFound, "site not found")
		return
	}
	var req registerTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	targetID, err := s.idGen.NewRawID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate target id")
		return
	}
	target := monitor.Target{
		ID:           targetID,
		SiteID:       siteID,
		URL:          req.URL,
		Name:         req.Name,
		CurrentStock: monitor.StockUnknown,
		IsActive:     true,
	}
	if result := s.extractor.Extract(req.URL, ""); result.Matched {
		target.ExtractedID = result.Value
	}
	if err := s.targets.CreateTarget(r.Context(), target); err != nil {
		s.writeError(w, http.StatusInternalServerError, "create target")
		return
	}
	s.writeJSON(w, http.StatusCreated, target)
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.parseID(w, chi.URLParam(r, "site_id"))
	if !ok {
		return
	}
	targets, err := s.targets.ListActiveTargets(r.Context(), siteID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list targets")
		return
	}
	if targets == nil {
		targets = []monitor.Target{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) targetStats(w http.ResponseWriter, r *http.Request) {
	targetID, ok := s.parseID(w, chi.URLParam(r, "target_id"))
	if !ok {
		return
	}
	stats, err := s.stats.ListMonthly(r.Context(), targetID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list stats")
		return
	}
	if stats == nil {
		stats = []monitor.MonthlyStat{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) redeliverEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := s.parseID(w, chi.URLParam(r, "event_id"))
	if !ok {
		return
	}
	if err := s.redeliver.Redeliver(r.Context(), eventID); err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID.String()})
}

func (s *Server) issueSecret(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.parseID(w, chi.URLParam(r, "subscriber_id"))
	if !ok {
		return
	}
	secret, err := s.secrets.Issue(r.Context(), subscriberID)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"secret": secret})
}

func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.parseID(w, chi.URLParam(r, "subscriber_id"))
	if !ok {
		return
	}
	secret, err := s.secrets.Rotate(r.Context(), subscriberID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "subscriber has no secret")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "rotate secret")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (s *Server) parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
