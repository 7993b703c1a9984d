// Package api serves the HTTP control surface of a running engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"variation-radar/internal/alerting"
	"variation-radar/internal/engine"
	"variation-radar/internal/metrics"
	"variation-radar/internal/model"
	"variation-radar/internal/scheduler"
)

const defaultAlertLimit = 20

// Controller is the engine surface exposed over HTTP.
type Controller interface {
	Start(ctx context.Context) error
	Stop() bool
	Status() engine.ScheduleState
	CurrentPrices() []alerting.PriceLine
	RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error)
	Subscribers(ctx context.Context) ([]model.Subscriber, error)
	AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error)
	RemoveSubscriber(ctx context.Context, recipientID string) (bool, error)
	SetThreshold(pct decimal.Decimal) error
	SetInterval(d time.Duration) error
	RunCycle(ctx context.Context) (engine.CycleReport, error)
}

// Server wires the routes to a Controller.
type Server struct {
	ctrl   Controller
	router *mux.Router
	logger zerolog.Logger
	// runCtx outlives single requests so a loop started over HTTP keeps running.
	runCtx context.Context
}

// NewServer builds the router. runCtx bounds loops started through the API.
func NewServer(runCtx context.Context, ctrl Controller, logger zerolog.Logger) *Server {
	s := &Server{
		ctrl:   ctrl,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
		runCtx: runCtx,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/subscribers", s.handleListSubscribers).Methods(http.MethodGet)
	api.HandleFunc("/subscribers", s.handleAddSubscriber).Methods(http.MethodPost)
	api.HandleFunc("/subscribers/{id}", s.handleRemoveSubscriber).Methods(http.MethodDelete)
	api.HandleFunc("/settings", s.handleSettings).Methods(http.MethodPut)
	api.HandleFunc("/engine/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/engine/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/engine/check", s.handleCheck).Methods(http.MethodPost)
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return metrics.InstrumentHandler(s.router)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusResponse struct {
	Running     bool       `json:"running"`
	State       string     `json:"state"`
	Interval    string     `json:"interval"`
	Threshold   string     `json:"threshold_pct"`
	LastCheck   *time.Time `json:"last_check,omitempty"`
	Instruments []string   `json:"instruments"`
}

type priceResponse struct {
	Instrument     string           `json:"instrument"`
	CurrencySymbol string           `json:"currency_symbol,omitempty"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Variation      string           `json:"variation"`
	Kind           string           `json:"kind"`
}

type subscriberRequest struct {
	ChatID    string `json:"chat_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type settingsRequest struct {
	ThresholdPct *decimal.Decimal `json:"threshold_pct"`
	Interval     string           `json:"interval"`
}

type cycleResponse struct {
	At      time.Time         `json:"at"`
	Skipped bool              `json:"skipped"`
	Samples map[string]string `json:"samples"`
	Alerts  []string          `json:"alerts"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatus(s.ctrl.Status()))
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	lines := s.ctrl.CurrentPrices()
	out := make([]priceResponse, 0, len(lines))
	for _, line := range lines {
		p := priceResponse{
			Instrument:     line.Instrument,
			CurrencySymbol: line.CurrencySymbol,
			Variation:      line.Variation.String(),
			Kind:           line.Variation.Kind.String(),
		}
		if line.HasPrice {
			price := line.Price
			p.Price = &price
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	alerts, err := s.ctrl.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if alerts == nil {
		alerts = []model.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.ctrl.Subscribers(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if subs == nil {
		subs = []model.Subscriber{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleAddSubscriber(w http.ResponseWriter, r *http.Request) {
	var req subscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	added, err := s.ctrl.AddSubscriber(r.Context(), model.Subscriber{
		RecipientID: req.ChatID,
		Username:    req.Username,
		FirstName:   req.FirstName,
	})
	if errors.Is(err, engine.ErrInvalidRecipient) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"chat_id": req.ChatID, "registered": added})
}

func (s *Server) handleRemoveSubscriber(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := s.ctrl.RemoveSubscriber(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval")
			return
		}
		interval = d
		if err := s.ctrl.SetInterval(interval); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.ThresholdPct != nil {
		if err := s.ctrl.SetThreshold(*req.ThresholdPct); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, toStatus(s.ctrl.Status()))
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	err := s.ctrl.Start(s.runCtx)
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, toStatus(s.ctrl.Status()))
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if !s.ctrl.Stop() {
		writeError(w, http.StatusConflict, "engine is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, toStatus(s.ctrl.Status()))
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.RunCycle(r.Context())
	out := cycleResponse{
		At:      report.At,
		Skipped: report.Skipped,
		Samples: make(map[string]string, len(report.Samples)),
		Alerts:  make([]string, 0, len(report.Events)),
	}
	for name, sample := range report.Samples {
		out.Samples[name] = sample.Price.String()
	}
	for _, ev := range report.Events {
		out.Alerts = append(out.Alerts, ev.Record.ID)
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func toStatus(st engine.ScheduleState) statusResponse {
	return statusResponse{
		Running:     st.Running,
		State:       st.State,
		Interval:    st.Interval.String(),
		Threshold:   st.Threshold.String(),
		LastCheck:   st.LastCheck,
		Instruments: st.Instruments,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
