// Package query serves the read API, the live relay endpoint and metrics.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/metrics"
	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/storage"
	"github.com/iotpulse/internal/websocket"
)

type Options struct {
	// Defaults used when tel_limit or evt_limit is missing or not a number.
	TelLimit int
	EvtLimit int
}

type Service struct {
	store    storage.Store
	wsHub    *websocket.Hub
	metrics  *metrics.Metrics
	log      logger.Logger
	telLimit int
	evtLimit int
}

// New builds the API. hub may be nil when the live relay is disabled.
func New(store storage.Store, hub *websocket.Hub, m *metrics.Metrics, log logger.Logger, opts Options) *Service {
	s := &Service{
		store:    store,
		wsHub:    hub,
		metrics:  m,
		log:      log.WithComponent("query"),
		telLimit: opts.TelLimit,
		evtLimit: opts.EvtLimit,
	}
	if s.telLimit <= 0 {
		s.telLimit = storage.DefaultTelemetryLimit
	}
	if s.evtLimit <= 0 {
		s.evtLimit = storage.DefaultEventLimit
	}
	return s
}

type devicesResponse struct {
	OK      bool            `json:"ok"`
	Devices []models.Device `json:"devices"`
}

type historyResponse struct {
	OK        bool                     `json:"ok"`
	DeviceID  string                   `json:"device_id"`
	Telemetry []models.TelemetrySample `json:"telemetry"`
	Events    []models.VisionEvent     `json:"events"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.handleAPI)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	if s.wsHub != nil {
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("/ws/stats", s.handleWebSocketStats)
	}
	return mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Service) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("query HTTP listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Service) handleAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-store")

	if r.Method != http.MethodGet {
		s.writeError(w, "", http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	switch api := q.Get("api"); api {
	case "":
		s.writeError(w, api, http.StatusBadRequest, "api required")
	case "devices":
		s.handleDevices(w, r)
	case "history":
		s.handleHistory(w, r)
	default:
		s.writeError(w, "unknown", http.StatusNotFound, "unknown api")
	}
}

func (s *Service) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.Devices(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("devices query failed")
		s.writeError(w, "devices", http.StatusInternalServerError, "storage unavailable")
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	s.writeJSON(w, "devices", http.StatusOK, devicesResponse{OK: true, Devices: devices})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("device_id")
	if deviceID == "" {
		s.writeError(w, "history", http.StatusBadRequest, "device_id required")
		return
	}

	telLimit := storage.ClampLimit(models.KindTelemetry, intParam(q.Get("tel_limit"), s.telLimit))
	evtLimit := storage.ClampLimit(models.KindEvents, intParam(q.Get("evt_limit"), s.evtLimit))

	ctx := r.Context()
	telemetry, err := s.store.Telemetry(ctx, deviceID, telLimit)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("telemetry query failed")
		s.writeError(w, "history", http.StatusInternalServerError, "storage unavailable")
		return
	}
	events, err := s.store.Events(ctx, deviceID, evtLimit)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("events query failed")
		s.writeError(w, "history", http.StatusInternalServerError, "storage unavailable")
		return
	}

	if telemetry == nil {
		telemetry = []models.TelemetrySample{}
	}
	if events == nil {
		events = []models.VisionEvent{}
	}
	s.writeJSON(w, "history", http.StatusOK, historyResponse{
		OK:        true,
		DeviceID:  deviceID,
		Telemetry: telemetry,
		Events:    events,
	})
}

// intParam falls back to def for missing or non-numeric values.
func intParam(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connection request")
	s.wsHub.ServeWS(w, r)
}

func (s *Service) handleWebSocketStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      true,
		"clients": s.wsHub.ClientCount(),
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, api string, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
	s.metrics.APIRequests.WithLabelValues(api, strconv.Itoa(code)).Inc()
}

func (s *Service) writeError(w http.ResponseWriter, api string, code int, msg string) {
	s.writeJSON(w, api, code, errorResponse{OK: false, Error: msg})
}
