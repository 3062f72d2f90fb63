// Package admin serves the HTTP admin endpoint: pipeline status, the
// committed watermark, blocking commit watches and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/pipeline"
	"github.com/maxpert/batchapply/publisher"
	"github.com/maxpert/batchapply/watch"
	"github.com/rs/zerolog/log"
)

const (
	defaultWatchTimeout = 30 * time.Second
	maxWatchTimeout     = 10 * time.Minute
)

// Pipeline is the part of *pipeline.Pipeline the handlers use
type Pipeline interface {
	Status() pipeline.Status
	WatchForCommitted(seqno int64) *watch.Watch
}

// SinkReporter reports notification progress; *publisher.CommitPublisher
// implements it
type SinkReporter interface {
	Status() []publisher.SinkStatus
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	pipeline     Pipeline
	sinks        SinkReporter
	watchTimeout time.Duration
}

// NewAdminHandlers creates a new AdminHandlers instance. sinks may be nil.
func NewAdminHandlers(p Pipeline, sinks SinkReporter, watchTimeout time.Duration) *AdminHandlers {
	if watchTimeout <= 0 {
		watchTimeout = defaultWatchTimeout
	}
	return &AdminHandlers{pipeline: p, sinks: sinks, watchTimeout: watchTimeout}
}

// watermarkResponse is the JSON form of a committed header
type watermarkResponse struct {
	Seqno      int64  `json:"seqno"`
	Epoch      int64  `json:"epoch"`
	Fragno     int    `json:"fragno"`
	LastFrag   bool   `json:"last_frag"`
	CommitTime string `json:"commit_time,omitempty"`
}

func toWatermark(h event.Header) *watermarkResponse {
	if h.IsZero() {
		return nil
	}
	resp := &watermarkResponse{
		Seqno:    h.Seqno,
		Epoch:    h.Epoch,
		Fragno:   h.Fragno,
		LastFrag: h.LastFrag,
	}
	if !h.CommitTime.IsZero() {
		resp.CommitTime = h.CommitTime.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.pipeline.Status()

	resp := map[string]interface{}{
		"state":           st.State,
		"watermark":       toWatermark(st.Watermark),
		"stores":          st.Stores,
		"stages":          st.Stages,
		"pending_watches": st.Watches,
	}
	if st.Error != "" {
		resp["error"] = st.Error
	}
	if h.sinks != nil {
		resp["sinks"] = h.sinks.Status()
	}
	writeJSONResponse(w, resp)
}

func (h *AdminHandlers) handleWatermark(w http.ResponseWriter, r *http.Request) {
	wm := h.pipeline.Status().Watermark
	if wm.IsZero() {
		writeErrorResponse(w, http.StatusNotFound, "nothing committed yet")
		return
	}
	writeJSONResponse(w, toWatermark(wm))
}

// handleWatch blocks until seqno is committed, the timeout expires or the
// client goes away
func (h *AdminHandlers) handleWatch(w http.ResponseWriter, r *http.Request) {
	seqno, err := strconv.ParseInt(chi.URLParam(r, "seqno"), 10, 64)
	if err != nil || seqno < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "invalid seqno")
		return
	}
	timeout, err := parseTimeout(r, h.watchTimeout)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	wt := h.pipeline.WatchForCommitted(seqno)
	hdr, err := wt.Wait(ctx)
	if r.Context().Err() != nil {
		// client went away
		return
	}
	switch {
	case err == nil:
		writeJSONResponse(w, toWatermark(hdr))
	case errors.Is(err, watch.ErrWatchTimeout):
		writeErrorResponse(w, http.StatusRequestTimeout, fmt.Sprintf("seqno %d not committed within %s", seqno, timeout))
	case errors.Is(err, watch.ErrWatchCancelled):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *AdminHandlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	if h.sinks == nil {
		writeJSONResponse(w, []publisher.SinkStatus{})
		return
	}
	writeJSONResponse(w, h.sinks.Status())
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseTimeout parses the timeout_ms parameter
func parseTimeout(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return def, nil
	}

	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout_ms parameter: %w", err)
	}
	if ms < 1 {
		return 0, fmt.Errorf("timeout_ms must be positive")
	}

	timeout := time.Duration(ms) * time.Millisecond
	if timeout > maxWatchTimeout {
		return 0, fmt.Errorf("timeout_ms cannot exceed %d", maxWatchTimeout.Milliseconds())
	}
	return timeout, nil
}
