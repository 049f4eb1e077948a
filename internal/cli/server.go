package cli

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sdsync/sdsync/internal/bus"
	"github.com/sdsync/sdsync/internal/catalog"
	"github.com/sdsync/sdsync/internal/engine"
	"github.com/sdsync/sdsync/internal/model"
)

// statusResponse is the /api/status payload.
type statusResponse struct {
	Cycle   model.CycleStatus  `json:"cycle"`
	Catalog model.CatalogStats `json:"catalog"`
}

// newDiagHandler builds the diagnostic API: status JSON, the mutation
// journal, the edge-triggered control requests, an on-demand
// verification pass and the prometheus metrics.
func newDiagHandler(ctrl *engine.Controller, cat *catalog.Store, arb *bus.Arbiter, orch *engine.Orchestrator, monitor *bus.TrafficMonitor, silence time.Duration, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Cycle:   ctrl.Status(),
			Catalog: cat.Stats(),
		})
	})

	mux.HandleFunc("GET /api/ops", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		ops, err := cat.RecentOps(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ops": ops})
	})

	mux.HandleFunc("POST /api/trigger/upload", func(w http.ResponseWriter, r *http.Request) {
		ctrl.RequestUploadNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"requested": "upload"})
	})
	mux.HandleFunc("POST /api/trigger/reset", func(w http.ResponseWriter, r *http.Request) {
		ctrl.RequestReset()
		writeJSON(w, http.StatusAccepted, map[string]string{"requested": "reset"})
	})
	mux.HandleFunc("POST /api/trigger/monitor-start", func(w http.ResponseWriter, r *http.Request) {
		ctrl.RequestMonitoring(true)
		writeJSON(w, http.StatusAccepted, map[string]string{"requested": "monitor-start"})
	})
	mux.HandleFunc("POST /api/trigger/monitor-stop", func(w http.ResponseWriter, r *http.Request) {
		ctrl.RequestMonitoring(false)
		writeJSON(w, http.StatusAccepted, map[string]string{"requested": "monitor-stop"})
	})

	mux.HandleFunc("POST /api/verify", func(w http.ResponseWriter, r *http.Request) {
		// Verification borrows the bus read-only; refuse while a cycle
		// holds it, and never take the bus without proven silence.
		if arb.HasControl() {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "bus busy, try again after the current cycle",
			})
			return
		}
		if !monitor.IsIdleFor(silence) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "bus not idle, try again once traffic stops",
			})
			return
		}
		if err := arb.TakeControl(true); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		report, err := orch.Verify(r.Context())
		if relErr := arb.ReleaseControl(); relErr != nil {
			log.Error("release after verify failed", "error", relErr)
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
