// 本文件用于健康检查 指标暴露与运行时参数接口
package api

import (
	"io"
	"net/http"

	"knowledge-card/internal/config"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/metrics"
	"knowledge-card/internal/telemetry"
)

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := "ok"
	storeStatus := "disabled"
	if h.store != nil {
		storeStatus = "ok"
		if err := h.store.Ping(r.Context()); err != nil {
			storeStatus = err.Error()
			status = "degraded"
		}
	}
	payload := map[string]any{
		"ok":      status == "ok",
		"status":  status,
		"version": telemetry.Version,
		"store":   storeStatus,
		"botMode": h.config().BotMode,
		"process": h.sys.Snapshot(),
	}
	if h.inbox != nil {
		payload["inbox"] = h.inbox.Stats()
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (h *handler) prometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, metrics.MustGlobalPrometheus())
}

// runtimeSettings 查看或调整流控参数，调整后写回 runtime 配置文件
func (h *handler) runtimeSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"settings": config.CurrentRuntimeSettings(h.config()),
		})
	case http.MethodPut, http.MethodPost:
		current := h.config()
		settings := config.CurrentRuntimeSettings(current)
		if err := decodeJSON(w, r, &settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		next, err := config.ApplyRuntimeSettings(current, settings)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := config.SaveRuntimeConfig(h.configPath, next); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.setConfig(next)
		logger.Info("运行时参数已更新: mode=%s timeout=%s retries=%d", next.BotMode, next.StreamTimeout, next.StreamMaxRetries)
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"settings": config.CurrentRuntimeSettings(next),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
