// 本文件用于卡片相关接口 文本提取 卡片列表与详情
package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"knowledge-card/internal/card"
	"knowledge-card/internal/extract"
	"knowledge-card/internal/store"
)

// extract 对一段回答原文做提取并组装卡片，不落库。
// 支持 JSON {"text": "..."} 或直接提交纯文本。
func (h *handler) extract(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	text, err := readExtractText(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	analysis := extract.Analyze(text)
	kc := card.Assemble("", analysis, h.config().RenderMinCompleteness, h.now())
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"analysis": analysis,
		"card":     kc,
	})
}

func readExtractText(w http.ResponseWriter, r *http.Request) (string, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Text string `json:"text"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			return "", err
		}
		return req.Text, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// cards 分页列出已生成的卡片
func (h *handler) cards(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "card store is not ready")
		return
	}
	query := r.URL.Query()
	page := parsePositiveInt(query.Get("page"), 1)
	pageSize := parsePositiveInt(query.Get("pageSize"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	items, total, err := h.store.ListCards(r.Context(), store.ListQuery{
		Name:       strings.TrimSpace(query.Get("name")),
		SessionID:  strings.TrimSpace(query.Get("sessionId")),
		RenderOnly: parseBoolQuery(r, "renderOnly"),
		Page:       page,
		PageSize:   pageSize,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []store.CardSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"items":    items,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// cardByID 处理 /api/cards/{id} 与 /api/cards/{id}/html
func (h *handler) cardByID(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "card store is not ready")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cards/"), "/")
	id, view, _ := strings.Cut(rest, "/")
	if id == "" || (view != "" && view != "html") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	kc, err := h.store.GetCard(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == "html" {
		page, err := card.RenderHTML(*kc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, page)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "card": kc})
}
