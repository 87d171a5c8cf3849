// Package timelinehttp exposes the Timeline Service read path over HTTP
// (spec §6.2): GET /sessions/{sessionId}/timeline.
package timelinehttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentworkstation/timelined/internal/apierror"
	"github.com/agentworkstation/timelined/internal/timeline"
)

// Handler serves the timeline read path. It is intentionally narrow: one
// method per route, wired into a caller-owned http.ServeMux, matching the
// teacher's own internal/web.Handler (one struct, many small handler
// methods, registered by the caller's mux).
type Handler struct {
	service *timeline.Service
	logger  *slog.Logger
}

// NewHandler builds a Handler over service. logger may be nil, in which
// case slog.Default is used.
func NewHandler(service *timeline.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sessions/", h.handleSessionTimeline)
}

// timelineItemsResponse is the §6.2 response envelope.
type timelineItemsResponse struct {
	Items         []*timeline.TimelineItem `json:"items"`
	NextPageToken *string                  `json:"nextPageToken,omitempty"`
	TotalCount    int                      `json:"totalCount"`
}

func (h *Handler) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, ok := parseSessionTimelinePath(r.URL.Path)
	if !ok {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.GetTimelineItems(sessionID, opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.jsonResponse(w, timelineItemsResponse{
		Items:         result.Items,
		NextPageToken: result.NextPageToken,
		TotalCount:    result.TotalCount,
	})
}

// parseSessionTimelinePath extracts sessionId from
// /sessions/{sessionId}/timeline.
func parseSessionTimelinePath(path string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/sessions/")
	if trimmed == path {
		return "", false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "timeline" {
		return "", false
	}
	return parts[0], true
}

func parseListOptions(r *http.Request) (timeline.ListOptions, error) {
	q := r.URL.Query()
	opts := timeline.ListOptions{PageToken: q.Get("pageToken")}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return timeline.ListOptions{}, errors.New("limit must be an integer")
		}
		opts.Limit = &n
	}

	if raw := q.Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				opts.Types = append(opts.Types, timeline.ItemType(part))
			}
		}
	}

	if raw := q.Get("includeRelated"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return timeline.ListOptions{}, errors.New("includeRelated must be a boolean")
		}
		opts.IncludeRelated = &b
	}

	return opts, nil
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apierror.ErrNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apierror.ErrInvalidPayload):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("timeline read failed", "err", err)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode error", "err", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"code": strconv.Itoa(code), "message": message}); err != nil {
		h.logger.Error("json encode error", "err", err)
	}
}
