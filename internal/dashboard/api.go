package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/smenaquispe/observatory/internal/replay"
	"github.com/smenaquispe/observatory/internal/storage"
)

// recordSummary is one row of the incremental listing.
type recordSummary struct {
	ID             int64    `json:"id"`
	Method         string   `json:"method"`
	Path           string   `json:"path"`
	QueryParams    string   `json:"query_params"`
	StatusCode     *int     `json:"status_code"`
	Status         string   `json:"status"`
	StatusCategory string   `json:"status_category"`
	Timestamp      string   `json:"timestamp"`
	Duration       *float64 `json:"duration"`
}

func summarize(rec *storage.StoredRecord) recordSummary {
	return recordSummary{
		ID:             rec.ID,
		Method:         rec.Method,
		Path:           rec.Path,
		QueryParams:    rec.Query,
		StatusCode:     rec.StatusCode,
		Status:         string(rec.Status),
		StatusCategory: rec.StatusCategory(),
		Timestamp:      rec.CreatedAt.UTC().Format(timestampLayout),
		Duration:       rec.DurationMs,
	}
}

// handleRequests serves the cursor-based incremental listing. A polling
// client passes the highest id it has seen as since_id and receives only
// newer records; a record still pending on one poll reappears completed on a
// later poll under the same id.
func (s *Service) handleRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// A malformed cursor degrades to "no cursor" rather than failing.
	sinceID, err := strconv.ParseInt(query.Get("since_id"), 10, 64)
	if err != nil || sinceID < 0 {
		sinceID = 0
	}

	limit := s.cfg.DefaultLimit
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	items, err := s.store.ListSince(sinceID, limit)
	if err != nil {
		s.logger.Error("Failed to list observation records", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	count, err := s.store.CountSince(sinceID)
	if err != nil {
		s.logger.Error("Failed to count observation records", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to count requests")
		return
	}
	total, err := s.store.CountTotal()
	if err != nil {
		s.logger.Error("Failed to count observation records", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to count requests")
		return
	}

	summaries := make([]recordSummary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, summarize(item))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"count":    count,
		"requests": summaries,
	})
}

// handleRequestDetail serves the full record including both facets, with
// best-effort structured parsing of JSON bodies.
func (s *Service) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	rec, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("Failed to load observation record", "error", err, "record_id", id)
		s.respondError(w, http.StatusInternalServerError, "failed to load request")
		return
	}

	detail := map[string]interface{}{
		"id":                   rec.ID,
		"method":               rec.Method,
		"path":                 rec.Path,
		"query_params":         rec.Query,
		"headers":              rec.Headers,
		"body":                 rec.Body,
		"body_parsed":          parseStructured(rec.Body),
		"handler_name":         rec.HandlerName,
		"status_code":          rec.StatusCode,
		"response_headers":     rec.ResponseHeaders,
		"response_body":        rec.ResponseBody,
		"response_body_parsed": parseStructured(rec.ResponseBody),
		"duration":             rec.DurationMs,
		"timestamp":            rec.CreatedAt.UTC().Format(timestampLayout),
		"status":               string(rec.Status),
		"status_category":      rec.StatusCategory(),
	}

	s.respondJSON(w, http.StatusOK, detail)
}

// reprocessPayload is the optional replay endpoint input. A missing
// request_body key means "replay with the stored body".
type reprocessPayload struct {
	RequestBody *string `json:"request_body"`
}

// handleReprocess re-dispatches a stored request through the host pipeline
// and returns the id of the record the replay produced.
func (s *Service) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	// An absent body (io.EOF) is allowed and means "use the stored payload".
	var payload reprocessPayload
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			s.respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}

	newID, err := s.engine.Replay(r.Context(), id, payload.RequestBody)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "request not found")
		case errors.Is(err, replay.ErrReservedPath):
			s.respondError(w, http.StatusBadRequest, "cannot reprocess dashboard requests")
		case errors.Is(err, replay.ErrUnsupportedMethod):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, replay.ErrNoCorrelation):
			s.logger.Error("Replay produced no correlatable record", "record_id", id)
			s.respondError(w, http.StatusInternalServerError, "replay completed but no new record was found")
		default:
			s.logger.Error("Replay failed", "error", err, "record_id", id)
			s.respondError(w, http.StatusInternalServerError, "failed to reprocess request")
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": newID,
		"status":     "reprocessed",
	})
}

// parseStructured attempts to interpret a stored body as JSON, returning nil
// when the body is absent or not valid JSON.
func parseStructured(body *string) interface{} {
	if body == nil {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(*body), &parsed); err != nil {
		return nil
	}
	return parsed
}
