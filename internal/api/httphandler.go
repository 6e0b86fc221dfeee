package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"credlayer/internal/app"
	"credlayer/internal/fetch"
	"credlayer/internal/ttlcache"
	"credlayer/internal/types"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	log "github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

// Reserved query parameters of GET /data/{path...}; every other parameter is forwarded upstream.
const (
	SelectParam  = "_select"
	TTLParam     = "_ttl"
	RefreshParam = "_refresh"
)

type Handler struct {
	App *app.App
}

func NewHandler(a *app.App) *Handler {
	return &Handler{App: a}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /credentials", h.handleSetCredentials)
	mux.HandleFunc("PATCH /credentials/display", h.handleUpdateDisplay)
	mux.HandleFunc("DELETE /credentials", h.handleLock)
	mux.HandleFunc("POST /credentials/activity", h.handleActivity)
	mux.HandleFunc("POST /credentials/persist", h.handlePersist)
	mux.HandleFunc("POST /credentials/load", h.handleLoad)
	mux.HandleFunc("GET /credentials/status", h.handleStatus)
	mux.HandleFunc("GET /cache/stats", h.handleCacheStats)
	mux.HandleFunc("POST /cache/invalidate", h.handleCacheInvalidate)
	mux.HandleFunc("GET /data/{path...}", h.handleData)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return gzhttp.GzipHandler(withRequestLog(mux))
}

func (h *Handler) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	var creds types.CredentialSet
	if !readJSON(w, r, &creds) {
		return
	}
	if err := h.App.Keys.SetCredentials(creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, h.status(r))
}

func (h *Handler) handleUpdateDisplay(w http.ResponseWriter, r *http.Request) {
	var info types.DisplayInfo
	if !readJSON(w, r, &info) {
		return
	}
	if err := h.App.Keys.UpdateDisplayInfo(info.DisplayName, info.FullName); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.status(r))
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	if err := h.App.Lock(r.Context()); err != nil {
		log.WithError(err).Warn("panic lock could not delete persisted credentials")
		writeError(w, http.StatusServiceUnavailable, "credentials cleared from memory; persisted copy could not be deleted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !h.App.Keys.HasCredentials() {
		writeError(w, http.StatusConflict, types.ErrNoCredentials.Error())
		return
	}
	h.App.Keys.ResetActivityTimer()
	writeJSON(w, http.StatusOK, h.status(r))
}

type passphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

func (h *Handler) handlePersist(w http.ResponseWriter, r *http.Request) {
	var req passphraseRequest
	if !readJSON(w, r, &req) {
		return
	}
	err := h.App.Keys.Persist(r.Context(), req.Passphrase)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"persisted": true})
	case errors.Is(err, types.ErrNoCredentials):
		writeError(w, http.StatusConflict, types.ErrNoCredentials.Error())
	case errors.Is(err, types.ErrWeakPassphrase):
		writeError(w, http.StatusBadRequest, "passphrase must be at least "+strconv.Itoa(h.App.Config.Session.MinPassphraseLen)+" characters")
	case errors.Is(err, types.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, types.ErrStorageUnavailable.Error())
	default:
		log.WithError(err).Error("failed to persist credentials")
		writeError(w, http.StatusInternalServerError, "failed to persist credentials")
	}
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req passphraseRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !h.App.Keys.Load(r.Context(), req.Passphrase) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"loaded": false})
		return
	}
	writeJSON(w, http.StatusOK, h.status(r))
}

// statusResponse never carries the identity or access key.
type statusResponse struct {
	Active          bool       `json:"active"`
	SessionID       string     `json:"session_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	TimeRemainingMS int64      `json:"time_remaining_ms"`
	TimeRemaining   string     `json:"time_remaining,omitempty"`
	DisplayName     string     `json:"username,omitempty"`
	FullName        string     `json:"full_name,omitempty"`
	Persisted       bool       `json:"persisted"`
}

func (h *Handler) status(r *http.Request) statusResponse {
	st := h.App.Keys.Status()
	resp := statusResponse{
		Active:          st.Active,
		SessionID:       st.SessionID,
		TimeRemainingMS: st.TimeRemaining.Milliseconds(),
		Persisted:       h.App.Keys.HasPersisted(r.Context()),
	}
	if st.Active {
		started := st.StartedAt
		resp.StartedAt = &started
		resp.TimeRemaining = humanDuration(st.TimeRemaining)
	}
	if info, ok := h.App.Keys.DisplayInfo(); ok {
		resp.DisplayName = info.DisplayName
		resp.FullName = info.FullName
	}
	return resp
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status(r))
}

type cacheEntry struct {
	Key   string `json:"key"`
	AgeMS int64  `json:"age_ms"`
	TTLMS int64  `json:"ttl_ms"`
}

type cacheStatsResponse struct {
	Count     int          `json:"count"`
	Pending   int          `json:"pending"`
	Hits      uint64       `json:"hits"`
	Misses    uint64       `json:"misses"`
	Evictions uint64       `json:"evictions"`
	Entries   []cacheEntry `json:"entries"`
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st := h.App.Cache.Stats()
	resp := cacheStatsResponse{
		Count:     st.Count,
		Pending:   h.App.Flights.PendingCount(),
		Hits:      st.Hits,
		Misses:    st.Misses,
		Evictions: st.Evictions,
		Entries:   make([]cacheEntry, 0, len(st.Entries)),
	}
	for _, e := range st.Entries {
		resp.Entries = append(resp.Entries, cacheEntry{
			Key:   e.Key,
			AgeMS: e.Age.Milliseconds(),
			TTLMS: e.TTLRemaining.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type invalidateRequest struct {
	Key    string `json:"key"`
	Prefix string `json:"prefix"`
	All    bool   `json:"all"`
}

func (h *Handler) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !readJSON(w, r, &req) {
		return
	}
	removed := 0
	switch {
	case req.All:
		removed = h.App.Cache.Stats().Count
		h.App.Cache.Clear()
	case req.Key != "":
		if h.App.Cache.Invalidate(req.Key) {
			removed = 1
		}
	case req.Prefix != "":
		removed = h.App.Cache.InvalidateMatching(ttlcache.HasPrefix(req.Prefix))
	default:
		writeError(w, http.StatusBadRequest, "one of key, prefix or all is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	if h.App.Fetch == nil {
		writeError(w, http.StatusServiceUnavailable, "no upstream configured")
		return
	}
	query := r.URL.Query()
	opts := fetch.GetOptions{
		Select:  query.Get(SelectParam),
		Refresh: parseBool(query.Get(RefreshParam)),
	}
	if raw := query.Get(TTLParam); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+TTLParam)
			return
		}
		opts.TTL = ttl
	}
	// A repeated parameter is forwarded with all its values, in order.
	params := make(map[string]any, len(query))
	for name, values := range query {
		switch {
		case strings.HasPrefix(name, "_") || len(values) == 0:
		case len(values) == 1:
			params[name] = values[0]
		default:
			params[name] = values
		}
	}

	v, err := h.App.Fetch.Get(r.Context(), "/"+r.PathValue("path"), params, opts)
	if err != nil {
		var upstreamErr *fetch.UpstreamError
		switch {
		case errors.Is(err, types.ErrNoCredentials):
			writeError(w, http.StatusUnauthorized, types.ErrNoCredentials.Error())
		case errors.As(err, &upstreamErr):
			writeError(w, http.StatusBadGateway, upstreamErr.Error())
		default:
			log.WithError(err).Warn("data request failed")
			writeError(w, http.StatusBadGateway, "upstream request failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// humanDuration renders d the way a person reads a countdown, e.g. "29 minutes".
func humanDuration(d time.Duration) string {
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now, now.Add(d), "", ""))
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// withRequestLog tags every request with an ID and logs its outcome. Bodies are never logged.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(types.RequestIDHdrName)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(types.RequestIDHdrName, requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"elapsed":    time.Since(start),
			"request_id": requestID,
		}).Debug("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// readJSON decodes the request body into v and answers 400 itself when that fails.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read error")
		return false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}
