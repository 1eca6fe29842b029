package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"table-sync-service/internal/logger"
	"table-sync-service/internal/store"
	"table-sync-service/internal/sync"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Handler struct {
	syncManager *sync.Manager
	store       store.Store
	authToken   string
}

func NewHandler(manager *sync.Manager, st store.Store, authToken string) *Handler {
	return &Handler{
		syncManager: manager,
		store:       st,
		authToken:   authToken,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)
		r.Get("/conflicts", h.ListConflicts)
		r.Get("/conflicts/{id}", h.GetConflict)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.Trigger(); err != nil {
		if errors.Is(err, sync.ErrSessionInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type statusResponse struct {
	Status     string       `json:"status"`
	LastResult *sync.Result `json:"last_result,omitempty"`
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     h.syncManager.GetStatus(),
		LastResult: h.syncManager.LastResult(),
	})
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	history, err := h.store.GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		logger.Log.Error("Failed to load sync history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load sync history")
		return
	}
	if history == nil {
		history = []*store.SyncHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	conflicts, err := h.store.ListConflicts(r.Context(), limit, offset)
	if err != nil {
		logger.Log.Error("Failed to load conflicts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		logger.Log.Error("Failed to load conflict", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conflict")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware requires the configured bearer token. With no token
// configured every request is let through.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxLimit)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
