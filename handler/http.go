package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

// Routes returns the HTTP router serving POST /graphql and GET /health.
func (h *Handler) Routes() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(h.logger))

	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Post("/graphql", h.ServeGraphQL)
	return router
}

// ServeGraphQL decodes a Request body and writes the Response. GraphQL
// errors are returned with status 200; only undecodable bodies get 400.
func (h *Handler) ServeGraphQL(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, &Response{Errors: gqlerror.List{{
			Message:    "request body is not a GraphQL request: " + err.Error(),
			Extensions: map[string]any{"code": CodeBadUserInput},
		}}})
		return
	}
	if req.Query == "" {
		h.respondJSON(w, http.StatusBadRequest, &Response{Errors: gqlerror.List{{
			Message:    "query is required",
			Extensions: map[string]any{"code": CodeBadUserInput},
		}}})
		return
	}

	h.respondJSON(w, http.StatusOK, h.Execute(r.Context(), req))
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
		})
	}
}
