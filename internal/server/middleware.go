package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/fenlight/conductor/internal/errors"
)

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		s.logger.Info("http request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(req.Context())),
		)
	})
}

// recoverer converts handler panics into the INTERNAL envelope so a broken
// handler cannot take the control plane down.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("http handler panic",
					zap.Any("panic", rec),
					zap.String("path", req.URL.Path),
					zap.String("request_id", middleware.GetReqID(req.Context())),
				)
				apperrors.WriteHTTP(w, http.StatusInternalServerError, apperrors.CodeInternal, "internal error", middleware.GetReqID(req.Context()))
			}
		}()
		next.ServeHTTP(w, req)
	})
}
