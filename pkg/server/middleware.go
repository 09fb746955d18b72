package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/elonfeng/readtrack/internal/logging"
)

type trackedKey struct{}

// TrackReads records one read of the article named by the {article_id} route
// parameter after the wrapped handler answers 200. Nested TrackReads on the
// same request record nothing extra.
func TrackReads(rec ReadRecorder, ids IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Context().Value(trackedKey{}) != nil {
				next.ServeHTTP(w, r)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), trackedKey{}, true))

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// 0 means the handler wrote nothing, which net/http sends as 200.
			if status := ww.Status(); status != http.StatusOK && status != 0 {
				return
			}
			articleID, err := strconv.ParseInt(chi.URLParam(r, "article_id"), 10, 64)
			if err != nil {
				return
			}
			userID := ids.Resolve(r)
			res, err := rec.RecordRead(r.Context(), articleID, userID)
			if err != nil {
				logging.Error().Err(err).Int64("article_id", articleID).Str("user_id", userID).
					Msg("page read not recorded")
				return
			}
			if res.Degraded() {
				logging.Warn().Int64("article_id", articleID).Msg("page read recorded on fallback path")
			}
		})
	}
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
