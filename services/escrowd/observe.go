package escrowd

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"escrowdesk/journal"
	"escrowdesk/observability"
)

const auditTimeout = 2 * time.Second

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func recordStatus(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// observe records request counts and latency under route.
func observe(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recordStatus(w)
			next.ServeHTTP(rec, r)
			observability.API().Observe(route, rec.status, time.Since(start))
		})
	}
}

// audit journals every mutating request once the response status is known.
func (s *Server) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordStatus(w)
		next.ServeHTTP(rec, r)
		entry := journal.AuditEntry{
			Subject: Subject(r.Context()),
			Method:  r.Method,
			Path:    r.URL.Path,
			Status:  rec.status,
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditTimeout)
		defer cancel()
		if err := s.app.Journal.RecordAudit(ctx, entry); err != nil {
			s.logger.Warn("audit write failed", slog.String("route", r.URL.Path), slog.Any("error", err))
		}
	})
}
