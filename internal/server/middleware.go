package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "requestID"

// RequestID tags each request with a short unique ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the ID assigned by RequestID, or "".
func GetRequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// AccessLog logs method, path, status, duration and request ID.
func AccessLog(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Printf("%s %s %d %dms id=%s",
				r.Method, r.URL.Path, sw.status, time.Since(start).Milliseconds(), GetRequestID(r))
		})
	}
}

// Recovery turns a handler panic into a 500.
func Recovery(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Printf("panic recovered on %s: %v", r.URL.Path, err)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

const (
	corsMethods = "GET, POST, DELETE"
	corsHeaders = "Content-Type"
)

// originList is the CORS allow-list. It can be replaced while serving.
type originList struct {
	mu      sync.RWMutex
	allowed map[string]bool
}

func newOriginList(origins []string) *originList {
	o := &originList{}
	o.Set(origins)
	return o
}

// Set replaces the allowed origins.
func (o *originList) Set(origins []string) {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(origin, "/")] = true
	}
	o.mu.Lock()
	o.allowed = allowed
	o.mu.Unlock()
}

// Allowed reports whether origin may call the API from a browser.
func (o *originList) Allowed(origin string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.allowed[origin]
}

// CORS grants cross-origin access to allowed origins only. Preflight requests
// are answered directly; a disallowed origin gets no CORS headers and the
// browser blocks it.
func (o *originList) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && o.Allowed(origin)
		if origin != "" {
			w.Header().Add("Vary", "Origin")
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				headers := r.Header.Get("Access-Control-Request-Headers")
				if headers == "" {
					headers = corsHeaders
				}
				w.Header().Set("Access-Control-Allow-Headers", headers)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
