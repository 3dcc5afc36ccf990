package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"vncprov/internal/provision"
	"vncprov/internal/session"
	"vncprov/pkg/protocol"

	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(AccessLog(subLogger(s.logger, "api")))
	r.Use(Recovery(s.logger))
	r.Use(s.origins.CORS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/users", s.handleListUsers)
		r.Get("/users/{username}", s.handleGetUser)
		r.Post("/provision", s.handleProvision)
		r.Delete("/deprovision/{username}", s.handleDeprovision)
		r.Get("/history", s.handleHistory)
	})

	return r
}

func toUser(sess session.Session) protocol.User {
	return protocol.User{
		Username:      sess.Name,
		DisplayNumber: sess.Ordinal,
		VNCPort:       sess.DisplayPort,
		Running:       sess.Running,
	}
}

// handleHealth answers GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListUsers answers GET /api/users with freshly probed sessions.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.directory.List(r.Context())
	if err != nil {
		s.logger.Printf("list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	users := make([]protocol.User, 0, len(sessions))
	for _, sess := range sessions {
		users = append(users, toUser(sess))
	}
	writeJSON(w, http.StatusOK, protocol.UsersResponse{Users: users})
}

// handleGetUser answers GET /api/users/{username} with the session and where
// to connect to it.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "username")

	sess, err := s.directory.Get(r.Context(), name)
	switch {
	case errors.Is(err, session.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, "Invalid username")
		return
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		s.logger.Printf("get session %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, protocol.UserResponse{
		User: toUser(*sess),
		Connection: protocol.Connection{
			Type:     "vnc",
			Hostname: s.advertisedHost(r),
			Port:     sess.DisplayPort,
		},
	})
}

// handleProvision answers POST /api/provision. The sequence runs detached
// from the request so a dropped client connection does not abort it half way.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	start := time.Now()

	sess, err := s.provisioner.Provision(ctx)

	entry := protocol.HistoryEntry{
		RequestID: GetRequestID(r),
		Operation: protocol.OpProvision,
		Duration:  float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		var perr *provision.ProvisionError
		if errors.As(err, &perr) {
			entry.Session = perr.Session
			entry.Step = perr.Step
		}
		entry.Error = err.Error()
		s.record(entry)

		s.logger.Printf("provision failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: err.Error(), Step: entry.Step})
		return
	}

	entry.Session = sess.Name
	entry.Success = true
	s.record(entry)

	writeJSON(w, http.StatusOK, protocol.ProvisionResponse{Success: true, User: toUser(*sess)})
}

// handleDeprovision answers DELETE /api/deprovision/{username}?deleteUser=.
func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "username")
	deleteAccount := r.URL.Query().Get("deleteUser") == "true"

	ctx := context.WithoutCancel(r.Context())
	start := time.Now()
	err := s.deprovisioner.Deprovision(ctx, name, deleteAccount)

	switch {
	case errors.Is(err, session.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, "Invalid username")
		return
	case errors.Is(err, session.ErrProtectedSession):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Cannot deprovision base users (%s1-%d)", s.naming.Base, s.naming.ProtectThreshold))
		return
	}

	entry := protocol.HistoryEntry{
		RequestID:     GetRequestID(r),
		Operation:     protocol.OpDeprovision,
		Session:       name,
		DeleteAccount: deleteAccount,
		Success:       err == nil,
		Duration:      float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		entry.Error = err.Error()
		s.record(entry)

		s.logger.Printf("deprovision %s failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(entry)

	writeJSON(w, http.StatusOK, protocol.DeprovisionResponse{
		Success: true,
		Message: "Deprovisioned " + name,
	})
}

// handleHistory answers GET /api/history[?limit=N] with the newest entries
// last.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := ReadAuditLog(s.audit.Path())
	if err != nil {
		s.logger.Printf("read audit log error: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read audit log: %v", err))
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}
	if entries == nil {
		entries = []protocol.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// advertisedHost is the configured hostname, or the host the client used to
// reach the API.
func (s *Server) advertisedHost(r *http.Request) string {
	if s.settings.Hostname != "" {
		return s.settings.Hostname
	}
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		return r.Host
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
