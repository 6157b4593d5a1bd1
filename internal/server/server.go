package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bradrf/atuin/internal/api"
)

const (
	// maxPageLimit caps the page size a client may request.
	maxPageLimit = 1000

	// defaultPageLimit applies when the client omits limit.
	defaultPageLimit = 100

	// maxUploadBatch caps records per upload request.
	maxUploadBatch = 1000

	// maxBodyBytes caps request body size.
	maxBodyBytes = 8 << 20
)

// Server is the relay HTTP front end. All /sync routes require a bearer
// session token; /account routes do not.
type Server struct {
	store   *Store
	httpSrv *http.Server
	logger  *zap.Logger
}

// New wires the relay routes onto a Server listening on addr.
func New(store *Store, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /account/register", s.handleRegister)
	mux.HandleFunc("POST /account/login", s.handleLogin)
	mux.HandleFunc("GET /sync/count", s.auth(s.handleCount))
	mux.HandleFunc("GET /sync/history", s.auth(s.handlePage))
	mux.HandleFunc("POST /sync/history", s.auth(s.handleUpload))
	mux.HandleFunc("POST /sync/history/{id}/delete", s.auth(s.handleDelete))

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler exposes the route table, used by tests to run the relay inside
// httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// auth resolves the Authorization header to a user id and passes it to h.
func (s *Server) auth(h func(w http.ResponseWriter, r *http.Request, userID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Token ")
		if !ok {
			// Plain Bearer is accepted too.
			token, ok = strings.CutPrefix(header, "Bearer ")
		}
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		userID, err := s.store.UserForSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidSession) {
				s.writeError(w, http.StatusUnauthorized, "invalid session token")
				return
			}
			s.internalError(w, r, err)
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "password must not be empty")
		return
	}
	token, err := s.store.CreateUser(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, ErrUsernameTaken):
		s.writeError(w, http.StatusConflict, "username already taken")
		return
	case errors.Is(err, ErrInvalidUsername):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	s.logger.Info("account registered", zap.String("username", req.Username))
	s.writeJSON(w, http.StatusOK, api.SessionResponse{Session: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	token, err := s.store.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		s.writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionResponse{Session: token})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request, userID int64) {
	n, err := s.store.CountRecords(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CountResponse{Count: n})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request, userID int64) {
	after, err := parseIntParam(r, "after", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid after parameter")
		return
	}
	limit, err := parseIntParam(r, "limit", defaultPageLimit)
	if err != nil || limit < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	records, err := s.store.PageRecords(r.Context(), userID, after, int(limit))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PageResponse{Records: records})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID int64) {
	var req api.UploadRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, http.StatusBadRequest, "no records in upload")
		return
	}
	if len(req.Records) > maxUploadBatch {
		s.writeError(w, http.StatusBadRequest, "upload batch too large")
		return
	}
	for _, rec := range req.Records {
		if rec.ID == "" {
			s.writeError(w, http.StatusBadRequest, "record missing id")
			return
		}
		if !rec.Tombstone && (len(rec.Ciphertext) == 0 || len(rec.Nonce) == 0) {
			s.writeError(w, http.StatusBadRequest, "record missing ciphertext or nonce")
			return
		}
	}

	results, err := s.store.UploadRecords(r.Context(), userID, req.Records)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.logger.Debug("records uploaded",
		zap.Int64("user", userID), zap.Int("count", len(req.Records)))
	s.writeJSON(w, http.StatusOK, api.UploadResponse{Results: results})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID int64) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing record id")
		return
	}
	if err := s.store.AppendTombstone(r.Context(), userID, id); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func parseIntParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
