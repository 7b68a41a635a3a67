package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/q10elabs/mlschat/internal/middleware"
	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// Server wires the REST surface onto a chi router. It owns no state of its
// own beyond what it needs to reach the KeyPackage store, the database, the
// backup object store, and the WebSocket gateway.
type Server struct {
	store   *Store
	db      *DB
	backups *BackupStore
	gateway *Gateway
	logger  *slog.Logger
}

// NewServer constructs the REST API server. gateway may be nil, in which
// case the /ws route is not mounted.
func NewServer(store *Store, db *DB, backups *BackupStore, gateway *Gateway, logger *slog.Logger) *Server {
	return &Server{store: store, db: db, backups: backups, gateway: gateway, logger: logger}
}

// Router builds the chi mux for the REST surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.TracingLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Post("/users", s.handleRegisterUser)
	r.Get("/users/{username}", s.handleGetUser)

	r.Post("/backup/{username}", s.handlePutBackup)
	r.Get("/backup/{username}", s.handleGetBackup)

	r.Post("/keypackages/upload", s.handleUploadKeyPackages)
	r.Post("/keypackages/reserve", s.handleReserve)
	r.Post("/keypackages/spend", s.handleSpend)
	r.Post("/keypackages/cancel", s.handleCancel)
	r.Get("/keypackages/status/{username}", s.handleStatus)

	if s.gateway != nil {
		r.Get("/ws/{username}", s.gateway.HandleWebSocket)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable")
		return
	}
	if err := s.backups.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "object store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string `json:"username"`
		KeyPackage []byte `json:"key_package"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.Username == "" || len(req.KeyPackage) == 0 {
		writeError(w, http.StatusBadRequest, "missing_fields", "username and key_package are required")
		return
	}

	_, err := s.db.Pool.Exec(r.Context(),
		`INSERT INTO users (username, initial_keypackage) VALUES ($1, $2)`,
		req.Username, req.KeyPackage,
	)
	if isUniqueViolation(err) {
		writeError(w, http.StatusConflict, "duplicate", "username already registered")
		return
	}
	if err != nil {
		s.logger.Error("registering user failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         req.Username,
		"username":   req.Username,
		"created_at": time.Now().UTC(),
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var keyPackage []byte
	err := s.db.Pool.QueryRow(r.Context(),
		`SELECT initial_keypackage FROM users WHERE username = $1`, username,
	).Scan(&keyPackage)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to look up user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"username":    username,
		"key_package": keyPackage,
	})
}

func (s *Server) handlePutBackup(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var req struct {
		EncryptedState []byte `json:"encrypted_state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	if err := s.backups.Put(r.Context(), username, req.EncryptedState); err != nil {
		s.logger.Error("storing backup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store backup")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	blob, ts, err := s.backups.Get(r.Context(), username)
	if errors.Is(err, errBackupNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no backup for this user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch backup")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"username":        username,
		"encrypted_state": blob,
		"timestamp":       ts,
	})
}

func (s *Server) handleUploadKeyPackages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		KeyPackages []struct {
			KeyPackageRef string `json:"keypackage_ref"`
			KeyPackage    string `json:"keypackage"`
			NotAfter      int64  `json:"not_after"`
		} `json:"keypackages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.Username == "" || len(req.KeyPackages) == 0 {
		writeError(w, http.StatusBadRequest, "empty", "keypackages must be non-empty")
		return
	}

	items := make([]UploadItem, 0, len(req.KeyPackages))
	for _, kp := range req.KeyPackages {
		refBytes, err := base64.StdEncoding.DecodeString(kp.KeyPackageRef)
		if err != nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(kp.KeyPackage)
		if err != nil {
			continue
		}
		items = append(items, UploadItem{Ref: base64.StdEncoding.EncodeToString(refBytes), Bytes: data, NotAfter: kp.NotAfter})
	}

	accepted, rejected, poolSize, err := s.store.Upload(r.Context(), req.Username, items)
	if err != nil {
		writeError(w, http.StatusBadRequest, "empty", "keypackages must be non-empty")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  accepted,
		"rejected":  rejected,
		"pool_size": poolSize,
	})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string `json:"username"`
		GroupID    []byte `json:"group_id"`
		ReservedBy string `json:"reserved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	reservation, err := s.store.Reserve(r.Context(), req.Username, base64.StdEncoding.EncodeToString(req.GroupID), req.ReservedBy)
	var poolExhausted *mlserrors.PoolExhausted
	if errors.As(err, &poolExhausted) {
		writeError(w, http.StatusNotFound, "pool_exhausted", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("reserve failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reserve keypackage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"keypackage_ref":         reservation.KeyPackageRef,
		"keypackage":             reservation.KeyPackageBytes,
		"reservation_id":         reservation.ReservationID,
		"reservation_expires_at": time.Unix(reservation.ReservationExpiresAt, 0).UTC(),
		"not_after":              reservation.NotAfter,
	})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyPackageRef string `json:"keypackage_ref"`
		GroupID       []byte `json:"group_id"`
		SpentBy       string `json:"spent_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	err := s.store.Spend(r.Context(), req.KeyPackageRef, base64.StdEncoding.EncodeToString(req.GroupID), req.SpentBy)
	var invalidRef *mlserrors.InvalidRef
	var doubleSpend *mlserrors.DoubleSpendAttempted
	switch {
	case errors.As(err, &invalidRef):
		writeError(w, http.StatusNotFound, "invalid_ref", err.Error())
		return
	case errors.As(err, &doubleSpend):
		writeError(w, http.StatusConflict, "double_spend", err.Error())
		return
	case err != nil:
		s.logger.Error("spend failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to spend keypackage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "spent"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyPackageRef string `json:"keypackage_ref"`
		ReservationID string `json:"reservation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	err := s.store.Cancel(r.Context(), req.KeyPackageRef, req.ReservationID)
	var invalidRef *mlserrors.InvalidRef
	if errors.As(err, &invalidRef) {
		writeError(w, http.StatusNotFound, "not_found", "no matching reservation")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel reservation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	counts, err := s.store.Status(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to query status")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func isUniqueViolation(err error) bool {
	return pgErrCodeIs(err, "23505")
}
