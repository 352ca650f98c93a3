// Package adminapi exposes a small authenticated HTTP surface for operators:
// backup identity management, the backfill run, catalog and creative upkeep.
// Handlers are thin wrappers; the business rules live in the services they
// call.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"previewbot/internal/catalog"
	"previewbot/internal/failover"
	"previewbot/internal/storage"
	logx "previewbot/pkg/logx"
)

// Failover is the slice of the sync orchestrator the API drives.
type Failover interface {
	Status(ctx context.Context) (*storage.ChannelConfig, error)
	Configure(ctx context.Context, token string) (*storage.ChannelConfig, error)
	StartSync(ctx context.Context) error
	StopSync()
	ActivateBackup(ctx context.Context) error
	ActivatePrimary(ctx context.Context) error
	DeleteConfig(ctx context.Context) error
}

// Creatives is the slice of storage behind the creative endpoints.
type Creatives interface {
	CreateCreativeGroup(ctx context.Context, name string) (int64, error)
	BindCreativeGroup(ctx context.Context, catalogCode string, groupID int64) error
	CreateCreative(ctx context.Context, c *storage.Creative) error
	DeleteCreative(ctx context.Context, id int64) error
}

// Config for the admin server. TokenHash is a bcrypt hash of the bearer
// token; the plaintext never lives in config.
type Config struct {
	Addr      string
	TokenHash string
}

type Server struct {
	router    *mux.Router
	log       logx.Logger
	catalogs  *catalog.Service
	creatives Creatives
	failover  Failover
	tokenHash []byte
	server    *http.Server
	addr      string
}

func NewServer(cfg Config, catalogs *catalog.Service, creatives Creatives, fo Failover, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.TokenHash) == "" {
		return nil, errors.New("admin token hash is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	s := &Server{
		router:    mux.NewRouter(),
		log:       log.With(logx.String("component", "adminapi")),
		catalogs:  catalogs,
		creatives: creatives,
		failover:  fo,
		tokenHash: []byte(cfg.TokenHash),
		addr:      addr,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth)

	api.HandleFunc("/backup", s.handleBackupStatus).Methods(http.MethodGet)
	api.HandleFunc("/backup", s.handleBackupConfigure).Methods(http.MethodPost)
	api.HandleFunc("/backup", s.handleBackupDelete).Methods(http.MethodDelete)
	api.HandleFunc("/backup/sync", s.handleSyncStart).Methods(http.MethodPost)
	api.HandleFunc("/backup/sync", s.handleSyncStop).Methods(http.MethodDelete)
	api.HandleFunc("/backup/switch", s.handleSwitch).Methods(http.MethodPost)

	api.HandleFunc("/catalogs", s.handleCatalogList).Methods(http.MethodGet)
	api.HandleFunc("/catalogs", s.handleCatalogCreate).Methods(http.MethodPost)
	api.HandleFunc("/catalogs/{code}", s.handleCatalogDelete).Methods(http.MethodDelete)
	api.HandleFunc("/catalogs/{code}/items", s.handleItemList).Methods(http.MethodGet)
	api.HandleFunc("/catalogs/{code}/cover", s.handleSetCover).Methods(http.MethodPut)
	api.HandleFunc("/items/{id:[0-9]+}", s.handleItemDelete).Methods(http.MethodDelete)

	api.HandleFunc("/creative-groups", s.handleGroupCreate).Methods(http.MethodPost)
	api.HandleFunc("/catalogs/{code}/creative-groups/{id:[0-9]+}", s.handleGroupBind).Methods(http.MethodPut)
	api.HandleFunc("/creatives", s.handleCreativeCreate).Methods(http.MethodPost)
	api.HandleFunc("/creatives/{id:[0-9]+}", s.handleCreativeDelete).Methods(http.MethodDelete)
}

// Handler exposes the routing tree. Used by tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("admin api listening", logx.String("addr", s.addr))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// auth checks the bearer token against the stored bcrypt hash.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) != nil {
			s.writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, failover.ErrNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrExists),
		errors.Is(err, failover.ErrAlreadyConfigured),
		errors.Is(err, failover.ErrSyncRunning),
		errors.Is(err, failover.ErrBackupActive),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrInvalidCode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
