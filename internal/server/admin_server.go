package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sanity-io/litter"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/scout/internal/config"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/service"
	"github.com/devrev/pairdb/scout/internal/validation"
	"github.com/devrev/pairdb/scout/internal/versioned"
)

// Inspector is the read-only view of a scout the debug endpoints need
type Inspector interface {
	Transactions() []service.TxnInfo
	DescribeObject(id model.ObjectID) (versioned.Info, bool)
	CachedObjects() []model.ObjectID
	CacheStats() service.CacheStats
}

// Prober serves liveness and readiness probes
type Prober interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port        int
	MetricsPath string
	// Gatherer defaults to the default Prometheus registry
	Gatherer prometheus.Gatherer
}

// AdminServer serves metrics, health probes and debug views of a scout
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	scout      Inspector
	probes     Prober
	cfg        *config.Config
	validator  *validation.Validator
	logger     *zap.Logger
}

// ErrorResponse is the body of every failed admin request
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// NewAdminServer creates the admin server. cfg is rendered by /debug/config
// and may be nil.
func NewAdminServer(serverCfg *AdminServerConfig, scout Inspector, probes Prober, cfg *config.Config, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", serverCfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		scout:     scout,
		probes:    probes,
		cfg:       cfg,
		validator: validation.NewValidator(),
		logger:    logger,
	}
	s.setupRoutes(serverCfg)
	return s
}

func (s *AdminServer) setupRoutes(serverCfg *AdminServerConfig) {
	metricsPath := serverCfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	gatherer := serverCfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Use(Recovery(s.logger), RequestID, Logging(s.logger))
	s.router.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if s.probes != nil {
		s.router.HandleFunc("/health", s.probes.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.probes.ReadinessHandler).Methods(http.MethodGet)
	}

	debug := s.router.PathPrefix("/debug").Subrouter()
	debug.HandleFunc("/txns", s.transactionsHandler).Methods(http.MethodGet)
	debug.HandleFunc("/objects", s.objectsHandler).Methods(http.MethodGet)
	debug.HandleFunc("/objects/{table}/{key}", s.objectHandler).Methods(http.MethodGet)
	debug.HandleFunc("/cache", s.cacheHandler).Methods(http.MethodGet)
	debug.HandleFunc("/config", s.configHandler).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
}

// Start starts serving in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the admin server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the router, for tests
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

func (s *AdminServer) transactionsHandler(w http.ResponseWriter, r *http.Request) {
	txns := s.scout.Transactions()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(txns),
		"transactions": txns,
	})
}

func (s *AdminServer) objectsHandler(w http.ResponseWriter, r *http.Request) {
	ids := s.scout.CachedObjects()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(names),
		"objects": names,
	})
}

// objectHandler dumps the cached replica of one object as plain text
func (s *AdminServer) objectHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := model.NewObjectID(vars["table"], vars["key"])
	if err := s.validator.ValidateObjectID(id); err != nil {
		s.handleError(w, err)
		return
	}
	info, ok := s.scout.DescribeObject(id)
	if !ok {
		s.handleError(w, scouterrors.NoSuchObject(id.String()).WithDetail("reason", "not cached"))
		return
	}

	dumper := litter.Options{StripPackageNames: true}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, dumper.Sdump(info))
}

func (s *AdminServer) cacheHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scout.CacheStats())
}

func (s *AdminServer) configHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		s.handleError(w, scouterrors.IllegalState("no configuration loaded"))
		return
	}
	out, err := yaml.Marshal(s.cfg)
	if err != nil {
		s.handleError(w, scouterrors.InternalError("failed to render configuration", err))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleError writes err with the HTTP status matching its gRPC code
func (s *AdminServer) handleError(w http.ResponseWriter, err error) {
	var scoutErr *scouterrors.ScoutError
	if !errors.As(err, &scoutErr) {
		scoutErr = scouterrors.InternalError(err.Error(), err)
	}
	statusCode := HTTPStatus(scoutErr.GRPCCode())
	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	s.writeErrorResponse(w, statusCode, scoutErr.Code.String(), scoutErr.Message)
}

// HTTPStatus converts a gRPC code to an HTTP status code
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *AdminServer) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
	})
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
