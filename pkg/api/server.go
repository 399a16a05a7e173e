// Package api exposes the coordinator over a REST control surface. Routes
// under /api are authenticated, rate limited, and traced; /healthz and
// /metrics stay open for probes and scrapers.
package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"meshvault/pkg/auth"
	"meshvault/pkg/coordinator"
	"meshvault/pkg/logging"
	"meshvault/pkg/metrics"
	"meshvault/pkg/middleware"
	"meshvault/pkg/ratelimit"
	tlsutil "meshvault/pkg/tls"
	"meshvault/pkg/tracing"
)

// Config holds the REST server settings
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	APIKeyHashes   []string      `yaml:"api_key_hashes"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig controls HTTPS for the control API. When enabled with no
// certificate on disk, a self-signed one is generated, which keeps local
// deployments working without an issuing step.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// DefaultConfig returns the listener settings the daemon ships with
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8440",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
}

// Server is the REST control API over one coordinator
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	keyring *auth.Keyring
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	tracer  *tracing.Provider
	log     *logging.Logger
	version string

	httpSrv *http.Server
}

// NewServer wires the REST server. Call Start to listen.
func NewServer(cfg Config, coord *coordinator.Coordinator, keyring *auth.Keyring, m *metrics.Metrics, tracer *tracing.Provider, version string, log *logging.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = DefaultConfig().RateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = DefaultConfig().RateLimitBurst
	}
	return &Server{
		cfg:     cfg,
		coord:   coord,
		keyring: keyring,
		limiter: ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		metrics: m,
		tracer:  tracer,
		log:     log.Named("api"),
		version: version,
	}
}

// Router builds the full route table. Specific routes are registered before
// parameterized ones.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.tracer.Middleware)
	api.Use(middleware.RequestLogger(s.log))
	api.Use(s.limiter.Middleware(ratelimit.IPKeyFunc))
	api.Use(middleware.APIKey(s.keyring))

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	api.HandleFunc("/nodes", s.handleNodes).Methods("GET")
	api.HandleFunc("/operations", s.handleOperations).Methods("GET")

	api.HandleFunc("/files", s.handleStoreFile).Methods("POST")
	api.HandleFunc("/files", s.handleListFiles).Methods("GET")
	api.HandleFunc("/files/{id}/verify", s.handleVerifyFile).Methods("GET")
	api.HandleFunc("/files/{id}/share", s.handleShareFile).Methods("POST")
	api.HandleFunc("/files/{id}", s.handleGetFile).Methods("GET")
	api.HandleFunc("/files/{id}", s.handleDeleteFile).Methods("DELETE")

	api.HandleFunc("/shared", s.handleListShared).Methods("GET")
	api.HandleFunc("/shared/{id}/download", s.handleDownloadShared).Methods("POST")
	api.HandleFunc("/shared/{id}", s.handleDismissShared).Methods("DELETE")

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/plan", s.handleJobPlan).Methods("GET")
	api.HandleFunc("/jobs/{id}/results", s.handleJobResults).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods("DELETE")

	return r
}

// Start listens until Shutdown is called. It returns nil on clean shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	if s.keyring.Empty() {
		s.log.Warn("API authentication is disabled, no key hashes configured")
	}

	if !s.cfg.TLS.Enabled {
		s.log.Info("API server listening", logging.String("addr", s.cfg.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	if err := s.ensureCertificate(); err != nil {
		return err
	}
	tlsConfig, err := tlsutil.LoadTLSConfig(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, s.cfg.TLS.ClientCAFile, s.cfg.TLS.RequireClientCert)
	if err != nil {
		return err
	}
	s.httpSrv.TLSConfig = tlsConfig

	s.log.Info("API server listening with TLS",
		logging.String("addr", s.cfg.ListenAddr),
		logging.Bool("mtls", s.cfg.TLS.RequireClientCert))
	if err := s.httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.log.Info("API server shutting down")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) ensureCertificate() error {
	if _, err := os.Stat(s.cfg.TLS.CertFile); err == nil {
		return nil
	}
	s.log.Info("Generating self-signed certificate",
		logging.String("cert", s.cfg.TLS.CertFile))
	if dir := filepath.Dir(s.cfg.TLS.CertFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return tlsutil.GenerateSelfSignedCert(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, "meshvault")
}
