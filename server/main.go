package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/haasonsaas/vdsm-reg/pkg/logging"
	"github.com/haasonsaas/vdsm-reg/pkg/telemetry"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	configFile = flag.String("config", "engine-sim.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

// ServerConfig is the engine simulator's YAML configuration.
type ServerConfig struct {
	Listen        string               `yaml:"listen"`
	DBPath        string               `yaml:"db_path"`
	TLSCert       string               `yaml:"tls_cert"`
	TLSKey        string               `yaml:"tls_key"`
	RegisterPath  string               `yaml:"register_path"`
	SSHKeyPath    string               `yaml:"ssh_key_path"`
	SSHPublicKey  string               `yaml:"ssh_public_key_file"`
	RequireTicket bool                 `yaml:"require_ticket"`
	AdminToken    string               `yaml:"admin_token"`
	TicketSalt    string               `yaml:"ticket_salt"`
	TicketTTL     int                  `yaml:"ticket_ttl_seconds"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit"`
	Logging       config.LoggingConfig `yaml:"logging"`
	Tracing       config.TracingConfig `yaml:"tracing"`
}

type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:       ":8080",
		DBPath:       "engine-sim.db",
		RegisterPath: "/OvirtEngineWeb/register",
		SSHKeyPath:   "/engine.ssh.key.txt",
		TicketTTL:    3600,
		RateLimit:    RateLimitConfig{Requests: 30, WindowSeconds: 60},
		Logging:      config.DefaultLogging(),
		Tracing:      config.TracingConfig{SampleRatio: 1},
	}
}

// loadServerConfig reads path over the defaults. A missing file is not an
// error; the simulator runs fine on defaults.
func loadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("ENGINE_SIM_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	return cfg, nil
}

type Server struct {
	db           *gorm.DB
	cfg          ServerConfig
	sshKey       []byte
	ticketHasher TicketHasher
	rateLimiter  *RateLimiter
	logger       zerolog.Logger
	now          func() time.Time

	ticketsMu sync.Mutex
	nodesMu   sync.Mutex
}

func newServer(cfg ServerConfig, db *gorm.DB, log zerolog.Logger) (*Server, error) {
	if err := db.AutoMigrate(&Node{}, &Ticket{}); err != nil {
		return nil, err
	}
	srv := &Server{
		db:           db,
		cfg:          cfg,
		ticketHasher: NewTicketHasher([]byte(cfg.TicketSalt)),
		rateLimiter:  NewRateLimiter(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		logger:       log,
		now:          time.Now,
	}
	if cfg.SSHPublicKey != "" {
		key, err := os.ReadFile(cfg.SSHPublicKey)
		if err != nil {
			return nil, err
		}
		srv.sshKey = key
	}
	return srv, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	r.GET(s.cfg.RegisterPath, perClientIP(s.rateLimiter, s.logger), s.handleRegister)
	r.GET(s.cfg.SSHKeyPath, s.handleSSHKey)
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version, "rate_limiter": s.rateLimiter.Stats()})
	})
	s.registerAdminRoutes(r)
	return r
}

func main() {
	flag.Parse()

	log := logging.Bootstrap()
	cfg, err := loadServerConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configFile).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if applied, closer, err := logging.Apply(cfg.Logging); err == nil {
		log = applied
		defer closer.Close()
	} else {
		log.Warn().Err(err).Msg("Failed to apply logging config")
	}
	log.Info().Str("version", Version).Msg("engine-sim starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, "engine-sim", Version, cfg.Tracing, log)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer tp.Shutdown(context.Background())
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	srv, err := newServer(cfg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise server")
	}
	if cfg.AdminToken == "" {
		log.Warn().Msg("No admin token configured, admin API disabled")
	}

	go srv.pruneLoop(ctx)

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	tlsEnabled := cfg.TLSCert != "" && cfg.TLSKey != ""
	log.Info().Str("listen", cfg.Listen).Bool("tls", tlsEnabled).Str("register_path", cfg.RegisterPath).Msg("Listening")
	if tlsEnabled {
		err = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("engine-sim stopped")
}

// pruneLoop keeps the rate limiter from growing without bound.
func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.prune()
		}
	}
}
