package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rcond/internal/authfail"
	"github.com/energizer-project/rcond/internal/config"
	"github.com/energizer-project/rcond/internal/console"
	"github.com/energizer-project/rcond/internal/db"
	"github.com/energizer-project/rcond/internal/host"
	intnet "github.com/energizer-project/rcond/internal/network"
	"github.com/energizer-project/rcond/internal/rcon"
	"github.com/energizer-project/rcond/internal/remoteaccess"
	"github.com/energizer-project/rcond/internal/util"
)

// Backend is the daemon surface the API drives. host.App implements it.
type Backend interface {
	Status(ctx context.Context) (host.Status, error)
	Connections(ctx context.Context) ([]rcon.ConnectionInfo, error)
	Listeners(ctx context.Context) ([]remoteaccess.ListenerInfo, error)

	AdminExec(ctx context.Context, command string) (string, error)
	AdminGetValue(ctx context.Context, name string) (string, error)
	AdminSetValue(ctx context.Context, name, value string) error
	UpdateSetting(ctx context.Context, key, value string) error

	Ban(ctx context.Context, addr string, penalty time.Duration, reason string) (int, error)
	Unban(addr string) (bool, error)
	ActiveBans() []db.Ban
	Failures() []authfail.Record
	RecentAudit(limit int) ([]remoteaccess.AuditEntry, error)

	Vars() []console.VarInfo
	ConsoleLines() []string
}

// Server is the admin REST API. Commands it runs go through the
// pre-authenticated admin identity.
type Server struct {
	cfg     *config.Config
	backend Backend

	httpServer *http.Server
	router     *gin.Engine
	logger     zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, backend Backend) *Server {
	// Set Gin mode based on log level
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		backend: backend,
		logger:  util.ComponentLogger("api"),
	}
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	if apiCfg.Token == "" {
		s.logger.Warn().Msg("api token not configured, protected endpoints will refuse every request")
	}

	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var ln net.Listener
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if apiCfg.TLSEnabled {
		tlsCfg, err := loadTLS(apiCfg)
		if err != nil {
			ln.Close()
			return err
		}
		s.httpServer.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// loadTLS loads the configured key pair, generating a self-signed one when
// the files do not exist yet.
func loadTLS(apiCfg config.APIConfig) (*tls.Config, error) {
	certFile, keyFile := apiCfg.TLSCertFile, apiCfg.TLSKeyFile
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("tls enabled but tls_cert_file or tls_key_file is empty")
	}
	if _, err := os.Stat(certFile); os.IsNotExist(err) {
		log.Info().Str("cert", certFile).Msg("generating self-signed API certificate")
		if err := util.GenerateSelfSignedCert(certFile, keyFile); err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
	}

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleVersion)
	}

	auth := NewAuthMiddleware(s.cfg)
	protected := router.Group("/api")
	protected.Use(auth.IPWhitelist(), auth.RequireToken())
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/system", s.handleSystem)
		protected.GET("/connections", s.handleConnections)
		protected.GET("/listeners", s.handleListeners)

		protected.POST("/exec", s.handleExec)
		protected.GET("/values/:name", s.handleGetValue)
		protected.PUT("/values/:name", s.handleSetValue)
		protected.GET("/vars", s.handleVars)
		protected.GET("/console", s.handleConsole)
		protected.GET("/logs", s.handleLogs)

		protected.GET("/bans", s.handleListBans)
		protected.POST("/bans", s.handleAddBan)
		protected.DELETE("/bans/:address", s.handleRemoveBan)
		protected.GET("/failures", s.handleFailures)
		protected.GET("/audit", s.handleAudit)

		protected.GET("/config", s.handleGetConfig)
		protected.POST("/config/rcon", s.handleSetRconField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "rcond admin API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
