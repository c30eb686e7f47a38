// Package api wires together all HTTP routes for the state backend service.
//
// Route grouping philosophy:
//   - Remote protocol routes (/remote/:backend/:workspace) speak the exact
//     dialect Terraform's builtin "http" backend expects, including the
//     nonstandard LOCK and UNLOCK methods. Their request and response shapes
//     are fixed by the client and cannot carry the management API's envelopes.
//   - Management routes (/api/v1/) expose everything the protocol surface
//     cannot: backend registration, version history, rollback, backups,
//     force-unlock, and the lock audit trail.
//
// Both surfaces call the same services.Manager, so locking, integrity checks,
// and audit shipping behave identically no matter which door a write comes
// through.
package api

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/tfstate-backend/tfstate-backend/internal/api/manage"
	"github.com/tfstate-backend/tfstate-backend/internal/api/remote"
	"github.com/tfstate-backend/tfstate-backend/internal/audit"
	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/crypto"
	"github.com/tfstate-backend/tfstate-backend/internal/db/repositories"
	"github.com/tfstate-backend/tfstate-backend/internal/jobs"
	"github.com/tfstate-backend/tfstate-backend/internal/locking"
	"github.com/tfstate-backend/tfstate-backend/internal/middleware"
	"github.com/tfstate-backend/tfstate-backend/internal/safego"
	"github.com/tfstate-backend/tfstate-backend/internal/services"
	"github.com/tfstate-backend/tfstate-backend/internal/statestore"
	"github.com/tfstate-backend/tfstate-backend/internal/storage"
	"github.com/tfstate-backend/tfstate-backend/internal/telemetry"

	// Import storage providers to register them
	_ "github.com/tfstate-backend/tfstate-backend/internal/storage/azure"
	_ "github.com/tfstate-backend/tfstate-backend/internal/storage/gcs"
	_ "github.com/tfstate-backend/tfstate-backend/internal/storage/local"
	_ "github.com/tfstate-backend/tfstate-backend/internal/storage/s3"
)

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	retentionSweeper *jobs.RetentionSweeper
	auditShipper     *audit.MultiShipper
	redisClient      *redis.Client
}

// Shutdown stops all background goroutines and flushes buffered audit events.
// It should be called after the HTTP server has been shut down so that
// in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.retentionSweeper != nil {
		bg.retentionSweeper.Stop()
	}
	if bg.auditShipper != nil {
		if err := bg.auditShipper.Close(); err != nil {
			slog.Warn("audit shipper close", "error", err)
		}
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("redis client close", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Initialize the object store behind the state store
	objects, err := storage.NewObjectStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}
	log.Printf("Initialized storage provider: %s", cfg.Storage.DefaultProvider)

	// State-at-rest encryption; nil cipher means plaintext storage
	cipher, err := crypto.FromConfig(&cfg.Encryption)
	if err != nil {
		log.Fatalf("Failed to initialize state encryption: %v", err)
	}
	if cipher != nil {
		log.Println("State encryption enabled (AES-256-GCM)")
	}

	store := statestore.New(objects, cfg.Storage.BucketPrefix, statestore.Options{
		Cipher: cipher,
	})

	// Initialize repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	backendRepo := repositories.NewBackendRepository(sqlxDB)
	lockAuditRepo := repositories.NewLockAuditRepository(db)

	// Connect the lock coordinator. The audit repository doubles as the
	// force-unlock recorder so lazy expiries land in the same trail.
	redisClient, err := locking.NewClient(context.Background(), &cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to coordination store at %s", cfg.Redis.Addr)
	telemetry.StartRedisPoolStatsCollector(redisClient)

	coordinator := locking.New(redisClient, locking.Options{
		KeyPrefix:  cfg.Locking.KeyPrefix,
		DefaultTTL: time.Duration(cfg.Locking.DefaultTimeoutSeconds) * time.Second,
		MaxTTL:     time.Duration(cfg.Locking.MaxTimeoutSeconds) * time.Second,
		Recorder:   lockAuditRepo,
	})

	// Audit event shipping (no-op when audit.enabled is false)
	shipper, err := audit.FromConfig(&cfg.Audit)
	if err != nil {
		log.Fatalf("Failed to initialize audit shippers: %v", err)
	}

	manager := services.NewManager(store, coordinator, backendRepo, lockAuditRepo, services.ManagerOptions{
		DefaultEnvironment:  cfg.State.DefaultEnvironment,
		MinTerraformVersion: cfg.State.MinTerraformVersion,
		LogReadOperations:   cfg.Audit.LogReadOperations,
		Shipper:             shipper,
	})

	// Start the retention sweep; it exits immediately when retention is disabled.
	sweeper := jobs.NewRetentionSweeper(backendRepo, manager, &cfg.Retention, cfg.State.DefaultVersionRetention, slog.Default())
	safego.Go("retention-sweeper", func() { sweeper.Start(context.Background()) })

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db, redisClient))

	// Readiness check endpoint (includes object storage probe)
	router.GET("/ready", readinessHandler(db, redisClient, objects, store.BackupBucketName()))

	// API version
	router.GET("/version", versionHandler())

	// Terraform http backend protocol
	remote.NewHandler(manager).Register(router.Group("/remote"))

	// Management API
	h := manage.NewHandler(manager, backendRepo, lockAuditRepo)
	api := router.Group("/api/v1")
	{
		api.POST("/backends", h.CreateBackend)
		api.GET("/backends", h.ListBackends)
		api.GET("/backends/:backend", h.GetBackend)
		api.PATCH("/backends/:backend", h.UpdateBackend)
		api.DELETE("/backends/:backend", h.DeleteBackend)
		api.GET("/backends/:backend/workspaces", h.ListWorkspaces)

		ws := api.Group("/backends/:backend/workspaces/:workspace")
		{
			ws.GET("/state", h.GetState)
			ws.PUT("/state", h.UpdateState)
			ws.DELETE("/state", h.DeleteState)
			ws.GET("/state/info", h.GetStateInfo)

			ws.GET("/versions", h.ListVersions)
			ws.GET("/versions/:version/state", h.GetVersionState)
			ws.POST("/versions/cleanup", h.CleanupVersions)
			ws.POST("/rollback", h.RollbackState)

			ws.POST("/lock", h.AcquireLock)
			ws.GET("/lock", h.LockStatus)
			ws.DELETE("/lock", h.ReleaseLock)
			ws.POST("/lock/extend", h.ExtendLock)
			ws.POST("/lock/force-unlock", h.ForceUnlock)

			ws.POST("/backups", h.CreateBackup)
			ws.GET("/backups", h.ListBackups)
			ws.POST("/backups/:backup/restore", h.RestoreBackup)

			ws.GET("/audit", h.WorkspaceAudit)
		}

		api.GET("/locks", h.ListLocks)
		api.GET("/audit", h.RecentAudit)
	}

	return router, &BackgroundServices{
		retentionSweeper: sweeper,
		auditShipper:     shipper,
		redisClient:      redisClient,
	}
}

// @Summary      Health check
// @Description  Returns liveness of the service and its two hard dependencies, the database and the coordination store.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: which dependency failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		// Check the coordination store; without it every lock call fails
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "coordination store connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database, coordination store, and object storage connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks per dependency"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: which dependency is not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also probes object storage so that
// a Kubernetes readiness gate fails when state reads and writes would error.
func readinessHandler(db *sql.DB, rdb *redis.Client, objects storage.ObjectStore, probeBucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Check database connection
		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Check the coordination store
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			checks["coordination"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "coordination store not ready",
			})
			return
		}
		checks["coordination"] = "healthy"

		// Probe object storage with a bucket-existence check. It exercises
		// authentication and network connectivity without writing anything,
		// and a missing bucket is still a healthy answer.
		if _, err := objects.BucketExists(c.Request.Context(), probeBucket); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "object storage not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current API version and the remote state protocol dialect.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version, protocols"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
			"protocols": gin.H{
				"remote_state": "http",
			},
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		// Log the request
		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID := c.GetString(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", requestID),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// reuse the same structured output; slog will emit text format when the
	// global handler is a TextHandler (configured in telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
			if len(cfg.Security.CORS.AllowedMethods) > 0 {
				methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With, X-Lock-ID, X-Actor")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
