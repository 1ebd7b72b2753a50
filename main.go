package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/navibridge/navibridge/handlers"
	"github.com/navibridge/navibridge/internal/api"
	"github.com/navibridge/navibridge/internal/auth"
	"github.com/navibridge/navibridge/internal/bridge"
	"github.com/navibridge/navibridge/internal/cloud"
	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/sessions"
	"github.com/navibridge/navibridge/internal/store"
	"github.com/navibridge/navibridge/pkg/logger"
	"github.com/navibridge/navibridge/pkg/metrics"
	"github.com/navibridge/navibridge/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

func main() {
	// initialize logging (can be controlled with LOG_LEVEL env: debug|info|warn|error|fatal)
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)
	logger.Debugf("startup: LOG_LEVEL=%s", logger.LevelString())
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	logger.Infof("config loaded: authMode=%s store=%s user=%s", cfg.Navien.AuthMode, cfg.Store.Backend, cfg.Navien.Username)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatalf("failed to open state store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("closing state store: %v", err)
		}
	}()

	manager := sessions.NewManager(cfg.Navien, auth.NewClient(cfg.Vendor), st)
	apiClient := api.NewClient(cfg.Vendor, manager)
	svc := bridge.NewService(manager, apiClient, func(u credentials.UserIdentity) bridge.EventChannel {
		return cloud.NewChannel(cloud.NewMQTTTransport(cfg.Vendor, u.HomeSeq), manager)
	})
	defer svc.Close()

	// bootstrap in the background; API calls retry Ready until it succeeds
	go func() {
		if err := svc.Ready(ctx); err != nil {
			if apperrors.IsConfiguration(err) {
				logger.Errorf("session bootstrap failed, fix the configuration and restart: %v", err)
				return
			}
			logger.Errorf("session bootstrap failed, will retry on the next request: %v", err)
			return
		}
		if _, err := svc.Devices(ctx); err != nil {
			logger.Warnf("initial device discovery failed: %v", err)
		}
	}()

	r := newRouter(cfg, st, svc)
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("Starting bridge on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("server shutdown: %v", err)
	}
}

func newRouter(cfg *config.Config, st store.Store, svc *bridge.Service) *gin.Engine {
	r := gin.New()

	// Lightweight CORS middleware: set common headers and respond to OPTIONS.
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	// readiness: 200 only once the session is ready and the broker channel runs
	r.GET("/ready", func(c *gin.Context) {
		status := svc.Status()
		body := gin.H{
			"session": status.Session.State,
			"broker":  status.Broker,
			"uptime":  time.Since(startTime).String(),
		}
		if !svc.IsReady() {
			body["status"] = "not_ready"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["status"] = "ready"
		c.JSON(http.StatusOK, body)
	})

	handlers.RegisterSwagger(r)

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if cfg.Server.APIToken != "" {
		v1.Use(middleware.AuthMiddleware(middleware.StaticToken{Token: cfg.Server.APIToken}))
	} else {
		logger.Warnf("BRIDGE_API_TOKEN is not set; /api/v1 is unauthenticated")
	}
	if cfg.Server.RPS > 0 {
		// share the window across replicas when state already lives in Redis
		if rs, ok := st.(*store.RedisStore); ok {
			v1.Use(middleware.RedisRateLimitMiddleware(rs.Client(), cfg.Store.Prefix, cfg.Server.RPS, cfg.Server.Burst, time.Second))
		} else {
			v1.Use(middleware.RateLimitMiddleware("bridge", cfg.Server.RPS, cfg.Server.Burst))
		}
	}
	handlers.NewDeviceHandler(svc).Register(v1)
	return r
}
