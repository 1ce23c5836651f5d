package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/klinika/server/internal/auth"
	"github.com/klinika/server/internal/config"
	"github.com/klinika/server/internal/relay"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	r := relay.NewRelay(relay.Config{
		UpstreamURL:      cfg.VolcanoAPIURL,
		ResourceID:       cfg.VolcanoResourceID,
		AppKey:           cfg.VolcanoAppKey,
		AccessKey:        cfg.VolcanoAccessKey,
		OutboundProxyURL: cfg.OutboundProxyURL,
		JWTSecret:        []byte(cfg.RelayJWTSecret),
	}, logger)

	e.GET("/ws/recognition", r.Handle)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Session tokens for the browser, only when the gate is enabled.
	if cfg.RelayJWTSecret != "" {
		e.POST("/auth/session", func(c echo.Context) error {
			var body struct {
				UserID string `json:"user_id"`
			}
			if err := c.Bind(&body); err != nil || body.UserID == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
			}
			token, err := auth.GenerateSessionToken([]byte(cfg.RelayJWTSecret), body.UserID)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
			}
			return c.JSON(http.StatusOK, map[string]string{"token": token})
		})
	}

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Relay started", zap.String("port", cfg.Port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Relay is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Relay forced to shutdown", zap.Error(err))
	}

	logger.Info("Relay exited")
}
