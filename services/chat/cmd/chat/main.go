package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"readvoice/internal/ratelimit"
	"readvoice/internal/usertoken"
	"readvoice/internal/util"
	"readvoice/services/chat/internal/app"
	"readvoice/services/chat/internal/config"
	"readvoice/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "chat")

	uploadTimeout, err := config.ParseUploadTimeout(cfg.UploadTimeout)
	if err != nil {
		log.Fatalf("failed to parse upload timeout: %v", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		window, err := config.ParseRateWindow(cfg.RateWindow)
		if err != nil {
			log.Fatalf("failed to parse rate window: %v", err)
		}
		limiter, err = ratelimit.NewFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimit, window)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioPublicURL: cfg.MinioPublicURL,
		MinioUseSSL:    cfg.MinioUseSSL,
		GeminiAPIKey:   cfg.GeminiAPIKey,
		ChatModel:      cfg.ChatModel,
		HistoryWindow:  cfg.HistoryWindow,
		UploadTimeout:  uploadTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		Limiter:       limiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
