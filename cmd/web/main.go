package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"modelchat/internal/authclient"
	"modelchat/internal/catalog"
	"modelchat/internal/chatstore"
	"modelchat/internal/config"
	"modelchat/internal/conversation"
	"modelchat/internal/ratelimit"
	"modelchat/internal/server"
	"modelchat/internal/usertoken"
	"modelchat/internal/util"
	"modelchat/pkg/ai"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var tokenVerifier *usertoken.Verifier
	if cfg.AuthJWKSURL != "" {
		tokenVerifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.AuthJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   leeway,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
	}

	store, err := chatstore.New(cfg.StoreURL)
	if err != nil {
		log.Fatalf("failed to init chat store: %v", err)
	}

	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	loginLimiter, err := ratelimit.New(cfg.StoreURL, "modelchat:ratelimit:login", loginLimit, time.Minute)
	if err != nil {
		log.Fatalf("failed to init login limiter: %v", err)
	}

	web := server.New(server.Config{
		Auth:             authclient.NewClient(cfg.AuthBaseURL),
		TokenVerifier:    tokenVerifier,
		Catalog:          catalog.NewClient(cfg.CatalogBaseURL),
		Store:            store,
		Conversations:    conversation.NewManager(),
		Streamer:         ai.NewOpenAICompatStreamer(cfg.ModelAPIKey),
		AnonymousAllowed: cfg.AnonymousAllowed,
		CookieSecure:     cfg.CookieSecure,
		LoginLimiter:     loginLimiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     web.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("server listening", "addr", addr, "anonymous_allowed", cfg.AnonymousAllowed)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
