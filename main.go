package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/logging"
	"whatsapp-relay/internal/metrics"
	"whatsapp-relay/internal/preview"
	"whatsapp-relay/internal/server"
	"whatsapp-relay/internal/users"
	"whatsapp-relay/internal/webhook"
	"whatsapp-relay/internal/whatsapp"
	"whatsapp-relay/internal/ws"
)

const linkPreviewTimeout = 10 * time.Second

func main() {
	started := time.Now()

	// .env is optional, the environment wins
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "console", os.Stderr).Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Infof("🚀 Starting WhatsApp relay...")

	// Credential store: missing is empty, unreadable is fatal
	store := users.NewFileStore(cfg.UsersFile)
	if err := store.Load(); err != nil {
		logger.Errorf("Failed to read credential store %s: %v", cfg.UsersFile, err)
		os.Exit(1)
	}
	if store.Count() == 0 {
		logger.Warnf("No users in %s, create one with: createuser <username> <password>", cfg.UsersFile)
	}

	secret, err := auth.LoadSecret(cfg.JWTSecret, cfg.JWTSecretFile)
	if err != nil {
		logger.Errorf("Failed to load token secret: %v", err)
		os.Exit(1)
	}
	authService := auth.NewService(store, secret, cfg.TokenTTL, logger.Sub("Auth"))

	// whatsmeow keeps its keys and device identity in sqlite
	container, err := whatsapp.OpenStore(context.Background(), cfg.SessionDB, logger.Sub("Database"))
	if err != nil {
		logger.Errorf("Failed to open session store: %v", err)
		os.Exit(1)
	}

	var qrOut io.Writer
	if cfg.QRTerminal {
		qrOut = os.Stdout
	}
	waLogger := logger.Sub("WhatsApp")
	driver := whatsapp.NewMeowDriver(container, waLogger, qrOut)

	hub := ws.NewHub(logger.Sub("WS"))
	stats := metrics.New()
	stats.WatchClients(hub)

	manager := whatsapp.NewManager(driver, stats.Observe(hub), waLogger, whatsapp.Options{
		MaxQRAttempts:        cfg.MaxQRAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		RestartDelay:         cfg.RestartDelay,
		MessageBuffer:        cfg.MessageBuffer,
		ProfilePictureTTL:    cfg.ProfilePictureTTL,
		QRRenderer:           whatsapp.QRDataURL,
	})

	if cfg.WebhookURL != "" {
		forwarder := webhook.New(cfg.WebhookURL, cfg.WebhookTimeout, manager, logger.Sub("Webhook"))
		forwarder.Recorder = stats
		manager.AddListener(forwarder)
		logger.Infof("Forwarding incoming messages to %s", cfg.WebhookURL)
	}

	// hub and manager outlive the HTTP server so shutdown can drain requests
	runCtx, stopRuntime := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	managerDone := make(chan struct{})
	go func() {
		hub.Run(runCtx)
		close(hubDone)
	}()
	go func() {
		manager.Run(runCtx)
		close(managerDone)
	}()

	if err := manager.Initialize(runCtx); err != nil {
		// the manager keeps retrying on its own
		logger.Warnf("WhatsApp initialization failed: %v", err)
	}

	wsHandler := ws.NewHandler(hub, manager, authService, logger.Sub("WS"), cfg.PollInterval, cfg.AllowedOrigins())
	wsHandler.MessageBuffer = cfg.MessageBuffer

	router := server.NewRouter(server.Deps{
		Config:    cfg,
		Auth:      authService,
		Relay:     manager,
		Previews:  preview.NewFetcher(linkPreviewTimeout),
		Clients:   hub,
		WebSocket: wsHandler,
		Metrics:   stats,
		Log:       logger.Sub("HTTP"),
		Started:   started,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	if err := server.Run(ctx, cfg, router, logger.Sub("HTTP")); err != nil {
		logger.Errorf("Server error: %v", err)
		exitCode = 1
	}

	logger.Infof("👋 Shutting down...")
	stopRuntime()
	<-hubDone
	<-managerDone
	os.Exit(exitCode)
}
