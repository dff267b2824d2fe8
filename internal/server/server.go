// Package server wires the relay's HTTP routes and runs the listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/handlers"
	"whatsapp-relay/internal/metrics"
	"whatsapp-relay/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

// Authenticator is what both the login routes and the auth middleware need.
type Authenticator interface {
	handlers.Authenticator
	middleware.TokenVerifier
}

// Deps are the collaborators the router serves.
type Deps struct {
	Config   *config.Config
	Auth     Authenticator
	Relay    handlers.Relay
	Previews handlers.Previewer
	Clients  handlers.ClientCounter
	// WebSocket serves /ws and authenticates on its own.
	WebSocket http.Handler
	// Metrics, when set, instruments the router and serves /metrics.
	Metrics *metrics.Metrics
	Log     waLog.Logger
	Started time.Time
}

// recoveryLogger adapts waLog to gorilla's RecoveryHandlerLogger.
type recoveryLogger struct{ log waLog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Errorf("Recovered from panic: %s", fmt.Sprint(v...))
}

// NewRouter builds the full handler chain. Routes are registered flat on
// one router so a known path with the wrong method answers 405.
func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	authHandler := &handlers.AuthHandler{Auth: d.Auth}
	waHandler := &handlers.WhatsAppHandler{Relay: d.Relay, MaxUpload: cfg.MaxUploadBytes(), Log: d.Log}
	previewHandler := &handlers.PreviewHandler{Previews: d.Previews, Log: d.Log}
	healthHandler := &handlers.HealthHandler{State: d.Relay, Clients: d.Clients, Started: d.Started}

	limit := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware
	requireAuth := middleware.Auth(d.Auth)
	public := func(h http.HandlerFunc) http.Handler { return limit(h) }
	private := func(h http.HandlerFunc) http.Handler { return limit(requireAuth(h)) }

	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)
	r.Use(middleware.Logging(d.Log))
	r.Use(middleware.SecurityHeaders(cfg.TLSEnabled()))
	if d.Metrics != nil {
		r.Use(d.Metrics.Instrument)
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	r.Handle("/ws", d.WebSocket).Methods(http.MethodGet)

	r.Handle("/api/health", public(healthHandler.Health)).Methods(http.MethodGet)
	r.Handle("/api/login", public(authHandler.Login)).Methods(http.MethodPost)
	r.Handle("/api/session", private(authHandler.Session)).Methods(http.MethodGet)
	r.Handle("/api/link-preview", private(previewHandler.LinkPreview)).Methods(http.MethodGet)

	r.Handle("/api/whatsapp/status", private(waHandler.Status)).Methods(http.MethodGet)
	r.Handle("/api/whatsapp/restart", private(waHandler.Restart)).Methods(http.MethodPost)
	r.Handle("/api/whatsapp/chats", private(waHandler.Chats)).Methods(http.MethodGet)
	r.Handle("/api/whatsapp/chat/{chatId}/messages", private(waHandler.Messages)).Methods(http.MethodGet)
	r.Handle("/api/whatsapp/chat/{chatId}/read", private(waHandler.MarkRead)).Methods(http.MethodPost)
	r.Handle("/api/whatsapp/send", private(waHandler.Send)).Methods(http.MethodPost)
	r.Handle("/api/whatsapp/send-media", private(waHandler.SendMedia)).Methods(http.MethodPost)
	r.Handle("/api/whatsapp/profile-picture/{chatId}", private(waHandler.ProfilePicture)).Methods(http.MethodGet)
	r.Handle("/api/whatsapp/media/{messageId}", private(waHandler.Media)).Methods(http.MethodGet)

	cors := ghandlers.CORS(
		ghandlers.AllowedOrigins(cfg.AllowedOrigins()),
		ghandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		ghandlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		ghandlers.MaxAge(600),
	)
	recovery := ghandlers.RecoveryHandler(
		ghandlers.RecoveryLogger(recoveryLogger{d.Log}),
		ghandlers.PrintRecoveryStack(true),
	)

	var h http.Handler = cors(r)
	// forwarded headers are client-controlled unless a proxy rewrites them,
	// and the rate limiter keys on the resulting address
	if cfg.TrustProxy {
		h = ghandlers.ProxyHeaders(h)
	}
	return recovery(h)
}

// Run serves handler on cfg.Addr until ctx is done, then shuts down
// gracefully. TLS is used when both certificate files are configured.
func Run(ctx context.Context, cfg *config.Config, handler http.Handler, log waLog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			log.Infof("🔒 HTTPS server listening on %s", srv.Addr)
			errc <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		log.Infof("🌐 HTTP server listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Infof("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
