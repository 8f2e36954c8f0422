package functions

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/auth"
	"github.com/weldqai/weldqai-functions/internal/functions/billing"
	"github.com/weldqai/weldqai-functions/internal/functions/push"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
	"github.com/weldqai/weldqai-functions/internal/logging"
)

const component = "weldqai-functions"

// Run starts the functions HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: component,
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: component,
	})

	log.Info().Str("version", version).Msg("Starting WeldQAi functions")

	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tokens, err := auth.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID)
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	sender, err := newPushSender(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init push sender: %w", err)
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   cfg,
		Store:    st,
		Provider: billing.NewStripeProvider(cfg.StripeSecretKey),
		Tokens:   tokens,
		Inbox:    push.NewInbox(st, sender),
		Version:  version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logging.Middleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pruner := billing.NewEventPruner(st, cfg.EventRetention)
	go pruner.Run(ctx)

	go func() {
		log.Info().Str("addr", addr).Msg("Functions server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Functions server stopped")
	return nil
}

func newPushSender(ctx context.Context, cfg *Config) (push.Sender, error) {
	if cfg.FCMCredentialsFile == "" {
		log.Info().Msg("Push sender: log-only (set FCM_CREDENTIALS_FILE to enable)")
		return push.LogSender{}, nil
	}
	data, err := os.ReadFile(cfg.FCMCredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read FCM credentials: %w", err)
	}
	sender, err := push.NewFCMSender(ctx, cfg.FirebaseProjectID, data)
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", cfg.FirebaseProjectID).Msg("Push sender configured (FCM)")
	return sender, nil
}

// PruneEvents deletes processed webhook event records older than the
// configured retention and returns how many were removed.
func PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cfg, err := LoadStoreConfig()
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}
	if retention <= 0 {
		retention = cfg.EventRetention
	}

	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return billing.NewEventPruner(st, retention).PruneOnce(ctx)
}
