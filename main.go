package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/config"
	"github.com/inboxloop/mailsync/internal/identity"
	natsjs "github.com/inboxloop/mailsync/internal/nats"
	"github.com/inboxloop/mailsync/internal/providers/gmail"
	"github.com/inboxloop/mailsync/internal/sink"
	"github.com/inboxloop/mailsync/internal/store"
	"github.com/inboxloop/mailsync/internal/syncx"
	"github.com/inboxloop/mailsync/internal/token"
	"github.com/inboxloop/mailsync/internal/userlock"
	"github.com/inboxloop/mailsync/internal/watch"
	"github.com/inboxloop/mailsync/internal/webhook"
)

func main() {
	root := &cobra.Command{
		Use:          "mailsync",
		Short:        "Gmail change-stream ingestion service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	flags := root.Flags()
	flags.String("listen-addr", ":8080", "HTTP listen address")
	flags.String("data-dir", "data", "directory for sqlite databases")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	flags.String("pubsub-topic", "", "Pub/Sub topic for Gmail watch registrations")
	flags.String("push-audience", "", "expected audience of push OIDC tokens")
	flags.Bool("verify-push", true, "verify OIDC tokens on inbound push requests")
	flags.String("idp-jwks-url", "", "JWKS URL of the session identity provider")
	flags.String("idp-issuer", "", "expected issuer of session tokens")
	flags.String("google-client-id", "", "Google OAuth client id")
	flags.String("google-client-secret", "", "Google OAuth client secret")
	flags.String("google-redirect-url", "", "OAuth redirect URL")
	flags.StringSlice("google-scopes", nil, "OAuth scopes to request")
	flags.Int("sync-workers", 4, "sync worker count")
	flags.Int("queue-size", 256, "sync task queue size")
	flags.String("redis-addr", "", "redis address for cross-process user locks (empty for in-process)")
	flags.Duration("lease-ttl", 5*time.Minute, "redis lock lease TTL")

	viper.SetEnvPrefix("APP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "mailsync.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	recordSink, err := sink.Open(filepath.Join(cfg.DataDir, "records.db"), logger)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer recordSink.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	var locker userlock.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = userlock.NewRedisLeaseLocker(rdb, cfg.LeaseTTL)
		logger.Info("using redis user locks", zap.String("addr", cfg.RedisAddr))
	} else {
		locker = userlock.NewKeyedLocker()
	}

	oauthClient := token.NewGoogleOAuthClient(token.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       cfg.GoogleScopes,
	})
	tokens := token.NewManager(st, oauthClient, locker, logger)

	provider := gmail.New()
	watcher := watch.NewManager(st, provider, tokens, locker, cfg.PubSubTopic, logger)
	engine := syncx.NewEngine(st, provider, recordSink, tokens, watcher, logger)
	dispatcher := syncx.NewDispatcher(engine, locker, logger, cfg.SyncWorkers, cfg.QueueSize)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	var pushVerifier webhook.RequestVerifier
	if cfg.VerifyPush {
		v, err := webhook.NewPushVerifier(ctx, cfg.PushAudience)
		if err != nil {
			return fmt.Errorf("init push verifier: %w", err)
		}
		pushVerifier = v
	}
	receiver := webhook.NewReceiver(st, dispatcher, pushVerifier, logger)

	sessions, err := identity.NewVerifier(ctx, cfg.IdPJWKSURL, cfg.IdPIssuer)
	if err != nil {
		return fmt.Errorf("init identity verifier: %w", err)
	}

	go watcher.RunSweeper(ctx)
	go recordSink.RunOutboxDispatcher(ctx, publisher)

	router := buildRouter(receiver, sessions, tokens, watcher, dispatcher, recordSink, locker, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

func buildRouter(
	receiver *webhook.Receiver,
	sessions *identity.Verifier,
	tokens *token.Manager,
	watcher *watch.Manager,
	dispatcher *syncx.Dispatcher,
	recordSink *sink.Sink,
	locker userlock.Locker,
	logger *zap.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Push deliveries authenticate with their own OIDC token, not a session.
	router.POST("/webhook/gmail", receiver.Handle)

	authed := router.Group("/", identity.Middleware(sessions))

	authed.GET("/auth/gmail/start", func(c *gin.Context) {
		user, _ := identity.UserFrom(c)
		nonce, authURL, err := tokens.StartAuthorization(c.Request.Context(), user.ID)
		if err != nil {
			logger.Error("start authorization", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"auth_url": authURL, "state": nonce})
	})

	authed.GET("/auth/gmail/callback", func(c *gin.Context) {
		user, _ := identity.UserFrom(c)
		nonce := c.Query("state")
		code := c.Query("code")
		if nonce == "" || code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state and code are required"})
			return
		}
		if err := tokens.CompleteAuthorization(c.Request.Context(), user.ID, nonce, code); err != nil {
			switch {
			case errors.Is(err, token.ErrInvalidFlowState):
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired authorization state"})
			case errors.Is(err, token.ErrGrantExchangeFailed):
				c.JSON(http.StatusBadGateway, gin.H{"error": "authorization code exchange failed"})
			default:
				logger.Error("complete authorization", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to complete authorization"})
			}
			return
		}
		// Register the change stream right away so notifications start
		// flowing without waiting for the sweeper.
		if err := locker.WithUserLock(c.Request.Context(), user.ID, func(ctx context.Context) error {
			return watcher.EnsureWatch(ctx, user.ID)
		}); err != nil {
			logger.Warn("watch registration after connect failed, sweeper will retry",
				zap.String("user_id", user.ID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"connected": true})
	})

	authed.GET("/auth/gmail/status", func(c *gin.Context) {
		user, _ := identity.UserFrom(c)
		status, err := tokens.ConnectionStatus(c.Request.Context(), user.ID)
		if err != nil {
			logger.Error("connection status", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load status"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	authed.POST("/auth/gmail/disconnect", func(c *gin.Context) {
		user, _ := identity.UserFrom(c)
		if err := tokens.Disconnect(c.Request.Context(), user.ID); err != nil {
			if errors.Is(err, token.ErrNotConnected) {
				c.JSON(http.StatusConflict, gin.H{"error": "not connected"})
				return
			}
			logger.Error("disconnect", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"disconnected": true})
	})

	authed.POST("/gmail/watch", func(c *gin.Context) {
		user, _ := identity.UserFrom(c)
		err := locker.WithUserLock(c.Request.Context(), user.ID, func(ctx context.Context) error {
			return watcher.EnsureWatch(ctx, user.ID)
		})
		if err != nil {
			if errors.Is(err, token.ErrNotConnected) {
				c.JSON(http.StatusConflict, gin.H{"error": "not connected"})
				return
			}
			logger.Error("ensure watch", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register watch"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"watch": "active"})
	})

	authed.POST("/gmail/sync", func(c *gin.Context) {
		user, _ := identity.UserFrom(c)
		if !dispatcher.Enqueue(user.ID, "") {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync queue full"})
			return
		}
		count, err := recordSink.CountRecords(c.Request.Context(), user.ID)
		if err != nil {
			logger.Error("count records", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read record count"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "records": count})
	})

	return router
}
