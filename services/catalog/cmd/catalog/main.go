package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"librarycatalog/internal/util"
	"librarycatalog/pkg/notify"
	"librarycatalog/pkg/queue"
	"librarycatalog/services/catalog/internal/app"
	"librarycatalog/services/catalog/internal/config"
	"librarycatalog/services/catalog/internal/security"
	"librarycatalog/services/catalog/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		util.Fatal("failed to parse session TTL", "err", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	notifyTimeout, err := config.ParseDuration("notifyTimeout", cfg.NotifyTimeout)
	if err != nil {
		util.Fatal("failed to parse notify timeout", "err", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		util.Fatal("failed to parse jwt verify public keys", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	sender, err := newSender(cfg)
	if err != nil {
		util.Fatal("failed to init mail sender", "err", err)
	}
	outbox, closeOutbox, err := newOutbox(ctx, g, cfg, sender)
	if err != nil {
		util.Fatal("failed to init mail queue", "err", err)
	}
	defer closeOutbox()

	dispatcher := notify.NewDispatcher(outbox, notify.DispatcherConfig{
		Workers: cfg.NotifyWorkers,
		Buffer:  cfg.NotifyBuffer,
		Timeout: notifyTimeout,
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		SessionTTL:          sessionTTL,
		JWTSecret:           cfg.JWTSecret,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTPublicKeyPath:    cfg.JWTPublicKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           jwtLeeway,
		BcryptCost:          cfg.BcryptCost,
		MaxActiveLoans:      cfg.MaxActiveLoans,
		AllowDuplicateLoans: cfg.AllowDuplicateLoans,
		Notifier:            dispatcher,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()

	alerter := security.NewRedisAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "catalog:alerts")
	defer alerter.Close()

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		TrustedProxies:             cfg.TrustedProxies,
		Alerter:                    alerter,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("catalog server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		return
	}
	sent, failed, dropped := dispatcher.Stats()
	slog.Info("catalog server stopped", "mail_sent", sent, "mail_failed", failed, "mail_dropped", dropped)
}

func newSender(cfg config.FileConfig) (notify.Sender, error) {
	switch cfg.NotifySender {
	case "smtp":
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	default:
		return notify.LogSender{}, nil
	}
}

// newOutbox returns the Sender the dispatcher hands mail to. For redis and
// amqp it is a durable queue whose consumer, started on g, delivers to sender.
func newOutbox(ctx context.Context, g *errgroup.Group, cfg config.FileConfig, sender notify.Sender) (notify.Sender, func(), error) {
	workers := cfg.NotifyWorkers
	switch cfg.NotifyQueue {
	case "redis":
		q, err := queue.NewRedisMailQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.RedisStream,
		})
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			return q.Run(ctx, workers, sender)
		})
		return q, func() { _ = q.Close() }, nil
	case "amqp":
		q, err := queue.NewAMQPMailQueue(queue.AMQPQueueConfig{
			URL:   cfg.AMQPURL,
			Queue: cfg.AMQPQueue,
		})
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			return q.Run(ctx, workers, sender)
		})
		return q, func() { _ = q.Close() }, nil
	default:
		return sender, func() {}, nil
	}
}
