package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sirupsen/logrus"

	"tg_classifier_bot/internal/classifier"
	"tg_classifier_bot/internal/config"
	"tg_classifier_bot/internal/credential"
	"tg_classifier_bot/internal/health"
	"tg_classifier_bot/internal/logging"
	"tg_classifier_bot/internal/router"
	"tg_classifier_bot/internal/session"
	"tg_classifier_bot/internal/store"
	"tg_classifier_bot/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	healthShutdownTimeout   = 5 * time.Second
)

var processStart = time.Now()

// credentialBackend is a repository the health endpoint can also probe.
type credentialBackend interface {
	credential.Repository
	health.StoreChecker
}

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":              "startup",
		"store_backend":      cfg.StoreBackend,
		"classifier_backend": cfg.ClassifierBackend,
		"webhook":            cfg.UsesWebhook(),
	}).Info("configuration loaded")

	backend, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("credential store setup error")
		fmt.Fprintf(os.Stderr, "credential store setup error: %v\n", err)
		os.Exit(1)
	}
	defer closeBackend()

	credentials, err := credential.NewStore(backend, credential.NewBcryptHasher(cfg.BcryptCost), logger)
	if err != nil {
		logger.WithError(err).Error("credential store setup error")
		fmt.Fprintf(os.Stderr, "credential store setup error: %v\n", err)
		os.Exit(1)
	}

	model, err := newClassifier(cfg)
	if err != nil {
		logger.WithError(err).Error("classifier setup error")
		fmt.Fprintf(os.Stderr, "classifier setup error: %v\n", err)
		os.Exit(1)
	}

	classifierEntry := logger.WithField("event", "classifier_ready")
	if d, ok := model.(interface{ Info() string }); ok {
		classifierEntry = classifierEntry.WithField("classifier", d.Info())
	}
	classifierEntry.Info("classifier initialized")

	sessions := session.NewMachine()

	rt, err := router.New(credentials, sessions, model, logger, router.WithClassifyTimeout(cfg.ClassifyTimeout))
	if err != nil {
		logger.WithError(err).Error("router setup error")
		fmt.Fprintf(os.Stderr, "router setup error: %v\n", err)
		os.Exit(1)
	}

	tgClient, err := telegram.NewClient(cfg, rt, logger)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	healthOpts := []health.Option{
		health.WithSessionCounter(sessions),
		health.WithStartTime(processStart),
	}
	if cfg.UsesTLS() {
		healthOpts = append(healthOpts, health.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
	}
	healthServer := health.NewServer(cfg.HTTPPort, backend, logger, healthOpts...)
	if tgClient.UsesWebhook() {
		healthServer.Handle(tgClient.WebhookPath(), tgClient.WebhookHandler())
	}

	healthErr := make(chan error, 1)
	go func() {
		healthErr <- healthServer.ListenAndServe()
	}()

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		defer close(tgDone)
		if err := tgClient.Start(telegramCtx); err != nil {
			logger.WithField("event", "telegram_start_error").WithError(err).Error("telegram client failed")
		}
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram updates")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	case err := <-healthErr:
		logger.WithField("event", "health_stopped_early").WithError(err).Error("health server stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

// openBackend returns the configured credential repository and its cleanup.
func openBackend(cfg config.Config, logger *logrus.Entry) (credentialBackend, func(), error) {
	if cfg.StoreBackend != config.StoreMongo {
		repo, err := store.OpenFile(cfg.StorePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	manager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connection: %w", err)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	closeManager := func() {
		ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		defer cancel()
		if err := manager.Close(ctx); err != nil {
			logger.WithError(err).Error("mongo disconnect error")
			return
		}
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = manager.EnsureIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		closeManager()
		return nil, nil, fmt.Errorf("mongo index setup: %w", err)
	}

	logger.WithField("event", "mongo_indexes").Info("ensured credential indexes")

	return store.NewMongoRepository(manager.Credentials(), manager), closeManager, nil
}

func newClassifier(cfg config.Config) (classifier.Classifier, error) {
	switch cfg.ClassifierBackend {
	case config.ClassifierOpenAI:
		return classifier.NewOpenAI(func(o *classifier.OpenAIOptions) {
			o.APIKey = cfg.OpenAIAPIKey
			if cfg.OpenAIModel != "" {
				o.Model = cfg.OpenAIModel
			}
		}), nil
	case config.ClassifierAnthropic:
		return classifier.NewAnthropic(func(o *classifier.AnthropicOptions) {
			o.APIKey = cfg.AnthropicAPIKey
			if cfg.AnthropicModel != "" {
				o.Model = anthropic.Model(cfg.AnthropicModel)
			}
		}), nil
	default:
		return classifier.NewModelServer(func(o *classifier.ModelServerOptions) {
			o.BaseURL = cfg.ModelServerURL
			o.Model = cfg.ModelName
			o.Timeout = cfg.ClassifyTimeout
		})
	}
}
