package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/storm-alert-pipeline/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/storm-alert-pipeline/internal/adapter/kafka"
	"github.com/couchcryptid/storm-alert-pipeline/internal/adapter/nws"
	"github.com/couchcryptid/storm-alert-pipeline/internal/config"
	"github.com/couchcryptid/storm-alert-pipeline/internal/dedup"
	"github.com/couchcryptid/storm-alert-pipeline/internal/delivery"
	"github.com/couchcryptid/storm-alert-pipeline/internal/docstore"
	"github.com/couchcryptid/storm-alert-pipeline/internal/filter"
	"github.com/couchcryptid/storm-alert-pipeline/internal/notify"
	"github.com/couchcryptid/storm-alert-pipeline/internal/observability"
	"github.com/couchcryptid/storm-alert-pipeline/internal/pipeline"
	"github.com/couchcryptid/storm-alert-pipeline/internal/poll"
	"github.com/couchcryptid/storm-alert-pipeline/internal/postgres"
	"github.com/couchcryptid/storm-alert-pipeline/internal/priority"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
	"github.com/couchcryptid/storm-alert-pipeline/internal/state"
	"github.com/couchcryptid/storm-alert-pipeline/internal/subscriber"
	"github.com/couchcryptid/storm-alert-pipeline/internal/validate"
	"github.com/couchcryptid/storm-alert-pipeline/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	if err := run(cfg, logger, metrics); err != nil {
		logger.Error("alertd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: one document each for lifecycle state, the delivery queue
	// and the subscriber directory.
	docs, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	db := docs.db
	if db != nil {
		defer db.Close()
	}

	lifecycle := state.NewManager(docs.state, logger)
	if err := lifecycle.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	queue := delivery.NewQueue(docs.queue, delivery.RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.BackoffMultiplier,
		Jitter:       delivery.DefaultRetryPolicy().Jitter,
	}, logger)
	if err := queue.Load(ctx); err != nil {
		return fmt.Errorf("load delivery queue: %w", err)
	}

	// Notifications.
	recipients, err := notify.ParseRecipients(cfg.NotifyRecipients)
	if err != nil {
		return fmt.Errorf("NOTIFY_RECIPIENTS: %w", err)
	}
	evaluator := rules.NewEvaluator(0)
	subscribers := subscriber.NewManager(docs.subscribers, evaluator, logger)
	if err := subscribers.Load(ctx); err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}
	notifier := notify.NewNotifier(queue, lifecycle, recipients, logger, metrics)
	notifier.SetSubscribers(subscribers)

	dispatcher := delivery.NewDispatcher(queue, delivery.DispatcherConfig{
		Interval:    cfg.DeliveryInterval,
		Concurrency: cfg.MaxConcurrentDeliveries,
		SendTimeout: cfg.SendTimeout,
	}, logger, metrics)
	dispatcher.Register("log", delivery.NewRateLimited(delivery.NewLogChannel(logger), cfg.ChannelRateLimit))

	var publisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg.KafkaBrokers, cfg.KafkaNotifyTopic, logger)
		dispatcher.Register("kafka", delivery.NewRateLimited(publisher, cfg.ChannelRateLimit))
		logger.Info("kafka channel enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaNotifyTopic)
	}
	for _, r := range recipients {
		if !dispatcher.HasChannel(r.Channel) {
			logger.Warn("recipient channel not registered, deliveries will fail", "recipient", r.String())
		}
	}

	// Alert pipeline.
	chain, err := buildFilterChain(cfg, evaluator, logger)
	if err != nil {
		return err
	}

	dedupCfg := dedup.DefaultConfig()
	dedupCfg.Strategy = cfg.DedupStrategy
	dedupCfg.SimilarityThreshold = cfg.SimilarityThreshold
	dedupCfg.TimeWindow = cfg.TimeWindow

	validateCfg := validate.DefaultConfig()
	validateCfg.MinConfidence = cfg.MinConfidence

	engine, err := buildWorkflowEngine(cfg, evaluator, notifier, logger)
	if err != nil {
		return err
	}

	orchestrator := pipeline.New(pipelineConfig(cfg), logger, metrics)
	orchestrator.Register(pipeline.NewFilterProcessor(chain))
	orchestrator.RegisterBatch(pipeline.NewDedupProcessor(dedup.New(dedupCfg), metrics))
	orchestrator.Register(pipeline.NewPriorityProcessor(priority.New(priority.DefaultConfig())))
	orchestrator.Register(pipeline.NewValidationProcessor(validate.New(validateCfg, logger), metrics))
	orchestrator.Register(pipeline.NewWorkflowProcessor(engine, lifecycle, metrics))

	// Poll loop.
	coordinator := poll.New(newFeed(cfg, logger), orchestrator, lifecycle, notifier, poll.Config{
		Interval:       cfg.PollInterval,
		FeedTimeout:    cfg.FeedTimeout,
		StateRetention: cfg.StateRetention,
	}, logger, metrics)
	coordinator.AddSweep("deliveries", func(ctx context.Context) int {
		return queue.Cleanup(ctx, cfg.DeliveryRetention)
	})
	coordinator.AddSweep("executions", func(context.Context) int {
		return engine.Cleanup(cfg.StateRetention)
	})
	coordinator.AddHealth(queue)
	coordinator.AddHealth(subscribers)
	if db != nil {
		coordinator.AddHealth(db)
	}

	api := httpadapter.NewAPI(lifecycle, orchestrator, queue, engine, subscribers, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, coordinator, api, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the poll and delivery loops.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := coordinator.Run(ctx); err != nil {
			logger.Error("poll loop error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("delivery loop error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("loops did not stop before shutdown timeout")
	}

	if err := queue.Save(shutdownCtx); err != nil {
		logger.Error("delivery queue save error", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

type stores struct {
	state       docstore.Store
	queue       docstore.Store
	subscribers docstore.Store
	db          *postgres.DB // nil for file storage
}

// openStores returns PostgreSQL-backed documents when DATABASE_URL is set
// and local JSON files otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using file storage", "state_file", cfg.StateFile, "queue_file", cfg.QueueFile,
			"subscribers_file", cfg.SubscribersFile)
		return stores{
			state:       docstore.NewFile(cfg.StateFile),
			queue:       docstore.NewFile(cfg.QueueFile),
			subscribers: docstore.NewFile(cfg.SubscribersFile),
		}, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := postgres.Open(openCtx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("open postgres: %w", err)
	}
	logger.Info("using postgres storage")
	return stores{
		state:       db.Document(postgres.StateKey),
		queue:       db.Document(postgres.QueueKey),
		subscribers: db.Document(postgres.SubscribersKey),
		db:          db,
	}, nil
}

func newFeed(cfg *config.Config, logger *slog.Logger) poll.Feed {
	if cfg.FeedFile != "" {
		logger.Info("reading alerts from fixture file", "path", cfg.FeedFile)
		return nws.NewFileSource(cfg.FeedFile, logger)
	}
	logger.Info("polling alert feed", "url", cfg.FeedURL, "zones", cfg.FeedZones)
	return nws.NewClient(cfg.FeedURL, cfg.FeedUserAgent, cfg.FeedZones, cfg.FeedTimeout, logger)
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Concurrency:  cfg.MaxConcurrentProcessing,
		AlertTimeout: cfg.ProcessingTimeout,
	}
}

// defaultMaxAge bounds alert age when no FILTERS_FILE is configured.
const defaultMaxAge = 24 * time.Hour

// buildFilterChain loads FILTERS_FILE when set. Otherwise FEED_ZONES, when
// present, becomes a county allow-list, followed by a 24h max-age gate.
func buildFilterChain(cfg *config.Config, evaluator *rules.Evaluator, logger *slog.Logger) (*filter.Chain, error) {
	if cfg.FiltersFile != "" {
		chain, err := filter.LoadChainFile(cfg.FiltersFile, evaluator, logger)
		if err != nil {
			return nil, fmt.Errorf("FILTERS_FILE: %w", err)
		}
		return chain, nil
	}
	chain := filter.NewChain(logger)
	if len(cfg.FeedZones) > 0 {
		chain.Add(filter.NewGeographicFilter("feed_zones", cfg.FeedZones, nil))
	}
	maxAge := filter.NewTimeFilter("max_age")
	maxAge.MaxAge = defaultMaxAge
	chain.Add(maxAge)
	return chain, nil
}

// buildWorkflowEngine registers the built-in severe alert workflow, then any
// definitions in WORKFLOWS_DIR, which may replace it by id.
func buildWorkflowEngine(cfg *config.Config, evaluator *rules.Evaluator, notifier *notify.Notifier, logger *slog.Logger) (*workflow.Engine, error) {
	engine := workflow.NewEngine(evaluator, logger)
	engine.Handle(workflow.ActionNotification, notifier.ActionHandler(notify.KindWorkflow))
	engine.Handle(workflow.ActionEscalation, notifier.ActionHandler(notify.KindEscalation))

	if err := engine.Register(workflow.SevereAlertWorkflow()); err != nil {
		return nil, err
	}
	if cfg.WorkflowsDir == "" {
		return engine, nil
	}
	defs, err := workflow.LoadDefinitionDir(cfg.WorkflowsDir)
	if err != nil {
		return nil, fmt.Errorf("WORKFLOWS_DIR: %w", err)
	}
	for _, w := range defs {
		if err := engine.Register(w); err != nil {
			return nil, fmt.Errorf("WORKFLOWS_DIR: workflow %s: %w", w.ID, err)
		}
	}
	return engine, nil
}
