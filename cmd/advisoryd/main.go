package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"A2A-Advisory/internal/api"
	"A2A-Advisory/internal/capability"
	"A2A-Advisory/internal/config"
	"A2A-Advisory/internal/confirm"
	"A2A-Advisory/internal/history"
	"A2A-Advisory/internal/intent"
	"A2A-Advisory/internal/orchestrator"
	"A2A-Advisory/internal/telemetry"
	"A2A-Advisory/pkg/logger"
)

// main 是咨询守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("advisoryd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ADVISORY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "advisory.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	invoker, err := buildInvoker(cfg)
	if err != nil {
		return err
	}

	classifier, err := buildClassifier(cfg)
	if err != nil {
		return err
	}

	confirmations, err := buildConfirmationStore(cfg)
	if err != nil {
		return err
	}
	defer confirmations.Close()

	historyRepo, err := buildHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer historyRepo.Close()

	sink, err := buildTelemetry(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	engine, err := orchestrator.New(orchestrator.Config{
		Classifier:    classifier,
		Invoker:       invoker,
		Confirmations: confirmations,
		History:       historyRepo,
		Telemetry:     sink,
		Ceiling:       time.Duration(cfg.Budget.CeilingMS) * time.Millisecond,
		Tail:          time.Duration(cfg.Budget.TailMS) * time.Millisecond,
		ConfirmTTL:    time.Duration(cfg.Confirmations.TTLSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	logger.L().Info("advisoryd 启动", "address", cfg.Server.Address)
	server := api.NewServer(cfg.Server.Address, engine)
	return server.Start(ctx)
}

// buildInvoker 根据目录文件与配置覆盖组装专家能力端点。
func buildInvoker(cfg *config.Config) (capability.Invoker, error) {
	endpoints := make(map[capability.Kind]string)
	if cfg.Capabilities.CatalogPath != "" {
		loaded, err := capability.LoadCatalog(cfg.Capabilities.CatalogPath)
		if err != nil {
			return nil, err
		}
		for kind, endpoint := range loaded {
			endpoints[kind] = endpoint
		}
	}
	for rawKind, endpoint := range cfg.Capabilities.Endpoints {
		kind := capability.Kind(rawKind)
		if !capability.IsValidKind(kind) {
			return nil, fmt.Errorf("未知的能力类型: %s", rawKind)
		}
		endpoints[kind] = endpoint
	}
	return capability.NewHTTPClient(endpoints)
}

func buildClassifier(cfg *config.Config) (intent.Client, error) {
	switch cfg.Classifier.Driver {
	case "", "rule":
		return intent.NewRuleClassifier(), nil
	case "http":
		return intent.NewHTTPClassifier(cfg.Classifier.Endpoint,
			time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second)
	default:
		return nil, fmt.Errorf("不支持的分类器驱动: %s", cfg.Classifier.Driver)
	}
}

func buildConfirmationStore(cfg *config.Config) (confirm.Store, error) {
	switch cfg.Confirmations.Driver {
	case "", "memory":
		return confirm.NewMemoryStore(), nil
	case "redis":
		return confirm.NewRedisStore(confirm.RedisStoreConfig{
			Address:   cfg.Confirmations.Redis.Address,
			Password:  cfg.Confirmations.Redis.Password,
			DB:        cfg.Confirmations.Redis.DB,
			KeyPrefix: cfg.Confirmations.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("不支持的确认存储驱动: %s", cfg.Confirmations.Driver)
	}
}

func buildHistory(ctx context.Context, cfg *config.Config) (history.Repository, error) {
	switch cfg.History.Driver {
	case "", "memory":
		return history.NewMemoryRepository(), nil
	case "mysql":
		return history.NewSQLRepository(ctx, history.MySQLConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.History.ConnMaxLifetime) * time.Second,
		})
	default:
		return nil, fmt.Errorf("不支持的历史存储驱动: %s", cfg.History.Driver)
	}
}

func buildTelemetry(cfg *config.Config) (telemetry.Sink, error) {
	switch cfg.Telemetry.Driver {
	case "", "log":
		return telemetry.NewLogSink(), nil
	case "rabbitmq":
		return telemetry.NewRabbitMQSink(telemetry.RabbitMQConfig{
			URL:     cfg.Telemetry.RabbitMQ.URL,
			Queue:   cfg.Telemetry.RabbitMQ.Queue,
			Durable: cfg.Telemetry.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("不支持的遥测驱动: %s", cfg.Telemetry.Driver)
	}
}
