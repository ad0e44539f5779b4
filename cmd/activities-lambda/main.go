// Command activities-lambda serves the activities GraphQL API from AWS Lambda,
// or over plain HTTP when LISTEN_ADDR is set.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacentio/activities/dynamo"
	"github.com/jacentio/activities/handler"
	"github.com/jacentio/activities/internal/memtable"
	"github.com/jacentio/activities/mutation"
	"github.com/jacentio/activities/resolve"
	"github.com/jacentio/activities/store"
)

func main() {
	// A missing .env is expected outside local development.
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	table, err := newTable(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("create table client", zap.Error(err))
	}
	s := store.New(table, cfg.Store,
		store.WithLogger(logger.Named("store")),
		store.WithMetrics(store.NewMetrics(prometheus.DefaultRegisterer)),
	)
	h := handler.NewHandler(s,
		resolve.New(s, cfg.Resolver, logger.Named("resolve")),
		mutation.New(s, mutation.WithLogger(logger.Named("mutation"))),
		logger.Named("handler"),
	)
	router := h.Routes()

	logger.Info("starting",
		zap.String("backend", cfg.Backend),
		zap.String("table", cfg.TableName),
		zap.Int("catalogShards", cfg.Store.CatalogShards),
		zap.Int("relations", len(s.Registry().AllRelations())),
		zap.Int("maxDepth", cfg.Resolver.MaxDepth),
		zap.String("listenAddr", cfg.ListenAddr),
	)

	if cfg.ListenAddr != "" {
		if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
		return
	}

	adapter := chiadapter.NewV2(router)
	lambda.Start(func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		return adapter.ProxyWithContextV2(ctx, req)
	})
}

func newTable(ctx context.Context, cfg *Config, logger *zap.Logger) (store.Table, error) {
	if cfg.Backend == backendMemory {
		logger.Warn("using in-memory table; data is lost on exit")
		return memtable.New(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return dynamo.New(dynamodb.NewFromConfig(awsCfg), dynamo.DefaultConfig(cfg.TableName), logger.Named("dynamo")), nil
}
