package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/joho/godotenv"

	"infra-agent/handler"
	"infra-agent/internal/integrations/compute"
	"infra-agent/internal/integrations/llm"
	"infra-agent/internal/integrations/paramstore"
	"infra-agent/internal/integrations/pipeline"
	"infra-agent/internal/region"
	"infra-agent/internal/session"
	"infra-agent/internal/tfvars"
	"infra-agent/internal/tracker"
	"infra-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	// ---- Configuration (read only here) ----
	addr := envStr("ADDR", ":8080")
	defaultRegion := envStr("DEFAULT_REGION", "us-east-1")
	mode := usecase.Mode(envStr("PROVISION_MODE", string(usecase.ModeDirect)))
	paramPrefix := mustEnv("PARAM_PREFIX")
	llmModel := envStr("LLM_MODEL", "mistralai/Mistral-7B-Instruct-v0.1")
	pipelineName := envStr("PIPELINE_NAME", "Provision-EC2")
	tfvarsPath := envStr("TFVARS_PATH", "terraform.tfvars.json")
	monitorSeconds := envInt("PIPELINE_MONITOR_SECONDS", 90)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(defaultRegion))
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	computeClient, err := compute.New(compute.NewRegionalFactory(cfg), awssts.NewFromConfig(cfg), defaultRegion)
	if err != nil {
		logger.Error("failed to create compute client", "err", err)
		os.Exit(1)
	}

	llmClient, err := llm.NewClient(ssmClient, paramPrefix+"/together-token", llmModel)
	if err != nil {
		logger.Error("failed to create LLM client", "err", err)
		os.Exit(1)
	}

	// ---- Provisioning dispatcher ----
	catalog := region.Default()
	dispatcherCfg := usecase.DispatcherConfig{
		Mode:            mode,
		Compute:         computeClient,
		Tracker:         tracker.New(),
		Catalog:         catalog,
		Logger:          logger,
		PipelineName:    pipelineName,
		SizeClass:       "t2.micro",
		NameTag:         "Infra-Agent-Instance",
		MonitorInterval: time.Duration(monitorSeconds) * time.Second,
	}
	if mode == usecase.ModePipeline {
		org := mustEnv("AZURE_ORG")
		project := mustEnv("AZURE_PROJECT")
		runner, err := pipeline.NewClient(ssmClient, paramPrefix+"/azure-pat", org, project)
		if err != nil {
			logger.Error("failed to create pipeline client", "err", err)
			os.Exit(1)
		}
		vars, err := tfvars.NewWriter(tfvarsPath)
		if err != nil {
			logger.Error("failed to create tfvars writer", "err", err)
			os.Exit(1)
		}
		dispatcherCfg.Runner = runner
		dispatcherCfg.Vars = vars
	}

	dispatcher, err := usecase.NewDispatcher(dispatcherCfg)
	if err != nil {
		logger.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}

	chatService, err := usecase.NewChatService(catalog, session.NewStore(), dispatcherCfg.Tracker, dispatcher, computeClient, llmClient, defaultRegion, logger)
	if err != nil {
		logger.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("listening", "addr", addr, "mode", string(mode), "default_region", defaultRegion, "catalog_regions", catalog.Codes())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
