// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mikelane/terracotta/internal/assistant"
	"github.com/mikelane/terracotta/internal/command"
	"github.com/mikelane/terracotta/internal/config"
	"github.com/mikelane/terracotta/internal/github"
	"github.com/mikelane/terracotta/internal/logging"
	"github.com/mikelane/terracotta/internal/metrics"
	"github.com/mikelane/terracotta/internal/objectstore"
	"github.com/mikelane/terracotta/internal/orchestrator"
	"github.com/mikelane/terracotta/internal/store/postgres"
	"github.com/mikelane/terracotta/internal/terraform"
	"github.com/mikelane/terracotta/internal/thread"
	"github.com/mikelane/terracotta/internal/webhook"
	"github.com/mikelane/terracotta/internal/workspace"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GitHub webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(ctx, opts.envFile)
	if err != nil {
		return err
	}
	ctx, logger := logging.Setup(ctx, cfg.LogDevelopment)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.InsecureSkipSignature {
		logger.Info("Webhook signature verification is DISABLED")
	}

	key, err := cfg.PrivateKey()
	if err != nil {
		return err
	}
	apps, err := github.NewAppClients(cfg.GitHubAppID, key)
	if err != nil {
		return fmt.Errorf("failed to configure GitHub App: %w", err)
	}
	if cfg.GitHubEnterpriseURL != "" {
		apps.WithBaseURL(cfg.GitHubEnterpriseURL)
	}

	store, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	ai := assistant.NewOpenAI(assistant.OpenAIConfig{
		APIKey:       cfg.OpenAIAPIKey,
		AssistantID:  cfg.AssistantID,
		Model:        cfg.OpenAIModel,
		PollInterval: cfg.RunPollInterval,
		PollAttempts: cfg.RunPollMaxAttempts,
	})
	var summarizer assistant.Completer = ai
	if cfg.SummaryProvider == "anthropic" {
		summarizer = assistant.NewAnthropic(assistant.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		})
	}

	resolver := thread.NewResolver(store, ai)
	resolver.OnCreate = func(thread.Thread) { metrics.ThreadsCreated.Inc() }

	manager := workspace.NewManager(cfg.WorkspaceRoot, apps)
	janitor := workspace.NewJanitor(manager, cfg.WorkspaceTTL, cfg.JanitorInterval)

	var state objectstore.Fetcher
	if cfg.StateBucket != "" {
		gcs, err := objectstore.NewGCS(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = gcs.Close() }()
		state = gcs
	}

	pool := orchestrator.NewTaskPool(cfg.MaxConcurrentTasks, cfg.TaskQueueSize)
	engine := orchestrator.NewEngine(orchestrator.Deps{
		Users:         store,
		Threads:       resolver,
		Clients:       apps,
		Conversations: ai,
		Workspaces:    manager,
		Pipeline:      terraform.NewPipeline(terraform.NewExecCLI(cfg.TerraformBin), cfg.TerraformTimeout, cfg.PlanOutFile),
		Composer:      orchestrator.NewComposer(summarizer),
		Pool:          pool,
		Classifier:    command.NewClassifier(cfg.BotLogin),
		State:         state,
		StateBucket:   cfg.StateBucket,
	})

	server := webhook.NewServer(webhook.Config{
		Addr:          cfg.Address(),
		Secret:        cfg.WebhookSecret,
		SkipSignature: cfg.InsecureSkipSignature,
		RateLimit:     cfg.RateLimitPerSecond,
	}, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return pool.Start(gctx) })
	g.Go(func() error { return janitor.Start(gctx) })

	logger.Info("Terracotta started", "addr", cfg.Address(), "workspaceRoot", cfg.WorkspaceRoot,
		"summaryProvider", cfg.SummaryProvider, "persistent", cfg.DatabaseURL != "")
	return g.Wait()
}

// openStore connects to Postgres when databaseURL is set and falls back to
// an in-memory store otherwise.
func openStore(ctx context.Context, databaseURL string) (thread.Store, func(), error) {
	if databaseURL == "" {
		return thread.NewMemoryStore(), func() {}, nil
	}
	pg, err := postgres.Open(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
