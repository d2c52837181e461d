package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/blob"
	"github.com/sells-group/diligence-cli/internal/docparse"
	"github.com/sells-group/diligence-cli/internal/notify"
	"github.com/sells-group/diligence-cli/internal/pipeline"
	"github.com/sells-group/diligence-cli/internal/report"
	"github.com/sells-group/diligence-cli/internal/review"
	"github.com/sells-group/diligence-cli/internal/store"
	anthropicpkg "github.com/sells-group/diligence-cli/pkg/anthropic"
)

// appEnv holds the store, clients and services needed by the run, review,
// report and serve commands.
type appEnv struct {
	Store        store.Store
	Blobs        blob.Store
	Notifier     *notify.Async
	Orchestrator *pipeline.Orchestrator
	Review       *review.Service
	Reports      *report.Manager
}

// Close waits for pending notifications and releases the store.
func (e *appEnv) Close() {
	if e.Notifier != nil {
		e.Notifier.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens the store and builds every service.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewLocal(cfg.Blob.Root)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init blob store")
	}

	notifier := notify.New(cfg.Notify)
	if cfg.Notify.WebhookURL == "" {
		zap.L().Debug("DILIGENCE_NOTIFY_WEBHOOK_URL not set, events are logged only")
	}

	aiClient := anthropicpkg.NewRateLimited(
		anthropicpkg.NewClient(cfg.Anthropic.Key),
		cfg.Anthropic.RequestsPerSecond,
		cfg.Anthropic.Burst,
	)

	orch := pipeline.New(cfg, st, blobs, docparse.NewRegistry(), aiClient, notifier)

	return &appEnv{
		Store:        st,
		Blobs:        blobs,
		Notifier:     notifier,
		Orchestrator: orch,
		Review:       review.New(st, notifier),
		Reports:      report.NewManager(st, report.NewModelRegenerator(aiClient, cfg)),
	}, nil
}
