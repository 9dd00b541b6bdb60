package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Kevin-nav/sankosides/pkg/agent"
	llmmetrics "github.com/Kevin-nav/sankosides/pkg/agent/middleware/metrics"
	"github.com/Kevin-nav/sankosides/pkg/clarify"
	"github.com/Kevin-nav/sankosides/pkg/config"
	"github.com/Kevin-nav/sankosides/pkg/eventlog"
	"github.com/Kevin-nav/sankosides/pkg/events"
	"github.com/Kevin-nav/sankosides/pkg/flow"
	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/persistence"
	"github.com/Kevin-nav/sankosides/pkg/render"
	"github.com/Kevin-nav/sankosides/pkg/research"
	"github.com/Kevin-nav/sankosides/pkg/snapshot"
	"github.com/Kevin-nav/sankosides/pkg/stages"
	"github.com/Kevin-nav/sankosides/pkg/state"
	"github.com/Kevin-nav/sankosides/pkg/webui"
)

var (
	serveHost    string
	servePort    int
	serveOffline bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation API server",
	Long: `Starts the HTTP API, resumes interrupted sessions and runs until interrupted.

With --offline no model clients are created and every stage runs its
deterministic fallback, which is useful for trying the flow without API keys.

Examples:
  sankosides serve
  sankosides serve --port 9090 --tee`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "Run without model clients")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if err := logx.InitializeLogFile(config.ResolvePath(cfg.Logs.Dir), tee); err != nil {
		return err
	}
	defer func() { _ = logx.CloseLogFile() }()
	logger := logx.NewLogger("main")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	recorder := llmmetrics.Nop()
	if cfg.Metrics.Enabled {
		recorder = llmmetrics.NewPrometheusRecorder(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	}

	pipeline, closePipeline, err := buildPipeline(cfg, recorder)
	if err != nil {
		return err
	}
	defer closePipeline()

	emitter := events.NewEmitter()
	if cfg.Logs.EventLogs {
		w, err := eventlog.NewWriter(config.ResolvePath(config.EventLogDirName))
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
		emitter.Register(w)
	}

	extractor, err := clarify.NewExtractor(clarify.WithConfirmationPhrases(cfg.Clarify.ConfirmationPhrases))
	if err != nil {
		return err
	}

	opts := []flow.Option{
		flow.WithStore(store),
		flow.WithEmitter(emitter),
		flow.WithExtractor(extractor),
		flow.WithRecorder(recorder),
	}
	if cfg.Research.Enabled && !serveOffline {
		key, err := config.GetAPIKey(config.ProviderGoogle)
		if err != nil {
			return fmt.Errorf("deep research needs a Gemini key: %w", err)
		}
		opts = append(opts, flow.WithResearcher(research.NewClient("", key, cfg.Research.Agent)))
	}

	engine, err := flow.New(pipeline, flow.ConfigFrom(&cfg), opts...)
	if err != nil {
		return err
	}
	n, err := engine.Resume(ctx)
	if err != nil {
		logger.Warn("Resume failed: %v", err)
	} else if n > 0 {
		logger.Info("Resumed %d sessions", n)
	}
	engine.StartJanitor()

	host, port := cfg.WebUI.Host, cfg.WebUI.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}
	var serverOpts []webui.Option
	if pass, err := config.GetSecret(envPassphrase); err == nil {
		serverOpts = append(serverOpts, webui.WithPassword(pass), webui.WithSecretsPassphrase(pass))
	}
	server := webui.NewServer(engine, projectDir, serverOpts...)
	errCh := server.StartServer(ctx, host, port)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s:%d\n", host, port)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	stop()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GracefulShutdownTimeoutSec*time.Second)
	defer cancel()
	if closeErr := engine.Close(shutdownCtx); closeErr != nil {
		logger.Error("Engine shutdown: %v", closeErr)
	}
	return err
}

// openStore opens the configured session backend.
func openStore(cfg config.Config) (persistence.SessionStore, error) {
	path := config.ResolvePath(cfg.Storage.Path)
	switch cfg.Storage.Backend {
	case config.StorageJSON:
		s, err := state.NewStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := persistence.Open(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// buildPipeline wires the model clients, asset renderer and slide capturer into
// the stage pipeline. The returned func releases the headless browser.
func buildPipeline(cfg config.Config, recorder llmmetrics.Recorder) (*stages.Pipeline, func(), error) {
	defs, err := stages.Load(filepath.Join(config.GetConfigDir(), config.StagesOverrideFile))
	if err != nil {
		return nil, nil, err
	}
	opts := []stages.Option{stages.WithThinkingLevel(cfg.Models.ThinkingLevel)}
	closer := func() {}

	if !serveOffline {
		factory := agent.NewLLMClientFactory(cfg, recorder)
		opts = append(opts, stages.WithClients(factory))
		closer = factory.Close
	}
	if cfg.Render.URL != "" {
		opts = append(opts, stages.WithRenderer(render.NewClient(cfg.Render.URL, cfg.Render.Timeout)))
	}
	if cfg.Snapshot.Enabled {
		b := snapshot.NewBrowser(snapshot.Config{Width: cfg.Snapshot.Width, Height: cfg.Snapshot.Height})
		opts = append(opts, stages.WithCapturer(b))
		prev := closer
		closer = func() {
			_ = b.Close()
			prev()
		}
	}

	p, err := stages.New(defs, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return p, closer, nil
}
