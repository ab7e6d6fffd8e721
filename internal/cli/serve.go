package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	v1 "vibeforge/api/v1"
	"vibeforge/internal/autotick"
	"vibeforge/internal/config"
	"vibeforge/internal/eventlog"
	"vibeforge/internal/gateway"
	"vibeforge/internal/llmgen"
	"vibeforge/internal/precoordinator"
	"vibeforge/internal/provider"
	"vibeforge/internal/provider/ollama"
	"vibeforge/internal/provider/stub"
	"vibeforge/internal/remoteagent"
	"vibeforge/internal/scheduler"
	"vibeforge/internal/session"
	"vibeforge/internal/simcontrol"
	"vibeforge/internal/storage"
	"vibeforge/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the VibeForge gateway server",
		Long: `Start the VibeForge gateway server.

This command starts the HTTP control plane and the remote-agent
websocket endpoint, rehydrates checkpointed sessions, and serves the
simulation runtime until interrupted.`,
		Example: `  # Start with default configuration
  vibeforged serve

  # Start on a custom port with debug logging
  vibeforged serve --port 8080 --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadedCfg
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	log := logger.Get()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}

	registerProviders(cfg)

	workspaceRoot, err := config.ExpandPath(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	events := eventlog.New(workspaceRoot, true)

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer db.Close()

	store := session.NewStore()
	checkpointer := scheduler.NewCheckpointer(db, store, 30*time.Second)
	if restored, err := checkpointer.Rehydrate(); err != nil {
		log.Warn().Err(err).Msg("session rehydration failed")
	} else if restored > 0 {
		log.Info().Int("sessions", restored).Msg("rehydrated checkpointed sessions")
	}

	remote := remoteagent.New(cfg.Sim.HeartbeatTimeout, cfg.Sim.HeartbeatInterval)
	queue := scheduler.NewRunQueue(100, 5*time.Minute)

	var gen *llmgen.Generator
	if !cfg.Sim.LLMDisabled() {
		p, ok := provider.Get(cfg.Provider.Default)
		if !ok {
			p = provider.Default()
		}
		if p != nil {
			gen = llmgen.New(p)
			gen.DefaultModel = cfg.Sim.DefaultModel
			gen.DefaultTemperature = cfg.Sim.DefaultTemperature
			gen.Pricing = cfg.Sim.PricingTable()
		}
	}

	controller := simcontrol.New(events, gen, remote, queue)
	controller.SetDispatchTTL(cfg.Sim.DispatchTimeout)
	autoRunner := autotick.NewRunner(controller)
	coordinator := precoordinator.New(events)

	srv := gateway.NewServer(cfg, &v1.RouterDeps{
		Store:       store,
		Events:      events,
		Controller:  controller,
		Coordinator: coordinator,
		Remote:      remote,
		AutoRunner:  autoRunner,
	})

	checkpointCtx, stopCheckpoints := context.WithCancel(context.Background())
	go checkpointer.Run(checkpointCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("Shutting down...")
	case err := <-errCh:
		if err != nil {
			stopCheckpoints()
			return err
		}
	}

	autoRunner.Shutdown()
	stopCheckpoints()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown error")
	}

	queueCtx, queueCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer queueCancel()
	if err := queue.Shutdown(queueCtx); err != nil {
		log.Warn().Err(err).Msg("run queue shutdown error")
	}

	if err := checkpointer.Flush(); err != nil {
		log.Warn().Err(err).Msg("final checkpoint flush failed")
	}
	return nil
}

// registerProviders wires the enabled LLM providers into the registry. The
// stub provider is always available; real vendors register only when
// enabled and not globally disabled.
func registerProviders(cfg *config.Config) {
	provider.Register(stub.New())

	if cfg.Sim.LLMDisabled() {
		return
	}
	for _, name := range cfg.Provider.Enabled {
		if name == "ollama" {
			ollama.Register()
		}
	}
	if cfg.Provider.Default != "" {
		provider.SetDefault(cfg.Provider.Default)
	}
}
