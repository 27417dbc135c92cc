package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"morphogen/internal/activate"
	"morphogen/internal/bus"
	"morphogen/internal/config"
	"morphogen/internal/connectors"
	"morphogen/internal/genealogy"
	"morphogen/internal/genesis"
	"morphogen/internal/genome"
	"morphogen/internal/heal"
	"morphogen/internal/identity"
	"morphogen/internal/materialize"
	"morphogen/internal/pipeline"
	"morphogen/internal/validate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kernel and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		b := bus.New(cfg.Bus.QueueSize, cfg.Bus.RetentionSize, logger.Named("bus"))

		mat, err := materialize.New(cfg.DeployPath(), cfg.Security.ProtectedPrefixes, logger.Named("materialize"))
		if err != nil {
			return err
		}
		gene, err := genealogy.New(cfg.DeployPath(), cfg.Genealogy.AuthorName,
			cfg.Genealogy.AuthorEmail, cfg.Genealogy.Enabled, logger.Named("genealogy"))
		if err != nil {
			return err
		}

		gen, err := connectors.NewGeminiGenerator(ctx, cfg.Generation.APIKey,
			cfg.Generation.Model, logger.Named("generator"))
		if err != nil {
			return err
		}
		pipe := pipeline.New(gen, validate.New(), cfg.Generation.MaxRetries,
			cfg.Generation.Timeout, logger.Named("pipeline"))

		// The healer and runtime call back into the orchestrator, which is
		// constructed after them.
		var orch *genesis.Orchestrator

		healer := heal.New(heal.Policy{
			ProtectedPrefixes:    cfg.Security.ProtectedPrefixes,
			AllowExternalInstall: cfg.Security.AllowExternalInstall,
			AllowedPackages:      cfg.Security.AllowedPackages,
		}, func(name, reason string) bool {
			orch.Genome(func(g *genome.Genome) {
				g.AddBlueprint(name, reason, nil)
			})
			return true
		}, nil, logger.Named("heal"))

		runtime := activate.New(mat, func(name string, kind genome.FailureKind, err error) {
			orch.HandleUnitFailure(name, kind, err)
		}, logger.Named("activate"))

		orch = genesis.New(store, b, pipe, gene, mat, runtime, healer, nil, genesis.Options{
			CycleInterval:       cfg.Metabolism.CycleInterval,
			MaxUnitsPerCycle:    cfg.Metabolism.MaxUnitsPerCycle,
			MaxConcurrentUnits:  cfg.Metabolism.MaxConcurrentUnits,
			MaxTotalUnits:       cfg.Metabolism.MaxTotalUnits,
			MaxEvolveIterations: cfg.Metabolism.MaxEvolveIterations,
			MaxAttempts:         cfg.CircuitBreaker.MaxAttempts,
			Cooldown:            cfg.CircuitBreaker.Cooldown,
		}, logger.Named("genesis"))

		self, err := identityFor(cfg, store)
		if err != nil {
			return err
		}
		logger.Info("identity",
			zap.String("id", self.ID),
			zap.String("name", self.Name),
			zap.String("lineage", self.Lineage))

		if err := orch.Start(ctx, nil); err != nil {
			return err
		}

		watcher := genome.NewWatcher(store, func(path string) {
			b.PublishAsync(bus.NewEvent(bus.TopicExternalEdit, "watcher",
				map[string]any{"path": path}))
		}, logger.Named("watcher"))
		if err := watcher.Start(); err != nil {
			logger.Warn("genome watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}

		logger.Info("kernel live", zap.String("genome", cfg.GenomePath()),
			zap.String("deploy", cfg.DeployPath()))
		<-ctx.Done()

		logger.Info("stop signal received")
		orch.Stop(10 * time.Second)
		return nil
	},
}

// identityFor loads or mints this instance's identity, deriving lineage
// from any pre-existing genome bytes.
func identityFor(cfg *config.Config, store *genome.Store) (*identity.Identity, error) {
	lineage := identity.TabulaRasaLineage
	if raw, err := os.ReadFile(store.Path()); err == nil {
		lineage = identity.LineageOf(raw)
	}
	mgr := identity.NewManager(cfg.IdentityPath(), logger.Named("identity"))
	self, err := mgr.LoadOrCreate("morphogen", lineage)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	return self, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
