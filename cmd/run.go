package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/agentstate"
	"github.com/caduceuslabs/veriflow/internal/audit"
	"github.com/caduceuslabs/veriflow/internal/catalog"
	"github.com/caduceuslabs/veriflow/internal/classifier"
	"github.com/caduceuslabs/veriflow/internal/compliance"
	"github.com/caduceuslabs/veriflow/internal/config"
	"github.com/caduceuslabs/veriflow/internal/gateway"
	"github.com/caduceuslabs/veriflow/internal/llmclient"
	"github.com/caduceuslabs/veriflow/internal/observability"
	"github.com/caduceuslabs/veriflow/internal/overlay"
	"github.com/caduceuslabs/veriflow/internal/primitives"
	"github.com/caduceuslabs/veriflow/internal/surface"
	"github.com/caduceuslabs/veriflow/internal/workflow"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [step-ids...]",
		Short: "Run verification workflows for a credentialing case",
		Long: `Run drives the AI examiner through the case's verification steps.

With no arguments every catalog step runs in dependency order, steps within
a wave in parallel. Explicit step ids run sequentially in the order given.`,
		Args: cobra.ArbitraryArgs,
		// PreRunE finalizes configuration before the main execution logic in
		// RunE.
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their corresponding Viper keys. This is the
			// idiomatic way to ensure that command-line flags correctly
			// override values from the config file and environment variables.
			if err := viper.BindPFlag("runtime.examiner", cmd.Flags().Lookup("examiner")); err != nil {
				return err
			}
			if err := viper.BindPFlag("gateway.mode", cmd.Flags().Lookup("gateway-mode")); err != nil {
				return err
			}
			if err := viper.BindPFlag("database.mode", cmd.Flags().Lookup("audit-mode")); err != nil {
				return err
			}
			if browser, err := cmd.Flags().GetBool("browser"); err == nil && browser {
				viper.Set("surface.mode", "browser")
			}
			// Bind all other flags that don't have a direct mapping.
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-read the config. Now that flags are bound in PreRunE, Viper
			// applies the overrides with the right precedence.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			caseID := viper.GetString("case")
			if caseID == "" {
				caseID = uuid.NewString()
			}

			provider := schemas.Provider{
				FullName:      viper.GetString("provider"),
				NPI:           viper.GetString("npi"),
				LicenseNumber: viper.GetString("license"),
				LicenseState:  viper.GetString("license-state"),
				Specialty:     viper.GetString("specialty"),
				DateOfBirth:   viper.GetString("dob"),
			}

			logger.Info("Starting verification case",
				zap.String("case_id", caseID),
				zap.String("provider", provider.FullName),
				zap.String("surface", cfg.Surface.Mode),
				zap.String("gateway", cfg.Gateway.Mode),
				zap.String("audit", cfg.Database.Mode),
			)

			components, err := initializeRunComponents(ctx, cfg, caseID, provider, logger)
			if err != nil {
				if components != nil {
					components.Shutdown(logger)
				}
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer components.Shutdown(logger)

			waves, err := selectWaves(components.Catalog, args)
			if err != nil {
				return err
			}

			components.State.Start()
			defer components.State.Stop()

			// The overlay repaints the terminal on every state change until
			// the run finishes.
			watchDone := make(chan struct{})
			watchCtx, cancelWatch := context.WithCancel(ctx)
			defer cancelWatch()
			if viper.GetBool("watch") {
				renderer := overlay.NewRenderer(components.State, components.Board, os.Stdout, logger)
				go func() {
					defer close(watchDone)
					if err := renderer.Watch(watchCtx); err != nil {
						logger.Warn("Overlay stopped with error", zap.Error(err))
					}
				}()
			} else {
				close(watchDone)
			}

			results := executeWaves(ctx, components, waves)

			cancelWatch()
			<-watchDone

			if err := ctx.Err(); err != nil {
				logger.Warn("Run aborted by signal", zap.String("case_id", caseID))
				return err
			}

			printSummary(cmd.OutOrStdout(), results)

			aborted := 0
			for _, res := range results {
				if !res.Success {
					aborted++
				}
			}
			if aborted > 0 {
				return fmt.Errorf("%d of %d steps aborted before reaching a verdict", aborted, len(results))
			}

			logger.Info("Verification case finished",
				zap.String("case_id", caseID),
				zap.Int("steps", len(results)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "\nCase complete. Case ID: %s\n", caseID)
			return nil
		},
	}

	// Run configuration override flags.
	runCmd.Flags().String("case", "", "Verification case id. A random id is generated when unset.")
	runCmd.Flags().Bool("watch", false, "Render the live examiner overlay while steps run.")
	runCmd.Flags().Bool("browser", false, "Drive the credentialing form in a real browser instead of the sim surface.")
	runCmd.Flags().String("examiner", "veriflow-agent", "Examiner identity recorded on the audit trail. (Overrides config/env)")
	runCmd.Flags().String("gateway-mode", "replay", "Gateway mode: 'replay' or 'live'. (Overrides config/env)")
	runCmd.Flags().String("audit-mode", "memory", "Audit store mode: 'memory' or 'postgres'. (Overrides config/env)")

	// Subject provider flags. The defaults describe the bundled demo case and
	// line up with the replay gateway fixtures.
	runCmd.Flags().String("provider", "Sarah Jenkins", "Full name of the provider under verification.")
	runCmd.Flags().String("npi", "1234567890", "Provider NPI number.")
	runCmd.Flags().String("license", "A-54321", "Provider license number.")
	runCmd.Flags().String("license-state", "CA", "Issuing state of the provider license.")
	runCmd.Flags().String("specialty", "Cardiology", "Provider specialty.")
	runCmd.Flags().String("dob", "", "Provider date of birth, YYYY-MM-DD.")

	return runCmd
}

// runComponents holds the initialized services for one verification run.
type runComponents struct {
	Catalog *catalog.Catalog
	Board   *catalog.Board
	Browser *surface.Browser // nil on the sim surface
	Pool    *pgxpool.Pool    // nil on the memory audit store
	LLM     schemas.LLMClient
	State   *agentstate.State
	Runner  *workflow.Runner
}

// Shutdown gracefully closes all components.
func (rc *runComponents) Shutdown(logger *zap.Logger) {
	if rc.State != nil {
		rc.State.Close()
	}
	if rc.Browser != nil {
		rc.Browser.Close()
	}
	if rc.LLM != nil {
		if err := rc.LLM.Close(); err != nil {
			logger.Warn("Error closing classifier client", zap.Error(err))
		}
	}
	if rc.Pool != nil {
		rc.Pool.Close()
	}
}

// initializeRunComponents handles dependency injection. On error the partially
// populated components are returned so the caller can shut them down.
func initializeRunComponents(ctx context.Context, cfg *config.Config, caseID string, provider schemas.Provider, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	// 1. Step catalog and case board
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return components, fmt.Errorf("failed to load step catalog: %w", err)
	}
	components.Catalog = cat
	components.Board = catalog.NewBoard(caseID, cfg.Runtime.Examiner, cat)

	// 2. Verification surface
	var surf surface.Surface
	var geo agentstate.GeometrySource
	switch cfg.Surface.Mode {
	case "browser":
		browser, err := surface.NewBrowser(ctx, cfg.Surface, logger)
		if err != nil {
			return components, fmt.Errorf("failed to start browser surface: %w", err)
		}
		components.Browser = browser
		surf, geo = browser, browser
	default:
		sim := surface.NewSim(cfg.Surface, components.Board, logger)
		surf, geo = sim, sim
	}

	// 3. Audit store
	var recorder audit.Recorder
	if cfg.Database.Mode == "postgres" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return components, fmt.Errorf("failed to parse database URL: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		}
		if cfg.Database.ConnectTimeout > 0 {
			poolCfg.ConnConfig.ConnectTimeout = cfg.Database.ConnectTimeout
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return components, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.Pool = pool

		store, err := audit.New(ctx, pool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize audit store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return components, err
		}
		recorder = store
	} else {
		recorder = audit.NewMemory()
	}
	if err := recorder.EnsureCase(ctx, caseID, provider); err != nil {
		return components, fmt.Errorf("failed to register case %s: %w", caseID, err)
	}

	// 4. Classifier
	llm, err := llmclient.NewClient(cfg.Classifier.LLM, logger)
	if err != nil {
		return components, fmt.Errorf("failed to build classifier client: %w", err)
	}
	components.LLM = llm
	cls := classifier.New(llm, logger)

	// 5. Primary-source gateway
	gw, err := gateway.New(cfg.Gateway, logger)
	if err != nil {
		return components, fmt.Errorf("failed to build gateway client: %w", err)
	}

	// 6. Compliance rules
	rules, err := compliance.NewEngine(cfg.Compliance.Rules, logger)
	if err != nil {
		return components, fmt.Errorf("failed to compile compliance rules: %w", err)
	}

	// 7. Runtime state and workflow runner
	components.State = agentstate.New(cfg.Runtime, geo, logger)
	prims := primitives.New(surf, recorder, primitives.Options{
		CaseID:   caseID,
		Examiner: cfg.Runtime.Examiner,
		Pacing:   cfg.Runtime.Pacing,
	}, logger)

	runner, err := workflow.NewRunner(prims, cls, gw, rules, components.Board, components.State, provider, cfg.Runtime.Pacing, logger)
	if err != nil {
		return components, fmt.Errorf("failed to build workflow runner: %w", err)
	}
	components.Runner = runner

	return components, nil
}

// selectWaves resolves the requested step ids against the catalog. With no
// ids every catalog wave runs; explicit ids each form their own wave and run
// sequentially in the order given.
func selectWaves(cat *catalog.Catalog, requested []string) ([][]string, error) {
	if len(requested) == 0 {
		return cat.Waves(), nil
	}
	waves := make([][]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, id := range requested {
		if _, ok := cat.Get(id); !ok {
			return nil, fmt.Errorf("unknown step %q; run 'veriflow steps' to list the catalog", id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		waves = append(waves, []string{id})
	}
	return waves, nil
}

// executeWaves runs each wave's steps concurrently and keeps the results in
// wave order. Workflow runs report failure through their result, so a failed
// step never stops the remaining waves; its dependents refuse to start on
// their own.
func executeWaves(ctx context.Context, components *runComponents, waves [][]string) []*schemas.WorkflowResult {
	var mu sync.Mutex
	byStep := make(map[string]*schemas.WorkflowResult)

	for _, wave := range waves {
		if ctx.Err() != nil {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range wave {
			spec, ok := components.Catalog.Get(id)
			if !ok {
				continue
			}
			g.Go(func() error {
				res := components.Runner.Run(gctx, spec.Kind, spec.ID)
				mu.Lock()
				byStep[spec.ID] = res
				mu.Unlock()
				return nil
			})
		}
		// Workflow runs never return errors; Wait only joins the wave.
		_ = g.Wait()
	}

	ordered := make([]*schemas.WorkflowResult, 0, len(byStep))
	for _, wave := range waves {
		for _, id := range wave {
			if res, ok := byStep[id]; ok {
				ordered = append(ordered, res)
			}
		}
	}
	return ordered
}

// printSummary writes the per-step outcome table.
func printSummary(w io.Writer, results []*schemas.WorkflowResult) {
	fmt.Fprintf(w, "\n%-16s %-8s %-10s %10s  %s\n", "STEP", "OUTCOME", "PHASE", "DURATION", "MESSAGE")
	for _, res := range results {
		outcome := "ok"
		if !res.Success {
			outcome = "aborted"
		}
		fmt.Fprintf(w, "%-16s %-8s %-10s %10s  %s\n",
			res.StepID, outcome, res.Phase, res.Duration.Round(time.Millisecond), res.Message)
	}
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
