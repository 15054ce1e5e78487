// pulsarbench drives ephemeral Pulsar-like clusters through a full
// experiment lifecycle: provision, wait for readiness, run a test
// matrix, report, and tear down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/pulsarbench/pkg/cloud"
	"github.com/cuemby/pulsarbench/pkg/config"
	"github.com/cuemby/pulsarbench/pkg/controlplane"
	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/executor"
	"github.com/cuemby/pulsarbench/pkg/log"
	"github.com/cuemby/pulsarbench/pkg/matrix"
	"github.com/cuemby/pulsarbench/pkg/metrics"
	"github.com/cuemby/pulsarbench/pkg/prober"
	"github.com/cuemby/pulsarbench/pkg/provisioner"
	"github.com/cuemby/pulsarbench/pkg/reclaim"
	"github.com/cuemby/pulsarbench/pkg/sequencer"
	"github.com/cuemby/pulsarbench/pkg/store"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitCode int
		if ee, ok := err.(*exitError); ok {
			exitCode = ee.code
		} else {
			exitCode = 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode)
	}
}

// exitError carries the process exit code an orchestrator failure
// demands (0/1/2/130) through cobra's plain error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func wrapExit(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: errors.ExitCode(err), err: err}
}

var rootCmd = &cobra.Command{
	Use:     "pulsarbench",
	Short:   "Reproducible load-test orchestration for ephemeral Pulsar-like clusters",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pulsarbench version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("store-root", defaultEnv("PULSARBENCH_STORE_ROOT", "./experiments"), "Experiment store root directory")
	rootCmd.PersistentFlags().String("provisioner-binary", defaultEnv("PULSARBENCH_PROVISIONER", "pulsarbench-provisioner"), "External provisioner binary")
	rootCmd.PersistentFlags().String("control-plane-addr", defaultEnv("PULSARBENCH_CONTROL_PLANE_ADDR", "http://localhost:8443"), "Control-plane base URL")
	rootCmd.PersistentFlags().String("metrics-addr", defaultEnv("PULSARBENCH_METRICS_ADDR", ":9090"), "Address to serve /metrics, /health, /ready, /live on (empty disables)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(fullCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(listCmd)
}

func defaultEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	metrics.SetVersion(Version)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so an
// operator interrupt flows into the Sequencer as ctx.Done() rather
// than killing the process outright — the Sequencer classifies it as
// a failure, not a crash.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt, cancelling in-flight phase")
		cancel()
	}()
	return ctx, cancel
}

// serveMetrics starts the Prometheus/health HTTP surface in the
// background; addr empty is a no-op.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("metrics server exited")
		}
	}()
}

// buildSequencer wires every component from this invocation's
// persistent flags — the orchestrator's composition root.
func buildSequencer(cmd *cobra.Command) (*sequencer.Sequencer, error) {
	storeRoot, _ := cmd.Flags().GetString("store-root")
	provisionerBinary, _ := cmd.Flags().GetString("provisioner-binary")
	controlPlaneAddr, _ := cmd.Flags().GetString("control-plane-addr")

	st, err := store.New(storeRoot)
	if err != nil {
		return nil, errors.New(errors.Internal, err).WithComponent("cli")
	}

	ec2Client, err := cloud.New(context.Background())
	if err != nil {
		return nil, errors.New(errors.Internal, err).WithComponent("cli")
	}

	cpClient := controlplane.NewHTTPClient(controlPlaneAddr)
	exec := executor.New(cpClient)
	prov := provisioner.New(provisionerBinary, zerolog.New(os.Stdout).With().Timestamp().Logger())
	prb := prober.New(ec2Client, cpClient, exec)
	mr := matrix.New(exec, st)
	rc := reclaim.New(ec2Client, prov)

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("controlplane", true, "")

	return sequencer.New(st, prov, prb, exec, mr, rc), nil
}

// parseTags converts repeated --tag key=value flags into a map,
// rejecting malformed entries at the CLI boundary rather than deep in
// the sequencer.
func parseTags(raw []string) (map[string]string, error) {
	tags := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --tag %q, expected key=value", kv)
		}
		tags[parts[0]] = parts[1]
	}
	return tags, nil
}

var fullCmd = &cobra.Command{
	Use:   "full",
	Short: "Run the complete experiment lifecycle: provision, converge, run matrix, report, teardown",
	RunE: func(cmd *cobra.Command, args []string) error {
		testPlanPath, _ := cmd.Flags().GetString("test-plan")
		infraPath, _ := cmd.Flags().GetString("config")
		experimentID, _ := cmd.Flags().GetString("experiment-id")
		rawTags, _ := cmd.Flags().GetStringArray("tag")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		tags, err := parseTags(rawTags)
		if err != nil {
			return wrapExit(errors.New(errors.ConfigInvalid, err).WithComponent("cli"))
		}

		infra, err := config.LoadInfrastructure(infraPath)
		if err != nil {
			return wrapExit(err)
		}
		plan, err := config.LoadTestPlan(testPlanPath)
		if err != nil {
			return wrapExit(err)
		}

		if experimentID == "" {
			experimentID = generateExperimentID()
		}

		seq, err := buildSequencer(cmd)
		if err != nil {
			return wrapExit(err)
		}
		serveMetrics(metricsAddr)

		ctx, cancel := signalContext()
		defer cancel()

		cfg := sequencer.Config{ExperimentID: experimentID, Infrastructure: infra, CLITags: tags}
		results, err := seq.RunFull(ctx, cfg, plan.ToMatrix())
		if err != nil {
			return wrapExit(err)
		}

		printResults(experimentID, results)
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Provision and converge a cluster, leaving it running for later `run` invocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		infraPath, _ := cmd.Flags().GetString("config")
		experimentID, _ := cmd.Flags().GetString("experiment-id")
		rawTags, _ := cmd.Flags().GetStringArray("tag")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		tags, err := parseTags(rawTags)
		if err != nil {
			return wrapExit(errors.New(errors.ConfigInvalid, err).WithComponent("cli"))
		}

		infra, err := config.LoadInfrastructure(infraPath)
		if err != nil {
			return wrapExit(err)
		}

		if experimentID == "" {
			experimentID = generateExperimentID()
		}

		seq, err := buildSequencer(cmd)
		if err != nil {
			return wrapExit(err)
		}
		serveMetrics(metricsAddr)

		ctx, cancel := signalContext()
		defer cancel()

		cfg := sequencer.Config{ExperimentID: experimentID, Infrastructure: infra, CLITags: tags}
		fleet, err := seq.Setup(ctx, cfg)
		if err != nil {
			return wrapExit(err)
		}

		fmt.Printf("experiment %s ready: %d hosts\n", experimentID, len(fleet.Hosts))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a test matrix against an already-provisioned experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		testPlanPath, _ := cmd.Flags().GetString("test-plan")
		experimentID, _ := cmd.Flags().GetString("experiment-id")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		plan, err := config.LoadTestPlan(testPlanPath)
		if err != nil {
			return wrapExit(err)
		}

		seq, err := buildSequencer(cmd)
		if err != nil {
			return wrapExit(err)
		}
		serveMetrics(metricsAddr)

		resolvedID, err := resolveExperimentID(cmd, experimentID)
		if err != nil {
			return wrapExit(errors.New(errors.ConfigInvalid, err).WithComponent("cli"))
		}

		ctx, cancel := signalContext()
		defer cancel()

		results, err := seq.Run(ctx, plan.ToMatrix(), resolvedID)
		if err != nil {
			return wrapExit(err)
		}

		printResults(resolvedID, results)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Rebuild the aggregated report for a past experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		experimentID, _ := cmd.Flags().GetString("experiment-id")

		seq, err := buildSequencer(cmd)
		if err != nil {
			return wrapExit(err)
		}

		resolvedID, err := resolveExperimentID(cmd, experimentID)
		if err != nil {
			return wrapExit(errors.New(errors.ConfigInvalid, err).WithComponent("cli"))
		}

		if err := seq.Report(context.Background(), resolvedID); err != nil {
			return wrapExit(err)
		}
		fmt.Printf("report written for experiment %s\n", resolvedID)
		return nil
	},
}

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Reclaim every cloud resource tagged with an experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		experimentID, _ := cmd.Flags().GetString("experiment-id")

		seq, err := buildSequencer(cmd)
		if err != nil {
			return wrapExit(err)
		}

		resolvedID, err := resolveExperimentID(cmd, experimentID)
		if err != nil {
			return wrapExit(errors.New(errors.ConfigInvalid, err).WithComponent("cli"))
		}

		// Teardown is a crash-path recovery tool too: it must not be
		// cancellable by the very signal an operator sends when
		// impatient with a hung cluster.
		if err := seq.Teardown(context.Background(), resolvedID); err != nil {
			return wrapExit(err)
		}
		fmt.Printf("experiment %s reclaimed\n", resolvedID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known experiments, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		storeRoot, _ := cmd.Flags().GetString("store-root")
		st, err := store.New(storeRoot)
		if err != nil {
			return wrapExit(errors.New(errors.Internal, err).WithComponent("cli"))
		}

		ids, err := st.List()
		if err != nil {
			return wrapExit(errors.New(errors.Internal, err).WithComponent("cli"))
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{fullCmd, setupCmd} {
		cmd.Flags().String("config", "", "Infrastructure document path")
		cmd.Flags().String("experiment-id", "", "Experiment ID (generated if omitted)")
		cmd.Flags().StringArray("tag", nil, "Additional resource tag key=value (repeatable, overrides config tags)")
		_ = cmd.MarkFlagRequired("config")
	}
	for _, cmd := range []*cobra.Command{fullCmd, runCmd} {
		cmd.Flags().String("test-plan", "", "Test plan document path")
		_ = cmd.MarkFlagRequired("test-plan")
	}
	for _, cmd := range []*cobra.Command{runCmd, reportCmd, teardownCmd} {
		cmd.Flags().String("experiment-id", "", "Experiment ID, or \"latest\"")
		_ = cmd.MarkFlagRequired("experiment-id")
	}
}

// resolveExperimentID resolves the literal "latest" against the
// store's pointer before any component sees the ID.
func resolveExperimentID(cmd *cobra.Command, id string) (string, error) {
	storeRoot, _ := cmd.Flags().GetString("store-root")
	st, err := store.New(storeRoot)
	if err != nil {
		return "", err
	}
	return st.ResolveExperimentID(id)
}

// generateExperimentID produces a timestamp-prefixed unique ID when an
// operator does not supply one explicitly.
func generateExperimentID() string {
	return fmt.Sprintf("exp-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

func printResults(experimentID string, results []types.VariantResult) {
	counts := make(map[types.VariantStatus]int)
	for _, r := range results {
		counts[r.Status]++
	}
	fmt.Printf("experiment %s: %d variants executed (success=%d failed=%d cancelled=%d skipped=%d)\n",
		experimentID, len(results),
		counts[types.VariantSuccess], counts[types.VariantFailed], counts[types.VariantCancelled], counts[types.VariantSkipped])
}
