package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/packetflow/pkg/config"
	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/guards"
	"github.com/polisai/packetflow/pkg/logging"
	"github.com/polisai/packetflow/pkg/nodes"
	"github.com/polisai/packetflow/pkg/telemetry"
)

const (
	metricsServiceKey container.Key = "telemetry.metrics"
	policyGuardKey    container.Key = "guards.policy"
	rateLimitGuardKey container.Key = "guards.ratelimit"
)

// RunOptions holds the parsed flags of the run command.
type RunOptions struct {
	ConfigPath  string
	LogLevel    string
	FlowFile    string
	Trigger     string
	Ports       []string
	Payload     string
	Watch       bool
	MetricsAddr string
	Timeout     time.Duration
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a flow by injecting one packet at a trigger node",
		Long: `Run binds the flow file, injects a packet on the trigger node's output ports and
prints the accumulated result as JSON once the graph drains.

With --watch the flow is re-run every time the flow file changes, until interrupted.`,
		RunE: runRun,
	}

	cmd.Flags().StringP("flow", "f", "", "Path to the flow file (yaml, json or hcl)")
	cmd.Flags().StringP("trigger", "t", "", "Node id the packet is injected at")
	cmd.Flags().StringSlice("ports", []string{nodes.PortOut}, "Output ports of the trigger node")
	cmd.Flags().String("payload", "", "JSON payload of the trigger packet")
	cmd.Flags().Bool("watch", false, "Re-run the flow whenever the flow file changes")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Duration("timeout", 0, "Give up waiting for the graph to drain after this long")
	_ = cmd.MarkFlagRequired("trigger")

	return cmd
}

// parseRunOptions reads the run flags
func parseRunOptions(cmd *cobra.Command) (*RunOptions, error) {
	opts := &RunOptions{}
	var err error

	if opts.ConfigPath, err = cmd.Flags().GetString("config"); err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if opts.LogLevel, err = cmd.Flags().GetString("log-level"); err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if opts.FlowFile, err = cmd.Flags().GetString("flow"); err != nil {
		return nil, fmt.Errorf("failed to get flow flag: %w", err)
	}
	if opts.Trigger, err = cmd.Flags().GetString("trigger"); err != nil {
		return nil, fmt.Errorf("failed to get trigger flag: %w", err)
	}
	if opts.Ports, err = cmd.Flags().GetStringSlice("ports"); err != nil {
		return nil, fmt.Errorf("failed to get ports flag: %w", err)
	}
	if opts.Payload, err = cmd.Flags().GetString("payload"); err != nil {
		return nil, fmt.Errorf("failed to get payload flag: %w", err)
	}
	if opts.Watch, err = cmd.Flags().GetBool("watch"); err != nil {
		return nil, fmt.Errorf("failed to get watch flag: %w", err)
	}
	if opts.MetricsAddr, err = cmd.Flags().GetString("metrics-addr"); err != nil {
		return nil, fmt.Errorf("failed to get metrics-addr flag: %w", err)
	}
	if opts.Timeout, err = cmd.Flags().GetDuration("timeout"); err != nil {
		return nil, fmt.Errorf("failed to get timeout flag: %w", err)
	}

	return opts, nil
}

// buildConfig loads the config file and lets flags override its values.
func buildConfig(opts *RunOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.FlowFile != "" {
		cfg.Flow.File = opts.FlowFile
	}
	if opts.Watch {
		cfg.Flow.Watch = true
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Address = opts.MetricsAddr
	}

	if cfg.Flow.File == "" {
		return nil, errors.New("no flow file specified. Use --flow or flow.file in the config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// parsePayload decodes the --payload flag. An empty flag means no payload.
func parsePayload(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return payload, nil
}

// buildGuards compiles the guards every node type is wrapped with.
func buildGuards(cfg config.GuardsConfig, logger *slog.Logger) ([]runtime.GuardRef, error) {
	var refs []runtime.GuardRef

	if len(cfg.PolicyFiles) > 0 {
		modules := make(map[string]string, len(cfg.PolicyFiles))
		for _, path := range cfg.PolicyFiles {
			// #nosec G304 -- Policy paths are supplied by the operator
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			modules[filepath.Base(path)] = string(data)
		}
		refs = append(refs, guards.ProvidePolicy(policyGuardKey, guards.PolicyOptions{
			Entrypoint: cfg.PolicyEntrypoint,
			Modules:    modules,
			Logger:     logger,
		}))
	}

	if cfg.RateLimit != nil {
		overrides := make(map[string]guards.RateLimitConfig, len(cfg.RateLimit.Nodes))
		for id, override := range cfg.RateLimit.Nodes {
			overrides[id] = guards.RateLimitConfig{PerSecond: override.PerSecond, Burst: override.Burst}
		}
		defaults := guards.RateLimitConfig{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst}
		refs = append(refs, guards.ProvideRateLimit(rateLimitGuardKey, defaults, overrides))
	}

	return refs, nil
}

// guardClasses returns copies of classes whose descriptors carry refs after their
// own guards.
func guardClasses(classes []runtime.NodeClass, refs []runtime.GuardRef) []runtime.NodeClass {
	if len(refs) == 0 {
		return classes
	}
	out := make([]runtime.NodeClass, len(classes))
	for i, class := range classes {
		desc := *class.Descriptor
		desc.Guards = append(append([]runtime.GuardRef{}, class.Descriptor.Guards...), refs...)
		out[i] = runtime.NodeClass{Descriptor: &desc, Construct: class.Construct}
	}
	return out
}

// buildEngine registers the built-in nodes, configured guards and the Prometheus
// metrics service.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, *telemetry.Metrics, error) {
	refs, err := buildGuards(cfg.Guards, logger)
	if err != nil {
		return nil, nil, err
	}

	metrics := telemetry.NewMetrics()
	eng, err := engine.New(engine.Config{
		Nodes:    guardClasses(nodes.Builtin(logger), refs),
		Services: []container.Provider{container.Value(metricsServiceKey, metrics)},
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, metrics, nil
}

// runner executes a flow descriptor once per call.
type runner struct {
	engine  *engine.Engine
	cfg     *config.Config
	opts    *RunOptions
	payload any
	events  zerolog.Logger
	logger  *slog.Logger
	out     io.Writer
}

func (r *runner) run(ctx context.Context, desc domain.FlowDescriptor) error {
	ec, err := r.engine.CreateContext(ctx, desc, r.cfg.Flow.Values,
		engine.WithStrict(r.cfg.Flow.IsStrict()),
		engine.WithObserver(logging.EventObserver(r.events)),
	)
	if err != nil {
		return fmt.Errorf("bind flow: %w", err)
	}

	ec.Setup(ctx)

	pending, err := ec.Trigger(ctx, r.opts.Trigger, r.opts.Ports, domain.PacketData{Payload: r.payload})
	if err != nil {
		ec.Teardown(context.WithoutCancel(ctx))
		return fmt.Errorf("trigger %s: %w", r.opts.Trigger, err)
	}

	waitCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := pending.Wait(waitCtx)
	if err != nil {
		ec.Kill(context.WithoutCancel(ctx))
		return fmt.Errorf("wait for flow: %w", err)
	}
	ec.Teardown(ctx)

	r.logger.Info("Flow drained", "trigger", r.opts.Trigger, "duration", time.Since(start))
	return writeResult(r.out, result)
}

func writeResult(w io.Writer, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// runRun is the main entry point for the run command
func runRun(cmd *cobra.Command, _ []string) error {
	opts, err := parseRunOptions(cmd)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}

	payload, err := parsePayload(opts.Payload)
	if err != nil {
		return err
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty, Output: cmd.ErrOrStderr()}
	logger := logging.NewLogger(logCfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	eng, metrics, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		server, err := startMetricsServer(cfg.Metrics, metrics.Handler(), logger)
		if err != nil {
			return err
		}
		defer shutdownServer(server, logger)
	}

	r := &runner{
		engine:  eng,
		cfg:     cfg,
		opts:    opts,
		payload: payload,
		events:  logging.NewEventLogger(logCfg),
		logger:  logger,
		out:     cmd.OutOrStdout(),
	}

	logger.Info("Starting packetflow", "flow", cfg.Flow.File, "trigger", opts.Trigger, "watch", cfg.Flow.Watch)

	if !cfg.Flow.Watch {
		desc, err := config.LoadFlowFile(cfg.Flow.File)
		if err != nil {
			return err
		}
		return r.run(ctx, desc)
	}

	return watchAndRun(ctx, r, cfg, logger)
}

// watchAndRun re-runs the flow on every published descriptor until ctx ends.
func watchAndRun(ctx context.Context, r *runner, cfg *config.Config, logger *slog.Logger) error {
	provider, err := config.NewFileFlowProvider(cfg.Flow.File, config.ProviderOptions{
		Debounce: cfg.Flow.Debounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close flow provider", "error", err)
		}
	}()

	updates := provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping flow watch")
			return nil
		case desc, ok := <-updates:
			if !ok {
				return nil
			}
			if err := r.run(ctx, desc); err != nil {
				logger.Warn("Flow run failed", "error", err)
			}
		}
	}
}

func startMetricsServer(cfg config.MetricsConfig, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, otelhttp.NewHandler(handler, "packetflow.metrics"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener %s: %w", cfg.Address, err)
	}

	logger.Info("Metrics listening", "addr", listener.Addr().String(), "path", cfg.Path)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return server, nil
}

func shutdownServer(server *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Metrics shutdown error", "error", err)
	}
}
