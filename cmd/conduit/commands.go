package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/eleven-am/conduit"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"gopkg.in/yaml.v3"
)

var (
	configPath string
	overrides  []string

	pipelineID  string
	dataPath    string
	subject     string
	choice      string
	failStage   string
	runTimeout  time.Duration
	traceSpans  bool
	printFormat string

	rootCmd = &cobra.Command{
		Use:   "conduit",
		Short: "Run and inspect multi-stage analysis pipelines",
		Long: `conduit drives a data set through reception, validation, quality,
insight, analytics, decision, review and reporting stages inside one process.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline with the built-in simulated analyzers and print its report",
		RunE:  runPipeline,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE:  printConfig,
	}

	kindsCmd = &cobra.Command{
		Use:   "kinds [domain]",
		Short: "List the registered message kinds, optionally for one domain",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listKinds,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file layered over the defaults")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "override one option, e.g. --set orchestrator.max_retries=5")

	runCmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline id (generated when empty)")
	runCmd.Flags().StringVar(&dataPath, "data", "", "file holding the data set (a small CSV sample when empty)")
	runCmd.Flags().StringVar(&subject, "subject", "publish report", "subject of the review decision")
	runCmd.Flags().StringVar(&choice, "decide", "approve", "choice submitted when the run asks for review; empty leaves it to time out")
	runCmd.Flags().StringVar(&failStage, "fail", "", "stage whose analyzer fails permanently")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 2*time.Minute, "give up waiting for the run after this long")
	runCmd.Flags().BoolVar(&traceSpans, "trace", false, "print dispatch spans to stderr")
	runCmd.Flags().StringVarP(&printFormat, "output", "o", "table", "report format: table or json")

	rootCmd.AddCommand(runCmd, configCmd, kindsCmd)
}

func loadConfig(stderr io.Writer) (*conduit.Config, error) {
	cfg := conduit.DefaultConfig()
	if configPath != "" {
		loaded, err := conduit.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	for _, o := range overrides {
		if err := conduit.SetOption(cfg, o); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Logger = conduit.NewLogger(cfg.Logging, stderr)
	return cfg, nil
}

func printConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func listKinds(cmd *cobra.Command, args []string) error {
	kinds := domain.AllKinds()
	if len(args) == 1 {
		kinds = domain.KindsByDomain(args[0])
		if len(kinds) == 0 {
			return fmt.Errorf("no message kinds in domain %q", args[0])
		}
	}
	for _, k := range kinds {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	stderr := cmd.ErrOrStderr()
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}

	data := sampleData
	if dataPath != "" {
		raw, err := os.ReadFile(dataPath)
		if err != nil {
			return fmt.Errorf("read data: %w", err)
		}
		data = string(raw)
	}

	var opts []conduit.Option
	if traceSpans {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		cfg.Tracing.Enabled = true
		opts = append(opts, conduit.WithSpanExporter(exp))
	}

	c, err := conduit.NewWithConfig(cfg, simulatedAnalyzers(conduit.ProcessingStage(failStage)), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Stop(stopCtx); err != nil {
			cfg.Logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if pipelineID == "" {
		pipelineID = "cli-" + uuid.NewString()[:8]
	}
	runConfig := map[string]interface{}{
		"data":    data,
		"subject": subject,
		"options": []interface{}{"approve", "reject"},
	}
	if _, err := c.StartPipeline(ctx, conduit.StartRequest{
		PipelineID: pipelineID,
		Requester:  "cli",
		Config:     runConfig,
	}); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if choice != "" {
		go answerReview(waitCtx, c, pipelineID, choice)
	}

	report, err := c.Wait(waitCtx, pipelineID)
	if err != nil {
		if ctx.Err() != nil {
			_ = c.Cancel(context.Background(), pipelineID, "interrupted")
		}
		return err
	}

	if err := writeReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.State != conduit.RunCompleted {
		return fmt.Errorf("pipeline %s ended %s", report.PipelineID, report.State)
	}
	return nil
}

// answerReview submits choice as soon as the run parks at user review.
func answerReview(ctx context.Context, c *conduit.Coordinator, pipelineID, choice string) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, pending := range c.PendingDecisions() {
			if pending == pipelineID {
				_ = c.Decide(ctx, pipelineID, choice, "cli", nil)
				return
			}
		}
	}
}

func writeReport(w io.Writer, report conduit.CompletionReport) error {
	if printFormat == "json" {
		enc := xjson.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "pipeline %s (%s) %s in %s\n", report.PipelineID, report.CorrelationID, report.State,
		report.TotalElapsed.Round(time.Millisecond))
	if report.Error != "" {
		fmt.Fprintf(w, "error: %s\n", report.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tRETRIES\tMETRICS")
	for _, s := range report.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Stage, s.Status, s.Duration.Round(time.Millisecond), s.Retries, formatMetrics(s.Metrics))
	}
	return tw.Flush()
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%.2f", k, metrics[k])
	}
	return out
}
