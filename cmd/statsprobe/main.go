package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/StatsProbe/internal/output"
	"github.com/PentesterFlow/StatsProbe/internal/probe"
	"github.com/PentesterFlow/StatsProbe/internal/progress"
	"github.com/PentesterFlow/StatsProbe/internal/shutdown"
	"github.com/PentesterFlow/StatsProbe/internal/state"
	"github.com/PentesterFlow/StatsProbe/pkg/analyzer"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	envFile    string
	verbose    bool
	debug      bool
	storePath  string
	storeType  string
	tablesPath string

	// Analyze flags
	baseURL    string
	timeout    time.Duration
	pause      time.Duration
	rateLimit  float64
	retries    int
	proxyURL   string
	failFast   bool
	reportFile string
	streamJSON bool
	todoFile   string
	includes   []string
	excludes   []string

	// Display flags
	showProgress bool
	noProgress   bool

	// Docs flags
	docsDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "statsprobe",
		Short: "StatsProbe - Stats API endpoint analyzer",
		Long: `StatsProbe - Reverse-engineers the parameter contract of stats API endpoints.

Sends a short series of probing requests per endpoint, classifies the error text
the API answers with, and records required, nullable and pattern-constrained
parameters in a JSON record store. Records can be rendered as markdown pages.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Analyze command
	analyzeCmd := &cobra.Command{
		Use:   "analyze [endpoints...]",
		Short: "Analyze endpoints",
		Long:  "Analyze the named endpoints, or every known endpoint when none are named. Endpoints already stored as success or deprecated are skipped.",
		RunE:  runAnalyze,
	}

	// Docs command
	docsCmd := &cobra.Command{
		Use:   "docs",
		Short: "Generate endpoint documentation",
		Long:  "Render one markdown page per successfully analyzed endpoint in the record store.",
		Args:  cobra.NoArgs,
		RunE:  runDocs,
	}

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show record store status",
		Long:  "Show how many endpoints are stored per status and which known endpoints still need analysis.",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Dotenv file with STATSPROBE_* overrides (default: .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store", "s", "analysis.json", "Record store path")
	rootCmd.PersistentFlags().StringVar(&storeType, "store-backend", state.BackendFile, "Record store backend (file, bolt, memory)")
	rootCmd.PersistentFlags().StringVar(&tablesPath, "tables", "", "Tables file layered over the built-in tables")

	// Analyze flags
	analyzeCmd.Flags().StringVar(&baseURL, "base-url", "", "Stats API root URL")
	analyzeCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Request timeout")
	analyzeCmd.Flags().DurationVar(&pause, "pause", time.Second, "Pause between probes and endpoints")
	analyzeCmd.Flags().Float64VarP(&rateLimit, "rate-limit", "r", 2, "Requests per second (0 for unlimited)")
	analyzeCmd.Flags().IntVar(&retries, "retries", 0, "Transport retries per request")
	analyzeCmd.Flags().StringVar(&proxyURL, "proxy", "", "Proxy URL")
	analyzeCmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first endpoint that fails hard")
	analyzeCmd.Flags().StringVarP(&reportFile, "report", "o", "", "Write a JSON run report to this file (- for stdout)")
	analyzeCmd.Flags().BoolVar(&streamJSON, "stream", false, "Stream one JSON event per endpoint into the report")
	analyzeCmd.Flags().StringArrayVar(&includes, "include", nil, "Endpoint name patterns to include (regex)")
	analyzeCmd.Flags().StringArrayVar(&excludes, "exclude", nil, "Endpoint name patterns to exclude (regex)")
	analyzeCmd.Flags().StringVar(&todoFile, "todo", "", "Write the todo report to this file (default: stdout)")

	// Display flags
	analyzeCmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress bar during analysis")
	analyzeCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (use verbose logging instead)")

	// Docs flags
	docsCmd.Flags().StringVarP(&docsDir, "dir", "d", "", "Output directory (default: endpoint_documentation)")

	// Add commands
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and changed flags.
func loadConfig(cmd *cobra.Command) (*analyzer.Config, error) {
	config := analyzer.DefaultConfig()
	if configFile != "" {
		fileConfig, err := analyzer.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.ApplyEnv(envFiles...); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("store") {
		config.Store.Path = storePath
	}
	if flags.Changed("store-backend") {
		config.Store.Backend = storeType
	}
	if flags.Changed("tables") {
		config.TablesPath = tablesPath
	}
	if flags.Changed("base-url") {
		config.BaseURL = baseURL
	}
	if flags.Changed("timeout") {
		config.Timeout = timeout
	}
	if flags.Changed("pause") {
		config.Pause = pause
	}
	if flags.Changed("rate-limit") {
		config.RateLimit.RequestsPerSecond = rateLimit
	}
	if flags.Changed("retries") {
		config.Retries = retries
	}
	if flags.Changed("proxy") {
		config.Proxy = proxyURL
	}
	if flags.Changed("fail-fast") {
		config.FailFast = failFast
	}
	if flags.Changed("include") {
		config.Scope.IncludePatterns = includes
	}
	if flags.Changed("exclude") {
		config.Scope.ExcludePatterns = excludes
	}
	if flags.Changed("dir") {
		config.DocsDir = docsDir
	}
	config.Verbose = config.Verbose || verbose
	config.Debug = config.Debug || debug

	return config, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Determine if progress bar should be shown
	enableProgress := showProgress && !noProgress && !verbose && !debug

	var report output.Writer
	if reportFile != "" {
		var w io.Writer = os.Stdout
		if reportFile != "-" {
			f, err := os.Create(reportFile)
			if err != nil {
				return fmt.Errorf("failed to create report file: %w", err)
			}
			defer f.Close()
			w = f
		}
		report, err = output.NewWriter(w, output.Config{
			Format:   "json",
			Pretty:   !streamJSON,
			Stream:   streamJSON,
			FilePath: reportFile,
		})
		if err != nil {
			return err
		}
	}

	display := progress.New(os.Stderr)
	var streamErr error
	a, err := analyzer.New(
		analyzer.WithConfig(config),
		analyzer.WithProgress(func(done, total int, endpoint, outcome string) {
			if enableProgress {
				display.Update(done, endpoint, outcome)
			}
		}),
		analyzer.WithResultHook(func(res probe.EndpointResult) {
			if report != nil && streamJSON && streamErr == nil {
				streamErr = report.WriteEndpoint(&res)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}

	// Setup signal handling
	handler := shutdown.New(context.Background(), shutdown.Config{
		Timeout: 10 * time.Second,
		OnShutdownStart: func(sig os.Signal) {
			fmt.Fprintf(os.Stderr, "\nReceived %s, stopping after the current request...\n", sig)
		},
	})
	handler.Register("store", func(ctx context.Context) error {
		return a.Close()
	})
	if report != nil {
		handler.Register("report", func(ctx context.Context) error {
			return report.Close()
		})
	}
	defer func() {
		for _, err := range handler.Shutdown() {
			fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
		}
	}()

	endpoints := a.Select(args)

	if enableProgress {
		fmt.Fprintf(os.Stderr, "\nStatsProbe v%s - analyzing %d endpoints\n", version, len(endpoints))
		fmt.Fprintf(os.Stderr, "API:   %s\nStore: %s\n\n", config.BaseURL, a.StorePath())
		display.Start(len(endpoints))
	} else {
		printBanner(config, len(endpoints))
	}

	result, runErr := a.Run(handler.Context(), endpoints)

	if enableProgress {
		display.Stop()
		display.PrintSummary()
	}

	if result != nil {
		if report != nil {
			if streamErr != nil {
				return fmt.Errorf("failed to stream report: %w", streamErr)
			}
			if err := report.WriteReport(result.Report); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			if err := report.Flush(); err != nil {
				return err
			}
		}

		if err := writeTodo(a, result); err != nil {
			return err
		}

		if !enableProgress {
			printSummary(result.Report)
		}
	}

	if handler.Interrupted() {
		fmt.Fprintf(os.Stderr, "Interrupted. Records analyzed so far are saved in %s\n", a.StorePath())
		return nil
	}
	if runErr != nil {
		return fmt.Errorf("analysis failed: %w", runErr)
	}
	if result != nil {
		if aborted := result.Report.AbortedEndpoints(); len(aborted) > 0 {
			return fmt.Errorf("%d endpoints aborted: %v", len(aborted), aborted)
		}
	}
	return nil
}

func writeTodo(a *analyzer.Analyzer, result *analyzer.Result) error {
	if todoFile == "" {
		return a.WriteTodo(os.Stdout, result)
	}
	f, err := os.Create(todoFile)
	if err != nil {
		return fmt.Errorf("failed to create todo file: %w", err)
	}
	defer f.Close()
	return a.WriteTodo(f, result)
}

func runDocs(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := analyzer.New(analyzer.WithConfig(config))
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}
	defer a.Close()

	pages, err := a.GenerateDocs("")
	if err != nil {
		return fmt.Errorf("docs generation failed: %w", err)
	}

	warnings := 0
	for _, p := range pages {
		warnings += len(p.Warnings)
	}
	fmt.Printf("Wrote %d pages to %s (%d warnings)\n", len(pages), config.DocsDir, warnings)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := analyzer.New(analyzer.WithConfig(config))
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}
	defer a.Close()

	s := a.Status()
	fmt.Printf("Record store: %s\n", s.StorePath)
	fmt.Printf("Success:      %d\n", s.Counts[state.StatusSuccess])
	fmt.Printf("Invalid:      %d\n", s.Counts[state.StatusInvalid])
	fmt.Printf("Deprecated:   %d\n", s.Counts[state.StatusDeprecated])
	fmt.Printf("Not analyzed: %d of %d known\n", len(s.NotAnalyzed), len(a.Tables().Endpoints()))

	if len(s.Invalid) > 0 {
		fmt.Println()
		fmt.Println("Invalid (probed again on the next run):")
		for _, name := range s.Invalid {
			fmt.Printf("  %s\n", name)
		}
	}
	if verbose && len(s.NotAnalyzed) > 0 {
		fmt.Println()
		fmt.Println("Not analyzed:")
		for _, name := range s.NotAnalyzed {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}

func printBanner(config *analyzer.Config, total int) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                      StatsProbe v1.0                         ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "API:        %s\n", config.BaseURL)
	fmt.Fprintf(os.Stderr, "Endpoints:  %d\n", total)
	fmt.Fprintf(os.Stderr, "Pause:      %v\n", config.Pause)
	fmt.Fprintf(os.Stderr, "Rate Limit: %.1f req/s\n", config.RateLimit.RequestsPerSecond)
	fmt.Fprintln(os.Stderr)
}

func printSummary(report *output.Report) {
	s := report.Statistics
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                      Analysis Summary                        ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Duration:    %v\n", report.Duration.Round(time.Second))
	fmt.Fprintf(os.Stderr, "Success:     %d\n", s.Success)
	fmt.Fprintf(os.Stderr, "Invalid:     %d\n", s.Invalid)
	fmt.Fprintf(os.Stderr, "Deprecated:  %d\n", s.Deprecated)
	fmt.Fprintf(os.Stderr, "Skipped:     %d\n", s.Skipped)
	fmt.Fprintf(os.Stderr, "Aborted:     %d\n", s.Aborted)
	if n, ok := report.Metrics["requests_total"]; ok {
		fmt.Fprintf(os.Stderr, "Requests:    %v\n", n)
	}
	fmt.Fprintln(os.Stderr)

	for _, res := range report.Endpoints {
		if res.Error != "" {
			fmt.Fprintf(os.Stderr, "  [aborted] %s: %s\n", res.Endpoint, res.Error)
		}
	}
}
