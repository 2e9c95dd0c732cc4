// Command prep loads the claims data (or any declared CSV), assigns the
// train/test sample, winsorizes the configured columns and optionally exports
// the result to SQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"claimprep/internal/config"
	"claimprep/internal/metrics"
	"claimprep/internal/metrics/datadog"
	"claimprep/internal/pipeline"
	"claimprep/internal/stats"

	// register all export backends with the storage factory.
	_ "claimprep/internal/storage/all"
)

const usage = "usage: prep -config path/to/pipeline.yaml [-metrics-backend none|datadog] [-env-file .env] [-validate] [-v]"

type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (pipeline.Result, error)
}

// metricsConfig is what initMetrics needs to build a backend.
type metricsConfig struct {
	Backend string
	Job     string
	RunID   string
	Tags    []string
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	decode      func(name string, data []byte) (config.Pipeline, error)
	loadEnv     func(files ...string) (config.Env, error)
	newRunID    func() string
	newRunner   func(runID string, verbose bool, stderr io.Writer) runner
	initMetrics func(ctx context.Context, mc metricsConfig) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		decode:      config.Decode,
		loadEnv:     config.LoadEnv,
		newRunID:    uuid.NewString,
		newRunner:   newPipelineRunner,
		initMetrics: initMetrics,
	}
}

func newPipelineRunner(runID string, verbose bool, stderr io.Writer) runner {
	r := pipeline.NewDefaultRunner()
	r.Logger = log.New(stderr, "", log.LstdFlags)
	r.NewRunID = func() string { return runID }
	if !verbose {
		return r
	}
	return verboseRunner{r: r, w: stderr}
}

// verboseRunner also prints the column summaries before winsorization.
type verboseRunner struct {
	r *pipeline.Runner
	w io.Writer
}

func (v verboseRunner) Run(ctx context.Context, cfg config.Pipeline) (pipeline.Result, error) {
	start := time.Now()
	res, err := v.r.Run(ctx, cfg)
	if err == nil {
		fmt.Fprint(v.w, "before winsorize:\n"+stats.Format(res.Before))
		fmt.Fprintf(v.w, "completed in %s\n", time.Since(start).Truncate(time.Millisecond))
	}
	return res, err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain is main without process exit. It returns 2 for usage errors, 1 for
// failures and 0 on success.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("prep", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath        string
		metricsBackend string
		envFiles       string
		validateOnly   bool
		verbose        bool
	)
	fs.StringVar(&cfgPath, "config", "", "pipeline config path (.json, .yaml or .yml)")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none or datadog (overrides env METRICS_BACKEND)")
	fs.StringVar(&envFiles, "env-file", "", "comma-separated dotenv files to load before reading the environment")
	fs.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&verbose, "v", false, "enable verbose output")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	env, err := deps.loadEnv(splitList(envFiles)...)
	if err != nil {
		fmt.Fprintf(stderr, "load env: %v\n", err)
		return 1
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	p, err := deps.decode(cfgPath, raw)
	if err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}
	env.Apply(&p)

	issues := pipeline.Validate(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "invalid config: %s\n", cfgPath)
		return 1
	}
	if validateOnly {
		fmt.Fprintln(stdout, "valid")
		return 0
	}

	if metricsBackend == "" {
		metricsBackend = env.MetricsBackend
	}
	job := p.Job
	if job == "" {
		job = pipeline.DefaultJob
	}
	runID := deps.newRunID()

	cleanup, err := deps.initMetrics(ctx, metricsConfig{
		Backend: metricsBackend,
		Job:     job,
		RunID:   runID,
		Tags:    env.MetricsTags,
	})
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	res, err := deps.newRunner(runID, verbose, stderr).Run(ctx, p)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "ok run_id=%s rows=%d train=%d test=%d\n", res.RunID, res.Rows, res.Train, res.Test)
	cols := make([]string, 0, len(res.Bounds))
	for c := range res.Bounds {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		b, n := res.Bounds[c], res.Clipped[c]
		fmt.Fprintf(stdout, "bounds column=%s lower=%g upper=%g clipped_low=%d clipped_high=%d\n",
			c, b.Lower, b.Upper, n.Low, n.High)
	}
	if p.Storage != nil {
		fmt.Fprintf(stdout, "exported table=%s rows=%d\n", p.Storage.DB.Table, res.Exported)
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// metricsBackend is a metrics.Backend that must be closed to flush.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// initMetrics installs the selected backend. The returned cleanup is never nil
// and flushes the backend.
func initMetrics(ctx context.Context, mc metricsConfig) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(mc.Backend)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    mc.Job,
			RunID:      mc.RunID,
			Tags:       mc.Tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q", mc.Backend)
	}
}
