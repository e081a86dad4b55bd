// Command lossengine estimates the projected loss of a building portfolio,
// locally or on a remote lossserver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/internal/dataset"
	"github.com/perilstack/lossengine/internal/engine"
	"github.com/perilstack/lossengine/internal/formula"
	"github.com/perilstack/lossengine/internal/report"
	"github.com/perilstack/lossengine/internal/rpc"
	"github.com/perilstack/lossengine/internal/service"
	"github.com/perilstack/lossengine/pkg/types"
)

// verifyTolerance is the largest relative difference accepted between a run
// and its reference.
const verifyTolerance = 1e-9

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath   string
	data         string
	replicate    int
	workers      int
	formula      string
	discountRate float64
	horizon      int
	show         bool
	remote       string
	remoteTLS    bool
	verify       bool
	set          map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("lossengine", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "path to config file (optional)")
	fs.StringVar(&o.data, "data", "", "dataset file (.json or .json.zst) or http(s) URL")
	fs.IntVar(&o.replicate, "replicate", 0, "run on N copies of the first record")
	fs.IntVar(&o.workers, "workers", 0, "worker count (0: logical CPUs minus two)")
	fs.StringVar(&o.formula, "formula", "", "loss formula: "+strings.Join(formula.Names(), "|"))
	fs.Float64Var(&o.discountRate, "discount-rate", formula.DefaultDiscountRate, "annual discount rate")
	fs.IntVar(&o.horizon, "horizon", formula.DefaultHorizonYears, "horizon in years")
	fs.BoolVar(&o.show, "show", false, "print the loss of every building")
	fs.StringVar(&o.remote, "remote", "", "run on a lossserver gRPC endpoint (host:port)")
	fs.BoolVar(&o.remoteTLS, "remote-tls", false, "use TLS for -remote")
	fs.BoolVar(&o.verify, "verify", false, "check the result against the scalar reference")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// loadConfig reads the config file, if any, and applies flag overrides.
func (o *options) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	if o.set["data"] {
		if strings.HasPrefix(o.data, "http://") || strings.HasPrefix(o.data, "https://") {
			cfg.Dataset.Endpoint, cfg.Dataset.Path = o.data, ""
		} else {
			cfg.Dataset.Path, cfg.Dataset.Endpoint = o.data, ""
		}
	}
	if o.set["replicate"] {
		cfg.Dataset.Replicate = o.replicate
	}
	if o.set["workers"] {
		cfg.Engine.Workers = o.workers
	}
	if o.set["formula"] {
		cfg.Engine.Formula = o.formula
	}
	if o.set["discount-rate"] {
		cfg.Engine.DiscountRate = o.discountRate
	}
	if o.set["horizon"] {
		cfg.Engine.HorizonYears = o.horizon
	}

	if cfg.Dataset.Replicate < 0 {
		return nil, fmt.Errorf("-replicate must not be negative")
	}
	if cfg.Engine.Workers < 0 {
		return nil, fmt.Errorf("-workers must not be negative")
	}
	if _, err := formula.ByName(cfg.Engine.Formula); err != nil {
		return nil, err
	}
	if err := cfg.Engine.Params().Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	out := report.New(stdout)

	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err) //nolint:errcheck
		return 2
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		out.Error(err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	records, err := dataset.Load(ctx, cfg.Dataset)
	if err != nil {
		out.Error(err)
		return 1
	}
	slog.Debug("dataset loaded", "records", len(records), "path", cfg.Dataset.Path, "endpoint", cfg.Dataset.Endpoint)

	var (
		summary report.Summary
		losses  []float64
	)
	if opts.remote != "" {
		summary, losses, err = estimateRemote(ctx, cfg, opts, records)
	} else {
		summary, losses, err = estimateLocal(ctx, cfg, records)
	}
	if err != nil {
		out.Error(err)
		return 1
	}

	if opts.show {
		summary.Losses = losses
		summary.IDs = ids(records)
	}
	if err := out.Summary(summary); err != nil {
		slog.Error("write summary", "err", err)
		return 1
	}

	if opts.verify {
		check, err := verify(ctx, cfg, records, losses)
		if err != nil {
			out.Error(err)
			return 1
		}
		out.Check(check) //nolint:errcheck
		if !check.OK() {
			return 1
		}
	}
	return 0
}

func estimateLocal(ctx context.Context, cfg *config.Config, records []types.Record) (report.Summary, []float64, error) {
	f, err := formula.ByName(cfg.Engine.Formula)
	if err != nil {
		return report.Summary{}, nil, err
	}
	workers := cfg.Engine.Workers
	if workers == 0 {
		workers = engine.DefaultWorkers()
	}

	start := time.Now()
	res, err := engine.New(f).Run(ctx, records, cfg.Engine.Params(), workers)
	if err != nil {
		return report.Summary{}, nil, err
	}
	return report.Summary{
		Formula:   f.Name(),
		Records:   len(records),
		Workers:   workers,
		Duration:  time.Since(start),
		TotalLoss: res.TotalLoss,
	}, res.Losses, nil
}

func estimateRemote(ctx context.Context, cfg *config.Config, opts *options, records []types.Record) (report.Summary, []float64, error) {
	client, err := rpc.Dial(ctx, rpc.ClientConfig{
		Target: opts.remote,
		APIKey: cfg.Server.Auth.Key(),
		Header: cfg.Server.Auth.EffectiveHeader(),
		TLS:    opts.remoteTLS,

		MaxMessageBytes: cfg.Server.MessageLimit(),
	})
	if err != nil {
		return report.Summary{}, nil, err
	}
	defer client.Close()

	d, h := cfg.Engine.DiscountRate, cfg.Engine.HorizonYears
	req := service.Request{
		Records:      records,
		Formula:      cfg.Engine.Formula,
		DiscountRate: &d,
		HorizonYears: &h,
		Workers:      cfg.Engine.Workers,
	}
	res, err := client.Estimate(ctx, req, opts.show || opts.verify)
	if err != nil {
		return report.Summary{}, nil, err
	}
	return report.Summary{
		RunID:     res.RunID,
		Formula:   res.Formula,
		Records:   res.Records,
		Workers:   res.Workers,
		Duration:  time.Duration(res.DurationMs * float64(time.Millisecond)),
		TotalLoss: res.TotalLoss,
	}, res.Losses, nil
}

// verify recomputes the dataset on one worker with the reference formula:
// the scalar form for the exponential formula, the formula itself otherwise.
func verify(ctx context.Context, cfg *config.Config, records []types.Record, losses []float64) (report.Check, error) {
	ref, err := formula.ByName(cfg.Engine.Formula)
	if err != nil {
		return report.Check{}, err
	}
	if _, ok := ref.(formula.Exponential); ok {
		ref = formula.Scalar{}
	}
	res, err := engine.New(ref).Run(ctx, records, cfg.Engine.Params(), 1)
	if err != nil {
		return report.Check{}, fmt.Errorf("reference run: %w", err)
	}
	if len(res.Losses) != len(losses) {
		return report.Check{}, fmt.Errorf("reference has %d losses, run has %d", len(res.Losses), len(losses))
	}

	var worst float64
	for i, want := range res.Losses {
		worst = math.Max(worst, relError(losses[i], want))
	}
	return report.Check{Reference: res.TotalLoss, MaxRelError: worst, Tolerance: verifyTolerance}, nil
}

func relError(got, want float64) float64 {
	if got == want {
		return 0
	}
	return math.Abs(got-want) / math.Max(math.Abs(want), math.SmallestNonzeroFloat64)
}

func ids(records []types.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
