package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dartsearch/internal/genotype"
	"dartsearch/internal/storage"
	api "dartsearch/pkg/dartsearch"
)

const (
	modelSaveDir = "search"
	exportsDir   = "exports"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "reset":
		return runReset(ctx, args[1:])
	case "search":
		return runSearch(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "genotype":
		return runGenotype(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type storeFlags struct {
	kind    *string
	dbPath  *string
	saveDir *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind:    fs.String("store", storage.DefaultStoreKind, "store backend: memory|sqlite|badger"),
		dbPath:  fs.String("db-path", "", "sqlite database file or badger directory (default "+storage.DefaultSQLitePath+" or "+storage.DefaultBadgerDir+")"),
		saveDir: fs.String("model-save-dir", modelSaveDir, "directory for run artifacts and checkpoints"),
	}
}

func (s storeFlags) client(logger *slog.Logger, reg prometheus.Registerer) (*api.Client, error) {
	dbPath := *s.dbPath
	if dbPath == "" && *s.kind == storage.KindBadger {
		dbPath = storage.DefaultBadgerDir
	}
	return api.New(api.Options{
		StoreKind:    *s.kind,
		DBPath:       dbPath,
		ModelSaveDir: *s.saveDir,
		ExportsDir:   exportsDir,
		Logger:       logger,
		Registerer:   reg,
	})
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *store.kind)
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Reset(ctx); err != nil {
		return err
	}

	fmt.Printf("reset store=%s\n", *store.kind)
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090 (empty disables)")
	store := addStoreFlags(fs)
	registerSearchFlags(fs, api.DefaultRunRequest())
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	overrideFromFlags(&req, fs)
	if err := printArguments(os.Stdout, req); err != nil {
		return err
	}

	logger := newLogger(os.Stderr)
	var reg *prometheus.Registry
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
		shutdown := serveMetrics(*metricsAddr, reg, logger)
		defer shutdown()
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	client, err := store.client(logger, registerer)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("search completed run_id=%s epochs=%d devices=%d param_size=%s steps_per_epoch=%d\n",
		summary.RunID, len(summary.History), len(summary.Devices), humanize.Bytes(summary.ParamBytes), summary.StepsPerEpoch)
	for _, record := range summary.History {
		fmt.Printf("epoch=%d lr=%.8f train_top1=%.6f valid_top1=%.6f best_valid_top1=%.6f\n",
			record.Epoch, record.LastLR, record.TrainTop1, record.ValidTop1, record.BestValidTop1)
	}
	fmt.Printf("best_valid_top1=%.6f\n", summary.BestValidTop1)
	fmt.Printf("genotype=%s fingerprint=%s\n", summary.FinalGenotype, summary.Fingerprint)
	fmt.Printf("artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	runs, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(os.Stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s created_at=%s dataset=%s seed=%d epochs=%d layers=%d devices=%d best_valid_top1=%.6f\n",
			r.RunID, r.CreatedAtUTC, r.Dataset, r.Seed, r.Epochs, r.Layers, r.Devices, r.BestValidTop1)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show history for the most recent run from run index")
	limit := fs.Int("limit", 0, "max epochs to print (0 for all)")
	jsonOut := fs.Bool("json", false, "emit epoch records as JSON")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	history, err := client.History(ctx, api.RunRef{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(os.Stdout, history)
	}
	for _, r := range history {
		fmt.Printf("epoch=%d steps=%d lr=%.8f train_loss=%.6f train_top1=%.6f valid_loss=%.6f valid_top1=%.6f best_valid_top1=%.6f\n",
			r.Epoch, r.TrainSteps, r.LastLR, r.TrainLoss, r.TrainTop1, r.ValidLoss, r.ValidTop1, r.BestValidTop1)
	}
	return nil
}

func runGenotype(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genotype", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show genotypes of the most recent run from run index")
	all := fs.Bool("all", false, "print the genotype of every epoch instead of the last one")
	jsonOut := fs.Bool("json", false, "emit genotypes as JSON")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	limit := 1
	if *all {
		limit = 0
	}
	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	genotypes, err := client.Genotypes(ctx, api.RunRef{RunID: *runID, Latest: *latest, Limit: limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(os.Stdout, genotypes)
	}
	for _, g := range genotypes {
		fmt.Printf("epoch=%d fingerprint=%s genotype=%s\n", g.Epoch, g.Fingerprint, genotype.Format(g))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	exported, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}

	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

// newLogger writes human-readable lines to a terminal and JSON otherwise.
func newLogger(f *os.File) *slog.Logger {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(f, nil))
	}
	return slog.New(slog.NewJSONHandler(f, nil))
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// printArguments lists the effective search settings, one per line, sorted
// by name.
func printArguments(w io.Writer, req api.RunRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "-----------  Configuration Arguments -----------")
	for _, name := range names {
		fmt.Fprintf(w, "%s: %v\n", name, fields[name])
	}
	fmt.Fprintln(w, "------------------------------------------------")
	return nil
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: dartsearchctl <init|reset|search|runs|history|genotype|export> [flags]", msg)
}
