package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/bootstrap"
	"github.com/loomi/story-rag/internal/ingestion"
	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/pkg/config"
	appLogger "github.com/loomi/story-rag/pkg/logger"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config YAML (optional)")
	collection := flag.String("collection", "", "Collection to index into (default: vector.defaultCollection)")
	dryRun := flag.Bool("dry-run", false, "Load and validate the corpus without indexing")
	watch := flag.Bool("watch", false, "Keep running and re-index files that change")
	debounce := flag.Duration("debounce", 500*time.Millisecond, "Quiet period before a changed file is re-indexed")
	flag.Parse()

	inputs := flag.Args()
	if len(inputs) == 0 {
		fmt.Println("Usage: indexer [--config=config.yaml] [--collection=name] [--dry-run] [--watch] <dir | file...>")
		os.Exit(1)
	}

	_ = godotenv.Load()

	v := viper.New()
	if *cfgPath != "" {
		v.SetConfigFile(*cfgPath)
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		color.Red("Failed to load config: %v", err)
		os.Exit(1)
	}

	if err := appLogger.Init(appLogger.Config{
		Level:      cfg.Logging.Level,
		Format:     "console",
		OutputPath: "stderr",
	}); err != nil {
		color.Red("Failed to initialize logger: %v", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	metrics.Init()

	if *collection == "" {
		*collection = cfg.Vector.DefaultCollection
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var indexer ingestion.Indexer
	if !*dryRun {
		container, err := bootstrap.New(ctx, cfg)
		if err != nil {
			color.Red("Failed to initialize storage: %v", err)
			os.Exit(1)
		}
		defer container.Close()
		indexer = container.Manager
	}

	processor := ingestion.NewProcessor(indexer, *collection)

	report, err := run(ctx, processor, inputs)
	if report != nil {
		printReport(report, *dryRun)
	}
	if err != nil {
		color.Red("Indexing failed: %v", err)
		os.Exit(1)
	}

	if !*watch {
		return
	}

	dir := inputs[0]
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		color.Red("--watch needs a directory, got %s", dir)
		os.Exit(1)
	}

	color.Cyan("\nWatching %s for changes (Ctrl+C to stop)", dir)
	err = ingestion.Watch(ctx, dir, *debounce, func(path string) {
		report, err := processor.IndexFiles(ctx, path)
		if err != nil {
			appLogger.Error("Re-index failed", zap.String("path", path), zap.Error(err))
			return
		}
		color.Green("Re-indexed %s: %d valid, %d invalid", path, report.Valid, len(report.Invalid))
	})
	if err != nil {
		color.Red("Watcher stopped: %v", err)
		os.Exit(1)
	}
}

// run indexes a single directory argument as a whole corpus and anything
// else as a list of files.
func run(ctx context.Context, p *ingestion.Processor, inputs []string) (*ingestion.Report, error) {
	if len(inputs) == 1 {
		if info, err := os.Stat(inputs[0]); err == nil && info.IsDir() {
			return p.IndexDir(ctx, inputs[0])
		}
	}
	return p.IndexFiles(ctx, inputs...)
}

func printReport(r *ingestion.Report, dryRun bool) {
	color.Cyan("Collection %s", r.Collection)
	fmt.Printf("  files:   %d\n", r.Files)
	fmt.Printf("  loaded:  %d\n", r.Loaded)
	fmt.Printf("  valid:   %d\n", r.Valid)

	if len(r.Invalid) > 0 {
		color.Yellow("  invalid: %d", len(r.Invalid))
		for _, inv := range r.Invalid {
			color.Yellow("    %s [%s]: %s", inv.Path, inv.ID, inv.Err)
		}
	}

	s := r.Stats
	color.Cyan("\nDataset")
	fmt.Printf("  words:       %d (avg %.1f)\n", s.TotalWords, s.AverageWords)
	fmt.Printf("  themes:      %d unique\n", s.UniqueThemes)
	fmt.Printf("  characters:  %d unique\n", s.UniqueCharacters)
	fmt.Printf("  with moral:  %d\n", s.WithMoral)
	printDistribution("age groups", s.AgeGroupDistribution)
	printDistribution("difficulty", s.DifficultyDistribution)
	for _, c := range s.TopThemes {
		fmt.Printf("  theme %-16s %d\n", c.Value, c.Count)
	}
	for _, c := range s.TopCharacters {
		fmt.Printf("  character %-12s %d\n", c.Value, c.Count)
	}

	switch {
	case dryRun:
		color.Yellow("\nDry run: nothing was indexed")
	case r.Indexed:
		color.Green("\nIndexed %d stories into %s", r.Valid, r.Collection)
	default:
		color.Red("\nNo stories were indexed")
	}
}

func printDistribution(label string, dist map[string]int) {
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("  %-12s", label+":")
	for _, k := range keys {
		fmt.Printf(" %s=%d", k, dist[k])
	}
	fmt.Println()
}
