package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/specular/internal/config"
	"github.com/banshee-data/specular/internal/fsutil"
	"github.com/banshee-data/specular/internal/gridstore"
	"github.com/banshee-data/specular/internal/ingest"
	"github.com/banshee-data/specular/internal/ledger"
	"github.com/banshee-data/specular/internal/source"
	"github.com/banshee-data/specular/internal/timeutil"
	"github.com/banshee-data/specular/internal/version"
)

var (
	productName = flag.String("product", "spire", "observation product: spire or cygnss")
	inputDir    = flag.String("input", "", "root directory of the product's .nc files")
	outputRoot  = flag.String("out", "", "grid store root (default $SPECULAR_OUTPUT_ROOT)")
	dbPath      = flag.String("db", "", "run ledger database (default $SPECULAR_DB)")
	configPath  = flag.String("config", "", "JSON config file (default $SPECULAR_CONFIG)")
	datePrefix  = flag.String("date", "", "only dates starting with this prefix, e.g. 2024-04")
	composite   = flag.Bool("composite", false, "build one composite over every matching date instead of one per date")
	skipDone    = flag.Bool("skip-done", false, "skip dates whose files were all applied by a completed run")
	noLedger    = flag.Bool("no-ledger", false, "do not record runs")
	debug       = flag.Bool("debug", false, "log every batch result")
	progressN   = flag.Int("progress", 100, "log progress every N files")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("gridder"))
		return
	}
	if *inputDir == "" {
		log.Fatalf("-input is required")
	}
	if *composite && *datePrefix == "" {
		log.Fatalf("-composite needs a -date prefix to label the output")
	}

	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("env: %v", err)
	}
	if *configPath == "" {
		*configPath = env.Config
	}
	if *outputRoot == "" {
		*outputRoot = env.OutputRoot
	}
	if *dbPath == "" {
		*dbPath = env.DB
	}
	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ApplyEnv(env)

	if *debug {
		ingest.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	} else {
		ingest.SetLogWriters(os.Stderr, os.Stderr, nil)
	}

	product, err := source.ProductByName(*productName)
	if err != nil {
		log.Fatalf("product: %v", err)
	}
	domain, err := cfg.GetDomain(product.Domain)
	if err != nil {
		log.Fatalf("domain: %v", err)
	}
	filters, err := cfg.Filters()
	if err != nil {
		log.Fatalf("quality: %v", err)
	}

	g := &gridder{
		product: product,
		runCfg: ingest.Config{
			Domain:       domain,
			Policy:       cfg.GetPolicy(),
			Edge:         cfg.GetEdgePolicy(product.Edge),
			Measurements: cfg.GetMeasurements(product.MeasurementNames()),
			Filters:      filters,
			Clock:        timeutil.RealClock{},
		},
		store:    gridstore.New(fsutil.OSFileSystem{}, *outputRoot, cfg.GetCodec(), cfg.GetWriteCounts()),
		read:     source.ReadBatch,
		root:     *inputDir,
		workers:  cfg.GetWorkers(),
		every:    *progressN,
		skipDone: *skipDone,
	}
	if !*noLedger {
		l, err := ledger.Open(*dbPath, timeutil.RealClock{})
		if err != nil {
			log.Fatalf("open ledger: %v", err)
		}
		defer l.Close()
		g.ledger = l
	}

	dates, err := source.Discover(os.DirFS(*inputDir), product, *datePrefix)
	if err != nil {
		log.Fatalf("discover: %v", err)
	}
	work := units(dates, *composite, *datePrefix)
	if len(work) == 0 {
		log.Printf("[gridder] no %s files under %s matching %q", product.Name, *inputDir, *datePrefix)
		return
	}
	log.Printf("[gridder] %s: %d unit(s), domain %s, policy %s, codec %s, %d workers",
		product.Name, len(work), domain, g.runCfg.Policy, g.store.Codec().Name(), g.workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, u := range work {
		skip, err := g.done(u)
		if err != nil {
			log.Fatalf("ledger: %v", err)
		}
		if skip {
			log.Printf("[gridder] %s already applied, skipping", u.Label)
			continue
		}
		arts, err := g.build(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				log.Fatalf("interrupted: %v", err)
			}
			log.Printf("[gridder] %v", err)
			failed++
			continue
		}
		for _, a := range arts {
			fmt.Printf("%s -> %s (%d cells, xxh64 %016x)\n", a.Key, a.Path, a.ValidCells, a.Checksum)
		}
	}
	if failed > 0 {
		log.Fatalf("%d of %d unit(s) failed", failed, len(work))
	}
	fmt.Println("gridding complete")
}
