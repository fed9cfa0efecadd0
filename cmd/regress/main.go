package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/specular/internal/config"
	"github.com/banshee-data/specular/internal/fsutil"
	"github.com/banshee-data/specular/internal/gridstore"
	"github.com/banshee-data/specular/internal/regress"
	"github.com/banshee-data/specular/internal/source"
	"github.com/banshee-data/specular/internal/version"
)

func main() {
	var xProduct, xMeasurement, yProduct, yMeasurement string
	var startStr, endStr, name, outputRoot, configPath string
	var figures, showVersion bool

	flag.StringVar(&xProduct, "x", "spire", "predictor product")
	flag.StringVar(&xMeasurement, "x-measurement", source.SNR, "predictor measurement")
	flag.StringVar(&yProduct, "y", "cygnss", "response product")
	flag.StringVar(&yMeasurement, "y-measurement", source.SNR, "response measurement")
	flag.StringVar(&startStr, "start", "", "first date (YYYY-MM-DD)")
	flag.StringVar(&endStr, "end", "", "last date (YYYY-MM-DD)")
	flag.StringVar(&name, "name", "", "output name under <out>/regression/ (default <x>_<y>_<measurement>)")
	flag.StringVar(&outputRoot, "out", "", "grid store root (default $SPECULAR_OUTPUT_ROOT)")
	flag.StringVar(&configPath, "config", "", "JSON config file (default $SPECULAR_CONFIG)")
	flag.BoolVar(&figures, "figures", true, "write histograms and the slope map")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String("regress"))
		return
	}
	if startStr == "" || endStr == "" {
		log.Fatalf("start and end must be provided")
	}
	dates, err := dateRange(startStr, endStr)
	if err != nil {
		log.Fatalf("%v", err)
	}

	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("env: %v", err)
	}
	if configPath == "" {
		configPath = env.Config
	}
	if outputRoot == "" {
		outputRoot = env.OutputRoot
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ApplyEnv(env)
	regress.SetLogWriters(os.Stderr, os.Stderr, nil)

	x, err := seriesFor(cfg, xProduct, xMeasurement)
	if err != nil {
		log.Fatalf("x: %v", err)
	}
	y, err := seriesFor(cfg, yProduct, yMeasurement)
	if err != nil {
		log.Fatalf("y: %v", err)
	}
	if name == "" {
		name = x.Product + "_" + y.Product + "_" + y.Measurement
	}

	j := job{
		X:     x,
		Y:     y,
		Dates: dates,
		Name:  gridstore.SanitizeName(name),
		Opts: regress.Options{
			Seed:         cfg.GetRegressionSeed(),
			TestFraction: cfg.GetTestFraction(),
			Workers:      cfg.GetWorkers(),
		},
		HistBin: cfg.GetHistogramBin(),
		LogY:    cfg.GetHistogramLogY(),
		Figures: figures,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fsys := fsutil.OSFileSystem{}
	store := gridstore.New(fsys, outputRoot, cfg.GetCodec(), false)
	out, err := run(ctx, store, fsys, filepath.Join(outputRoot, "figures"), j)
	if err != nil {
		log.Fatalf("regress: %v", err)
	}

	fmt.Printf("%d epochs, %s\n", len(out.Dates), out.Result)
	for _, a := range out.Artifacts {
		fmt.Printf("%s (%d cells, xxh64 %016x)\n", a.Path, a.ValidCells, a.Checksum)
	}
	for _, f := range out.Figures {
		fmt.Printf("figure: %s\n", f)
	}
}

// seriesFor resolves a product's stored domain. A configured domain name
// applies to every product, matching how the gridder wrote them.
func seriesFor(cfg *config.Config, product, measurement string) (series, error) {
	p, err := source.ProductByName(product)
	if err != nil {
		return series{}, err
	}
	d, err := cfg.GetDomain(p.Domain)
	if err != nil {
		return series{}, err
	}
	return series{Product: p.Name, Measurement: measurement, Domain: d}, nil
}
