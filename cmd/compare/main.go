package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/banshee-data/specular/internal/compare"
	"github.com/banshee-data/specular/internal/config"
	"github.com/banshee-data/specular/internal/fsutil"
	"github.com/banshee-data/specular/internal/grid"
	"github.com/banshee-data/specular/internal/gridstore"
	"github.com/banshee-data/specular/internal/version"
)

func main() {
	var aPath, bPath, aLabel, bLabel string
	var aDomain, bDomain, targetDomain string
	var name, outputRoot, configPath string
	var absolute, fullGridCorr, figures, showVersion bool

	flag.StringVar(&aPath, "a", "", "first grid file (.dat, optionally compressed)")
	flag.StringVar(&bPath, "b", "", "second grid file")
	flag.StringVar(&aLabel, "a-label", "", "label for the first grid (default file name)")
	flag.StringVar(&bLabel, "b-label", "", "label for the second grid")
	flag.StringVar(&aDomain, "a-domain", "global", "domain the first grid was written with")
	flag.StringVar(&bDomain, "b-domain", "tropical", "domain the second grid was written with")
	flag.StringVar(&targetDomain, "domain", "", "domain to compare over (default the narrower input)")
	flag.StringVar(&name, "name", "comparison", "output name under <out>/compare/")
	flag.StringVar(&outputRoot, "out", "", "output root (default $SPECULAR_OUTPUT_ROOT)")
	flag.StringVar(&configPath, "config", "", "JSON config file (default $SPECULAR_CONFIG)")
	flag.BoolVar(&absolute, "abs", false, "write |a - b| instead of a - b")
	flag.BoolVar(&fullGridCorr, "full-grid-corr", false, "correlate full grids including empty cells")
	flag.BoolVar(&figures, "figures", true, "write heatmaps, histogram and zonal profile")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String("compare"))
		return
	}
	if aPath == "" || bPath == "" {
		log.Fatalf("-a and -b must be provided")
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

	j := job{
		A:       side{Path: aPath, Label: aLabel},
		B:       side{Path: bPath, Label: bLabel},
		Name:    gridstore.SanitizeName(name),
		HistBin: cfg.GetHistogramBin(),
		LogY:    cfg.GetHistogramLogY(),
		Figures: figures,
	}
	if j.A.Domain, err = domainFor(cfg, aDomain); err != nil {
		log.Fatalf("a-domain: %v", err)
	}
	if j.B.Domain, err = domainFor(cfg, bDomain); err != nil {
		log.Fatalf("b-domain: %v", err)
	}
	if targetDomain != "" {
		if j.Target, err = domainFor(cfg, targetDomain); err != nil {
			log.Fatalf("domain: %v", err)
		}
	}
	if absolute {
		j.Opts.Diff = compare.DiffAbsolute
	}
	if fullGridCorr {
		j.Opts.Correlation = compare.CorrelationFullGrid
	}

	fsys := fsutil.OSFileSystem{}
	store := gridstore.New(fsys, outputRoot, cfg.GetCodec(), false)
	rep, err := run(store, fsys, filepath.Join(outputRoot, "figures"), j)
	if err != nil {
		log.Fatalf("compare: %v", err)
	}

	fmt.Println(rep.Stats)
	fmt.Printf("coverage: %s\n", rep.Agreement)
	fmt.Printf("diff grid: %s (%d cells)\n", rep.Diff.Path, rep.Diff.ValidCells)
	for _, f := range rep.Figures {
		fmt.Printf("figure: %s\n", f)
	}
}

// domainFor resolves a preset domain name at the configured resolution.
func domainFor(cfg *config.Config, name string) (grid.Domain, error) {
	d, err := grid.DomainByName(name)
	if err != nil {
		return grid.Domain{}, err
	}
	return cfg.AtResolution(d)
}
