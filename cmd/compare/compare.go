package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/banshee-data/specular/internal/compare"
	"github.com/banshee-data/specular/internal/fsutil"
	"github.com/banshee-data/specular/internal/grid"
	"github.com/banshee-data/specular/internal/gridstore"
	"github.com/banshee-data/specular/internal/render"
)

// side is one input grid file and the domain it was written with.
type side struct {
	Path   string
	Label  string
	Domain grid.Domain
}

func (s side) label() string {
	if s.Label != "" {
		return s.Label
	}
	base, _, _ := strings.Cut(filepath.Base(s.Path), ".dat")
	return base
}

type job struct {
	A, B    side
	Target  grid.Domain // zero value means the narrower input domain
	Name    string      // output stem under compare/
	Opts    compare.Options
	HistBin float64
	LogY    bool
	Figures bool
}

type report struct {
	Stats     compare.Stats
	Agreement grid.Agreement
	Diff      gridstore.Artifact
	Figures   []string
}

func narrower(a, b grid.Domain) grid.Domain {
	if b.Rows < a.Rows {
		return b
	}
	return a
}

// load reads one side and crops it to target.
func load(store *gridstore.Store, s side, target grid.Domain) (*grid.Finalized, error) {
	g, err := store.ReadPath(s.Path, s.Domain)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return g.Crop(target)
}

// run compares the two grids of j, stores the difference grid and, when
// j.Figures is set, writes PNG and HTML figures under figDir.
func run(store *gridstore.Store, fsys fsutil.FileSystem, figDir string, j job) (*report, error) {
	target := j.Target
	if target.Rows == 0 {
		target = narrower(j.A.Domain, j.B.Domain)
	}
	a, err := load(store, j.A, target)
	if err != nil {
		return nil, err
	}
	b, err := load(store, j.B, target)
	if err != nil {
		return nil, err
	}

	diff, stats, err := compare.Compare(a, b, j.Opts)
	if err != nil {
		return nil, err
	}
	agreement, err := grid.CoverageAgreement(a, b)
	if err != nil {
		return nil, err
	}
	art, err := store.WriteNamed(filepath.Join("compare", j.Name, "diff"), diff)
	if err != nil {
		return nil, err
	}
	rep := &report{Stats: stats, Agreement: agreement, Diff: art}
	if !j.Figures {
		return rep, nil
	}

	la, lb := j.A.label(), j.B.label()
	if la == lb {
		la, lb = la+" (a)", lb+" (b)"
	}
	figs := []struct {
		name string
		draw func(io.Writer) error
	}{
		{"a.png", func(w io.Writer) error {
			return render.Heatmap(w, a, render.HeatmapOptions{Title: la})
		}},
		{"b.png", func(w io.Writer) error {
			return render.Heatmap(w, b, render.HeatmapOptions{Title: lb})
		}},
		{"diff.png", func(w io.Writer) error {
			return render.Heatmap(w, diff, render.HeatmapOptions{
				Title:      la + " - " + lb,
				Annotation: stats.String(),
				Diverging:  j.Opts.Diff == compare.DiffSigned,
			})
		}},
		{"diff_hist.png", func(w io.Writer) error {
			h, err := grid.ValidHistogram(diff, j.HistBin)
			if err != nil {
				return err
			}
			return render.HistogramPlot(w, h, render.HistogramOptions{
				Title:  la + " - " + lb,
				XLabel: "Difference",
				LogY:   j.LogY,
			})
		}},
		{"zonal.html", func(w io.Writer) error {
			return render.ZonalProfile(w, la+" vs "+lb, target, map[string][]float64{
				la: grid.ZonalMean(a),
				lb: grid.ZonalMean(b),
			})
		}},
	}
	for _, f := range figs {
		var buf bytes.Buffer
		err := f.draw(&buf)
		if errors.Is(err, grid.ErrNoValidCells) || errors.Is(err, grid.ErrTooManyBins) {
			log.Printf("[compare] %s: %v, not drawn", f.name, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		path := filepath.Join(figDir, j.Name+"_"+f.name)
		if err := fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
		rep.Figures = append(rep.Figures, path)
	}
	return rep, nil
}
