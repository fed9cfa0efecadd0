package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/banshee-data/specular/internal/fsutil"
	"github.com/banshee-data/specular/internal/grid"
	"github.com/banshee-data/specular/internal/gridstore"
	"github.com/banshee-data/specular/internal/regress"
	"github.com/banshee-data/specular/internal/render"
)

// ErrNoCommonDates is returned when the two series share no date.
var ErrNoCommonDates = errors.New("no date stored for both series")

// dateRange lists every day from start to end inclusive as YYYY-MM-DD.
func dateRange(start, end string) ([]string, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return nil, fmt.Errorf("invalid start: %w", err)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return nil, fmt.Errorf("invalid end: %w", err)
	}
	if e.Before(s) {
		return nil, fmt.Errorf("end %s is before start %s", end, start)
	}
	var out []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(time.DateOnly))
	}
	return out, nil
}

// series names one stored product measurement and its grid domain.
type series struct {
	Product     string
	Measurement string
	Domain      grid.Domain
}

func (s series) String() string { return s.Product + "/" + s.Measurement }

type job struct {
	X, Y    series
	Dates   []string
	Name    string // output stem under regression/
	Opts    regress.Options
	HistBin float64
	LogY    bool
	Figures bool
}

type outcome struct {
	Result    *regress.Result
	Dates     []string // epochs used
	Artifacts []gridstore.Artifact
	Figures   []string
}

// run regresses Y on X cell by cell over the dates both series have,
// cropped to the narrower domain, and stores the four result grids.
func run(ctx context.Context, store *gridstore.Store, fsys fsutil.FileSystem, figDir string, j job) (*outcome, error) {
	target := j.X.Domain
	if j.Y.Domain.Rows < target.Rows {
		target = j.Y.Domain
	}

	xs, err := store.LoadSeries(j.X.Product, j.X.Measurement, j.Dates, j.X.Domain, target)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", j.X, err)
	}
	ys, err := store.LoadSeries(j.Y.Product, j.Y.Measurement, j.Dates, j.Y.Domain, target)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", j.Y, err)
	}
	if len(xs.Missing) > 0 || len(ys.Missing) > 0 {
		log.Printf("[regress] missing dates: %s %v, %s %v", j.X, xs.Missing, j.Y, ys.Missing)
	}
	xg, yg, dates := gridstore.Align(xs, ys)
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: %s and %s", ErrNoCommonDates, j.X, j.Y)
	}
	log.Printf("[regress] fitting %s on %s over %d epochs (%s..%s)", j.Y, j.X, len(dates), dates[0], dates[len(dates)-1])

	res, err := regress.FitAll(ctx, xg, yg, j.Opts)
	if err != nil {
		return nil, err
	}

	out := &outcome{Result: res, Dates: dates}
	grids := []struct {
		name string
		g    *grid.Finalized
	}{
		{"slope", res.Slope},
		{"intercept", res.Intercept},
		{"mse", res.MSE},
		{"rmse", res.RMSE},
	}
	for _, o := range grids {
		a, err := store.WriteNamed(filepath.Join("regression", j.Name, o.name), o.g)
		if err != nil {
			return nil, err
		}
		out.Artifacts = append(out.Artifacts, a)
	}
	if !j.Figures {
		return out, nil
	}

	for _, o := range grids {
		h, err := grid.ValidHistogram(o.g, j.HistBin)
		if errors.Is(err, grid.ErrNoValidCells) || errors.Is(err, grid.ErrTooManyBins) {
			log.Printf("[regress] %s: %v, not drawn", o.name, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		err = render.HistogramPlot(&buf, h, render.HistogramOptions{
			Title:  fmt.Sprintf("%s vs %s %s (%d epochs)", j.Y, j.X, o.name, len(dates)),
			XLabel: o.name,
			LogY:   j.LogY,
		})
		if err != nil {
			return nil, fmt.Errorf("%s histogram: %w", o.name, err)
		}
		path := filepath.Join(figDir, j.Name+"_"+o.name+"_hist.png")
		if err := fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
		out.Figures = append(out.Figures, path)
	}

	var buf bytes.Buffer
	err = render.Heatmap(&buf, res.Slope, render.HeatmapOptions{
		Title:      fmt.Sprintf("%s vs %s slope", j.Y, j.X),
		Annotation: res.String(),
		Diverging:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("slope map: %w", err)
	}
	path := filepath.Join(figDir, j.Name+"_slope.png")
	if err := fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0o644); err != nil {
		return nil, err
	}
	out.Figures = append(out.Figures, path)
	return out, nil
}
