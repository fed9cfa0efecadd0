package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/specular/internal/gridstore"
	"github.com/banshee-data/specular/internal/ingest"
	"github.com/banshee-data/specular/internal/ledger"
	"github.com/banshee-data/specular/internal/monitoring"
	"github.com/banshee-data/specular/internal/source"
)

// readFunc loads one observation file. source.ReadBatch in production.
type readFunc func(path string, p source.Product) (*ingest.Batch, error)

// unit is one composite to build: a single date, or every date under a
// prefix in composite mode.
type unit struct {
	Label string
	Files []string // relative to the input root
}

// units groups discovered dates into composites. Files keep date order,
// which decides the outcome under last-write.
func units(dates []source.DateFiles, composite bool, label string) []unit {
	if !composite {
		out := make([]unit, len(dates))
		for i, d := range dates {
			out[i] = unit{Label: d.Date, Files: d.Files}
		}
		return out
	}
	var files []string
	for _, d := range dates {
		files = append(files, d.Files...)
	}
	if len(files) == 0 {
		return nil
	}
	return []unit{{Label: label, Files: files}}
}

type gridder struct {
	product  source.Product
	runCfg   ingest.Config
	store    *gridstore.Store
	ledger   *ledger.Ledger // nil disables run bookkeeping
	read     readFunc
	root     string
	workers  int
	every    int // progress log interval in files
	skipDone bool
}

// done reports whether the latest completed run for u applied every one
// of its files. Files that were skipped last time are retried.
func (g *gridder) done(u unit) (bool, error) {
	if !g.skipDone || g.ledger == nil {
		return false, nil
	}
	applied, err := g.ledger.AppliedSources(g.product.Name, u.Label)
	if err != nil {
		return false, err
	}
	if len(applied) == 0 {
		return false, nil
	}
	for _, f := range u.Files {
		if applied[f] != ingest.StatusApplied.String() {
			return false, nil
		}
	}
	return true, nil
}

// build runs one unit end to end and returns the written artifacts.
func (g *gridder) build(ctx context.Context, u unit) ([]gridstore.Artifact, error) {
	run, err := ingest.NewRun(g.runCfg)
	if err != nil {
		return nil, err
	}
	if g.ledger != nil {
		err := g.ledger.StartRun(ledger.RunInfo{
			ID:           run.ID,
			Product:      g.product.Name,
			Label:        u.Label,
			Measurements: g.runCfg.Measurements,
			Policy:       g.runCfg.Policy.String(),
			Domain:       g.runCfg.Domain.Name,
			Started:      run.Started,
		})
		if err != nil {
			return nil, err
		}
	}

	arts, err := g.process(ctx, run, u)
	status := ledger.StatusCompleted
	if err != nil {
		status = ledger.StatusFailed
	}
	if g.ledger != nil {
		if ferr := g.ledger.FinishRun(run.ID, status); ferr != nil && err == nil {
			err = ferr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", g.product.Name, u.Label, err)
	}
	return arts, nil
}

func (g *gridder) process(ctx context.Context, run *ingest.Run, u unit) ([]gridstore.Artifact, error) {
	progress := monitoring.NewProgress(g.product.Name+" "+u.Label, len(u.Files), g.every, g.runCfg.Clock)
	record := func(res ingest.BatchResult) error {
		if g.ledger == nil {
			return nil
		}
		return g.ledger.RecordBatch(run.ID, res)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	slots := g.readAll(ctx, u.Files)

	var chunk []*ingest.Batch
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		results, err := run.ApplyParallel(ctx, chunk, g.workers)
		if err != nil {
			return err
		}
		failed := 0
		for _, res := range results {
			if res.Status == ingest.StatusSkipped {
				failed++
			}
			if err := record(res); err != nil {
				return err
			}
		}
		progress.Add(len(results), failed)
		chunk = nil
		return nil
	}

	for i, slot := range slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rr readResult
		select {
		case rr = <-slot:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rr.err != nil {
			if err := record(run.Skip(u.Files[i], rr.err)); err != nil {
				return nil, err
			}
			progress.Add(1, 1)
			continue
		}
		chunk = append(chunk, rr.batch)
		if len(chunk) >= g.workers {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	comp, err := run.Finalize(u.Label)
	if err != nil {
		return nil, err
	}
	if comp.Applied() == 0 {
		log.Printf("[gridder] %s %s: no batches applied, writing empty grids", g.product.Name, u.Label)
	}

	arts := make([]gridstore.Artifact, 0, len(comp.Grids))
	for _, name := range g.runCfg.Measurements {
		a, err := g.store.Write(gridstore.Key{Product: g.product.Name, Measurement: name, Date: u.Label}, comp.Grids[name])
		if err != nil {
			return nil, err
		}
		if g.ledger != nil {
			if err := g.ledger.RecordArtifact(run.ID, a); err != nil {
				return nil, err
			}
		}
		arts = append(arts, a)
	}
	return arts, nil
}

type readResult struct {
	batch *ingest.Batch
	err   error
}

// readAll reads files on up to g.workers goroutines. Slot i receives the
// result for files[i], so the caller applies batches in file order.
func (g *gridder) readAll(ctx context.Context, files []string) []chan readResult {
	slots := make([]chan readResult, len(files))
	for i := range slots {
		slots[i] = make(chan readResult, 1)
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	go func() {
		for i, name := range files {
			eg.Go(func() error {
				if err := ectx.Err(); err != nil {
					slots[i] <- readResult{err: err}
					return nil
				}
				b, err := g.read(filepath.Join(g.root, name), g.product)
				if err == nil {
					b.Source = name
				}
				slots[i] <- readResult{batch: b, err: err}
				return nil
			})
		}
		_ = eg.Wait()
	}()
	return slots
}
