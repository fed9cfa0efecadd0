package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/specular/internal/fsutil"
	"github.com/banshee-data/specular/internal/grid"
	"github.com/banshee-data/specular/internal/gridstore"
	"github.com/banshee-data/specular/internal/ingest"
	"github.com/banshee-data/specular/internal/ledger"
	"github.com/banshee-data/specular/internal/monitoring"
	"github.com/banshee-data/specular/internal/source"
	"github.com/banshee-data/specular/internal/testutil"
	"github.com/banshee-data/specular/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2024, 4, 2, 6, 0, 0, 0, time.UTC)

// fakeFiles maps input paths to the snr values of one file, every
// observation landing in the same cell. A missing or empty entry fails the
// read.
type fakeFiles map[string][]float64

func (f fakeFiles) read(path string, _ source.Product) (*ingest.Batch, error) {
	time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	snr, ok := f[path]
	if !ok || len(snr) == 0 {
		return nil, errors.New("corrupt file")
	}
	lon := make([]float64, len(snr))
	lat := make([]float64, len(snr))
	for i := range snr {
		lon[i], lat[i] = 10, 10
	}
	return &ingest.Batch{
		Source:       path,
		Lon:          lon,
		Lat:          lat,
		Measurements: map[string]ingest.Measurement{source.SNR: {Values: snr}},
	}, nil
}

func newTestGridder(t *testing.T, policy grid.Policy, files fakeFiles) (*gridder, *fsutil.MemoryFileSystem, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	mfs := fsutil.NewMemoryFileSystem()
	return &gridder{
		product: source.Spire,
		runCfg: ingest.Config{
			Domain:       testutil.Domain(t, "tiny", 90, 90),
			Policy:       policy,
			Edge:         grid.EdgeClamp,
			Measurements: []string{source.SNR},
			Clock:        clock,
		},
		store:   gridstore.New(mfs, "/out", nil, false),
		ledger:  l,
		read:    files.read,
		root:    "/in",
		workers: 2,
		every:   1,
	}, mfs, clock
}

func TestUnits(t *testing.T) {
	t.Parallel()

	dates := []source.DateFiles{
		{Date: "2024-04-01", Files: []string{"20240401/b.nc", "20240401/a.nc"}},
		{Date: "2024-04-02", Files: []string{"20240402/c.nc"}},
	}

	daily := units(dates, false, "2024-04")
	require.Len(t, daily, 2)
	assert.Equal(t, unit{Label: "2024-04-01", Files: []string{"20240401/b.nc", "20240401/a.nc"}}, daily[0])

	month := units(dates, true, "2024-04")
	require.Len(t, month, 1)
	assert.Equal(t, "2024-04", month[0].Label)
	assert.Equal(t, []string{"20240401/b.nc", "20240401/a.nc", "20240402/c.nc"}, month[0].Files)

	assert.Empty(t, units(nil, true, "2024-04"))
}

func TestGridder_BuildWritesArtifactsAndLedger(t *testing.T) {
	t.Parallel()

	files := fakeFiles{
		"/in/d/a.nc": {2, 4},
		"/in/d/b.nc": {6},
		"/in/d/c.nc": nil,
	}
	g, mfs, _ := newTestGridder(t, grid.PolicyMean, files)
	u := unit{Label: "2024-04-01", Files: []string{"d/a.nc", "d/b.nc", "d/c.nc"}}

	arts, err := g.build(context.Background(), u)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, gridstore.Key{Product: "spire", Measurement: source.SNR, Date: "2024-04-01"}, arts[0].Key)
	assert.Equal(t, 1, arts[0].ValidCells)
	assert.Equal(t, []string{"/out/spire/snr/2024/2024-04-01.dat"}, mfs.Files())

	got, err := g.store.Read(arts[0].Key, g.runCfg.Domain)
	require.NoError(t, err)
	assert.Equal(t, float32(4), got.At(1, 0))

	applied, err := g.ledger.AppliedSources("spire", "2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"d/a.nc": "applied", "d/b.nc": "applied", "d/c.nc": "skipped"}, applied)
}

func TestGridder_LastWriteKeepsFileOrder(t *testing.T) {
	t.Parallel()

	files := fakeFiles{}
	var names []string
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		files["/in/"+name+".nc"] = []float64{float64(i + 1)}
		names = append(names, name+".nc")
	}
	g, _, _ := newTestGridder(t, grid.PolicyLastWrite, files)
	g.workers = 4

	arts, err := g.build(context.Background(), unit{Label: "2024-04", Files: names})
	require.NoError(t, err)
	got, err := g.store.Read(arts[0].Key, g.runCfg.Domain)
	require.NoError(t, err)
	assert.Equal(t, float32(6), got.At(1, 0), "the last file in date order wins")
}

func TestGridder_SkipDone(t *testing.T) {
	t.Parallel()

	files := fakeFiles{"/in/a.nc": {1}, "/in/b.nc": nil}
	g, _, clock := newTestGridder(t, grid.PolicyMean, files)
	u := unit{Label: "2024-04-01", Files: []string{"a.nc", "b.nc"}}

	done, err := g.done(u)
	require.NoError(t, err)
	assert.False(t, done, "skip-done is off")

	g.skipDone = true
	done, err = g.done(u)
	require.NoError(t, err)
	assert.False(t, done, "nothing recorded yet")

	_, err = g.build(context.Background(), u)
	require.NoError(t, err)
	done, err = g.done(u)
	require.NoError(t, err)
	assert.False(t, done, "b.nc was skipped and must be retried")

	files["/in/b.nc"] = []float64{3}
	clock.Advance(time.Minute)
	_, err = g.build(context.Background(), u)
	require.NoError(t, err)
	done, err = g.done(u)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = g.done(unit{Label: "2024-04-01", Files: []string{"a.nc", "b.nc", "new.nc"}})
	require.NoError(t, err)
	assert.False(t, done, "a new file reopens the date")
}

func TestGridder_CancelledRunIsMarkedFailed(t *testing.T) {
	t.Parallel()

	g, _, _ := newTestGridder(t, grid.PolicyMean, fakeFiles{"/in/a.nc": {1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.build(ctx, unit{Label: "2024-04-01", Files: []string{"a.nc"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	applied, err := g.ledger.AppliedSources("spire", "2024-04-01")
	require.NoError(t, err)
	assert.Empty(t, applied, "failed runs are not consulted")
}
