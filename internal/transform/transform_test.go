package transform

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agv-rtls/ingest/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(f float64) *float64 { return &f }

func TestMatrixApplyIdentity(t *testing.T) {
	x, y := Identity().Apply(12.5, -3.25)
	assert.Equal(t, 12.5, x)
	assert.Equal(t, -3.25, y)
}

func TestMatrixRoundTrip(t *testing.T) {
	// Rotation + scale + translation; inverse must recover the input.
	m := Matrix3{
		{0.96, -0.28, 14.2},
		{0.28, 0.96, -7.5},
		{0, 0, 1},
	}
	inv, err := m.Inverse()
	require.NoError(t, err)

	for _, p := range [][2]float64{{0, 0}, {103.4, 55.1}, {-20, 300}} {
		fx, fy := m.Apply(p[0], p[1])
		bx, by := inv.Apply(fx, fy)
		assert.InDelta(t, p[0], bx, 1e-9)
		assert.InDelta(t, p[1], by, 1e-9)
	}
}

func TestMatrixInverseSingular(t *testing.T) {
	_, err := Matrix3{{1, 2, 3}, {2, 4, 6}, {0, 0, 1}}.Inverse()
	assert.ErrorIs(t, err, ErrSingularMatrix)
}

func TestFitAffineRecoversKnownTransform(t *testing.T) {
	truth := Matrix3{
		{1.02, 0.03, 5.0},
		{-0.03, 1.02, 12.0},
		{0, 0, 1},
	}
	var pts []ControlPoint
	for _, w := range [][2]float64{{0, 0}, {100, 0}, {0, 80}, {100, 80}, {50, 40}} {
		px, py := truth.Apply(w[0], w[1])
		pts = append(pts, ControlPoint{WorldX: w[0], WorldY: w[1], PlantX: px, PlantY: py})
	}

	fitted, err := FitAffine(pts)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, truth[i][j], fitted[i][j], 1e-6, "m[%d][%d]", i, j)
		}
	}
}

func TestFitAffineRejectsTooFewOrCollinear(t *testing.T) {
	_, err := FitAffine([]ControlPoint{{}, {}})
	assert.Error(t, err)

	collinear := []ControlPoint{
		{WorldX: 0, WorldY: 0}, {WorldX: 1, WorldY: 1}, {WorldX: 2, WorldY: 2},
	}
	_, err = FitAffine(collinear)
	assert.Error(t, err)
}

func TestLoadCalibrationMissingFileIsIdentity(t *testing.T) {
	c, err := LoadCalibration(filepath.Join(t.TempDir(), "nope.json"), discard())
	require.NoError(t, err)
	assert.Equal(t, Identity(), c.Matrix())
}

func TestLoadCalibrationBadFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadCalibration(path, discard())
	assert.Error(t, err)
}

func TestLoadCalibrationParsesMatrix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib.json")
	body := `{"matrix":[[2,0,1],[0,2,-1],[0,0,1]],"source_frame":"utm32n","target_frame":"plant"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := LoadCalibration(path, discard())
	require.NoError(t, err)
	x, y := c.Matrix().Apply(3, 4)
	assert.Equal(t, 7.0, x)
	assert.Equal(t, 7.0, y)
}

func TestProjectionRoundTrip(t *testing.T) {
	p := NewProjection(48.1, 11.6)
	lat, lon := p.Unproject(p.Project(48.1012, 11.6034))
	assert.InDelta(t, 48.1012, lat, 1e-9)
	assert.InDelta(t, 11.6034, lon, 1e-9)
}

func TestProjectionOriginIsZero(t *testing.T) {
	p := NewProjection(48.1, 11.6)
	x, y := p.Project(48.1, 11.6)
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 0, y, 1e-9)
}

func TestProjectionScaleNearOrigin(t *testing.T) {
	// One millidegree of latitude is about 111 meters everywhere.
	p := NewProjection(48.1, 11.6)
	_, y := p.Project(48.101, 11.6)
	assert.InDelta(t, 111.2, y, 0.5)
}

func newTestTransformer(calib *Calibration) *Transformer {
	bounds := Bounds{XMin: 0, XMax: 200, YMin: 0, YMax: 150}
	return NewTransformer(NewProjection(48.1, 11.6), calib, bounds, discard())
}

func TestToPlantCoordsLocalPassThrough(t *testing.T) {
	// Local coordinates bypass projection and calibration entirely.
	calib := NewCalibration(Matrix3{{5, 0, 0}, {0, 5, 0}, {0, 0, 1}}, discard())
	tr := newTestTransformer(calib)

	r := &domain.RawReading{EntityID: "agv-001", PlantX: ptr(42.0), PlantY: ptr(17.0)}
	x, y := tr.ToPlantCoords(r)
	assert.Equal(t, 42.0, x)
	assert.Equal(t, 17.0, y)
}

func TestToPlantCoordsGeodetic(t *testing.T) {
	calib := NewCalibration(Identity(), discard())
	tr := newTestTransformer(calib)

	r := &domain.RawReading{EntityID: "agv-001", Latitude: ptr(48.1005), Longitude: ptr(11.6007)}
	x, y := tr.ToPlantCoords(r)
	assert.Greater(t, x, 0.0)
	assert.Greater(t, y, 0.0)
	assert.Less(t, x, 200.0)
	assert.Less(t, y, 150.0)
}

func TestToPlantCoordsNoCoordinatesIsOrigin(t *testing.T) {
	tr := newTestTransformer(NewCalibration(Identity(), discard()))
	x, y := tr.ToPlantCoords(&domain.RawReading{EntityID: "agv-001"})
	assert.Zero(t, x)
	assert.Zero(t, y)
}

func TestToPlantCoordsMemoizesRepeatedFix(t *testing.T) {
	tr := newTestTransformer(NewCalibration(Identity(), discard()))
	r := &domain.RawReading{EntityID: "agv-001", Latitude: ptr(48.1005), Longitude: ptr(11.6007)}

	x1, y1 := tr.ToPlantCoords(r)
	x2, y2 := tr.ToPlantCoords(r)
	assert.Equal(t, x1, x2)
	assert.Equal(t, y1, y2)
	assert.Equal(t, 1, tr.CacheLen())
}

func TestToPlantCoordsCacheBounded(t *testing.T) {
	tr := newTestTransformer(NewCalibration(Identity(), discard()))
	tr.cacheCap = 8

	for i := 0; i < 50; i++ {
		lat := 48.1 + float64(i)*1e-5
		r := &domain.RawReading{EntityID: "agv-001", Latitude: ptr(lat), Longitude: ptr(11.6)}
		tr.ToPlantCoords(r)
	}
	assert.LessOrEqual(t, tr.CacheLen(), 8)
}

func TestCalibrationHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calib.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"matrix":[[1,0,0],[0,1,0],[0,0,1]]}`), 0o644))

	c, err := LoadCalibration(path, discard())
	require.NoError(t, err)

	// Rewrite with a translation and force a different mtime; writes within
	// the same clock tick can otherwise leave mtime unchanged.
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"matrix":[[1,0,10],[0,1,20],[0,0,1]]}`), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	c.ReloadIfChanged()
	x, y := c.Matrix().Apply(0, 0)
	assert.Equal(t, 10.0, x)
	assert.Equal(t, 20.0, y)
}

func TestCalibrationReloadKeepsMatrixOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calib.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"matrix":[[1,0,5],[0,1,5],[0,0,1]]}`), 0o644))

	c, err := LoadCalibration(path, discard())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	c.ReloadIfChanged()
	x, y := c.Matrix().Apply(0, 0)
	assert.Equal(t, 5.0, x)
	assert.Equal(t, 5.0, y)
}
