// Package transform converts incoming geodetic coordinates into the plant's
// local frame: a fixed projection to a metric tangent plane followed by a
// calibrated affine correction.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"
)

// Matrix3 is a 3x3 homogeneous affine matrix, row-major.
type Matrix3 [3][3]float64

// Identity returns the identity affine transform.
func Identity() Matrix3 {
	return Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply maps (x, y) through the matrix in homogeneous coordinates.
func (m Matrix3) Apply(x, y float64) (float64, float64) {
	px := m[0][0]*x + m[0][1]*y + m[0][2]
	py := m[1][0]*x + m[1][1]*y + m[1][2]
	w := m[2][0]*x + m[2][1]*y + m[2][2]
	if w != 0 && w != 1 {
		px /= w
		py /= w
	}
	return px, py
}

// Mul returns m·n.
func (m Matrix3) Mul(n Matrix3) Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * n[k][j]
			}
		}
	}
	return out
}

// ErrSingularMatrix is returned when a calibration matrix cannot be inverted.
var ErrSingularMatrix = errors.New("transform: singular calibration matrix")

// Inverse returns the inverse matrix, used to verify round-trip accuracy.
func (m Matrix3) Inverse() (Matrix3, error) {
	a, b, c := m[0][0], m[0][1], m[0][2]
	d, e, f := m[1][0], m[1][1], m[1][2]
	g, h, i := m[2][0], m[2][1], m[2][2]

	det := a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
	if math.Abs(det) < 1e-12 {
		return Matrix3{}, ErrSingularMatrix
	}

	inv := Matrix3{
		{e*i - f*h, c*h - b*i, b*f - c*e},
		{f*g - d*i, a*i - c*g, c*d - a*f},
		{d*h - e*g, b*g - a*h, a*e - b*d},
	}
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			inv[r][col] /= det
		}
	}
	return inv, nil
}

// calibrationFile is the on-disk calibration model: the affine matrix plus
// the reference frames it maps between.
type calibrationFile struct {
	Matrix      [][]float64 `json:"matrix"`
	SourceFrame string      `json:"source_frame"`
	TargetFrame string      `json:"target_frame"`
}

// Calibration holds the affine plant correction, replaceable at runtime.
type Calibration struct {
	matrix atomic.Pointer[Matrix3]

	path    string
	modTime atomic.Int64 // unix nanos of the last loaded file
	logger  *slog.Logger
}

// LoadCalibration reads the calibration model from path. A missing file is
// accepted and treated as the identity transform with a warning; a file that
// exists but cannot be parsed is a hard startup error.
func LoadCalibration(path string, logger *slog.Logger) (*Calibration, error) {
	c := &Calibration{path: path, logger: logger}

	m, modTime, err := readCalibrationFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no calibration file, using identity transform", "path", path)
			ident := Identity()
			c.matrix.Store(&ident)
			return c, nil
		}
		return nil, err
	}

	c.matrix.Store(&m)
	c.modTime.Store(modTime.UnixNano())
	logger.Info("loaded calibration matrix", "path", path)
	return c, nil
}

// NewCalibration wraps an already-computed matrix (e.g. fit from control points).
func NewCalibration(m Matrix3, logger *slog.Logger) *Calibration {
	c := &Calibration{logger: logger}
	c.matrix.Store(&m)
	return c
}

func readCalibrationFile(path string) (Matrix3, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Matrix3{}, time.Time{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Matrix3{}, time.Time{}, err
	}

	var cf calibrationFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return Matrix3{}, time.Time{}, fmt.Errorf("parse calibration file %s: %w", path, err)
	}
	if len(cf.Matrix) != 3 {
		return Matrix3{}, time.Time{}, fmt.Errorf("calibration file %s: want 3 rows, got %d", path, len(cf.Matrix))
	}
	var m Matrix3
	for i, row := range cf.Matrix {
		if len(row) != 3 {
			return Matrix3{}, time.Time{}, fmt.Errorf("calibration file %s: row %d has %d values", path, i, len(row))
		}
		copy(m[i][:], row)
	}
	return m, info.ModTime(), nil
}

// Matrix returns the current affine matrix.
func (c *Calibration) Matrix() Matrix3 {
	return *c.matrix.Load()
}

// Set atomically replaces the matrix.
func (c *Calibration) Set(m Matrix3) {
	c.matrix.Store(&m)
}

// ReloadIfChanged re-reads the calibration file when its mtime moved.
// Parse failures on reload keep the current matrix; a hot reload must never
// knock out a running pipeline.
func (c *Calibration) ReloadIfChanged() {
	if c.path == "" {
		return
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return
	}
	if info.ModTime().UnixNano() == c.modTime.Load() {
		return
	}
	m, modTime, err := readCalibrationFile(c.path)
	if err != nil {
		c.logger.Error("calibration reload failed, keeping current matrix", "error", err)
		return
	}
	c.matrix.Store(&m)
	c.modTime.Store(modTime.UnixNano())
	c.logger.Info("reloaded calibration matrix", "path", c.path)
}

// ControlPoint pairs a metric-frame coordinate with its surveyed plant-frame
// position, produced by the external calibration tool.
type ControlPoint struct {
	WorldX float64 `json:"world_x"`
	WorldY float64 `json:"world_y"`
	PlantX float64 `json:"plant_x"`
	PlantY float64 `json:"plant_y"`
}

// FitAffine computes the least-squares affine map from world to plant
// coordinates. At least three non-collinear control points are required.
func FitAffine(points []ControlPoint) (Matrix3, error) {
	if len(points) < 3 {
		return Matrix3{}, fmt.Errorf("transform: need at least 3 control points, got %d", len(points))
	}

	// Normal equations for [x y 1]·A = [px py]: solve AtA · coef = At·b
	// separately for the x and y target columns.
	var ata [3][3]float64
	var atx, aty [3]float64
	for _, p := range points {
		row := [3]float64{p.WorldX, p.WorldY, 1}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				ata[i][j] += row[i] * row[j]
			}
			atx[i] += row[i] * p.PlantX
			aty[i] += row[i] * p.PlantY
		}
	}

	inv, err := Matrix3(ata).Inverse()
	if err != nil {
		return Matrix3{}, fmt.Errorf("transform: degenerate control points: %w", err)
	}

	var m Matrix3
	for i := 0; i < 3; i++ {
		m[0][i] = inv[i][0]*atx[0] + inv[i][1]*atx[1] + inv[i][2]*atx[2]
		m[1][i] = inv[i][0]*aty[0] + inv[i][1]*aty[1] + inv[i][2]*aty[2]
	}
	m[2] = [3]float64{0, 0, 1}
	return m, nil
}

// LoadControlPoints reads the control-points file emitted by the calibration
// tool and fits the affine matrix from it.
func LoadControlPoints(path string) (Matrix3, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Matrix3{}, err
	}
	var file struct {
		ControlPoints []ControlPoint `json:"control_points"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return Matrix3{}, fmt.Errorf("parse control points %s: %w", path, err)
	}
	return FitAffine(file.ControlPoints)
}
