package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultCalibrationCachePath is the default path for the length calibration cache
const DefaultCalibrationCachePath = ".length-calibration.json"

// LengthCalibration maps an estimated bone length onto the first shape
// component. MeanLength is the Z extent of the mean shape and SD1Length the
// extent with the first standardized parameter at 1.
type LengthCalibration struct {
	Model       string  `json:"model,omitempty"`
	MeanLength  float64 `json:"meanLength"`
	SD1Length   float64 `json:"sd1Length"`
	Estimated   float64 `json:"estimated"`
	ParamStd    float64 `json:"paramStd"` // standardized first parameter
	Param       float64 `json:"param"`    // raw first parameter
	LastUpdated int64   `json:"lastUpdated"`
}

// CalibrateLength measures the shape model and sets its first component so
// that the mean-shape bounding box length matches estimated. All other
// parameters are reset to zero. A non-positive estimate leaves the model at
// the mean shape and only records the measured lengths.
func CalibrateLength(shape *ShapeModel, estimated float64) (*LengthCalibration, error) {
	if shape.Len() == 0 {
		return nil, fmt.Errorf("shape model has no components to calibrate")
	}

	params := make([]float64, shape.Len())
	if err := shape.SetStandardizedParams(params); err != nil {
		return nil, err
	}
	meanLen := BoxSize(Bounds(shape.Vertices())).Z

	params[0] = 1
	if err := shape.SetStandardizedParams(params); err != nil {
		return nil, err
	}
	sd1Len := BoxSize(Bounds(shape.Vertices())).Z

	if sd1Len == meanLen {
		return nil, fmt.Errorf("first shape component does not change the bone length")
	}

	cal := &LengthCalibration{
		MeanLength:  meanLen,
		SD1Length:   sd1Len,
		Estimated:   estimated,
		LastUpdated: time.Now().Unix(),
	}

	params[0] = 0
	if estimated > 0 {
		params[0] = (estimated - meanLen) / (sd1Len - meanLen)
	}
	if err := shape.SetStandardizedParams(params); err != nil {
		return nil, err
	}
	cal.ParamStd = params[0]
	cal.Param = shape.Params()[0]
	return cal, nil
}

// Apply sets the first standardized shape parameter from the calibration
// and zeroes the rest.
func (c *LengthCalibration) Apply(shape *ShapeModel) error {
	if shape.Len() == 0 {
		return fmt.Errorf("shape model has no components to calibrate")
	}
	params := make([]float64, shape.Len())
	params[0] = c.ParamStd
	return shape.SetStandardizedParams(params)
}

// Matches reports whether the cached calibration was made for this model and estimate
func (c *LengthCalibration) Matches(model string, estimated float64) bool {
	return c != nil && c.Model == model && c.Estimated == estimated
}

// LoadCalibration loads a length calibration from a JSON cache file.
// A missing file is not an error; it returns nil.
func LoadCalibration(path string) (*LengthCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No calibration file yet
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var cal LengthCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}
	return &cal, nil
}

// SaveCalibration writes the calibration to a JSON cache file
func SaveCalibration(path string, cal *LengthCalibration) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}

	cal.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration data: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}
	return nil
}

// NeedsRecalibration checks if the cached calibration should be refreshed
func (c *LengthCalibration) NeedsRecalibration(maxAge time.Duration) bool {
	if c == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}
