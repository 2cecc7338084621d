package register

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"

	"github.com/kwv/boneregister/mesh"
)

// Measurement summarizes a finished registration
type Measurement struct {
	XMLName    xml.Name    `xml:"measurement"`
	NOA        NOAStat     `xml:"noa"`
	OA         AreaStat    `xml:"oa"`
	Joint      AreaStat    `xml:"joint"`
	Ref        AreaStat    `xml:"ref"`
	Vertices   VertexStat  `xml:"vertices"`
	Iterations StageCounts `xml:"iterations"`
	Images     StageCounts `xml:"images"`
	Rendering  TimingStat  `xml:"rendering"`
	Metric     TimingStat  `xml:"metric"`
	Time       OverallTime `xml:"time"`
	Length     *LengthStat `xml:"length,omitempty"`
}

// NOAStat counts pixels where the render and reference disagree
type NOAStat struct {
	Pixels     int     `xml:"pixels,attr"`
	Area       float64 `xml:"area,attr"`
	N          int     `xml:"n,attr"`
	Components int     `xml:"components,attr"`
}

// AreaStat is a pixel count with its area and the NOA ratio against it
type AreaStat struct {
	Pixels int     `xml:"pixels,attr"`
	Area   float64 `xml:"area,attr"`
	Ratio  float64 `xml:"ratio,attr"`
}

// VertexStat reports vertex visibility errors
type VertexStat struct {
	Missed       int `xml:"missed,attr"`
	WrongRenders int `xml:"wrongRenders,attr"`
	Sum          int `xml:"sum,attr"`
	Vertices     int `xml:"vertices,attr"`
}

// StageCounts splits a count over the three pipeline stages
type StageCounts struct {
	First  int `xml:"first,attr"`
	Second int `xml:"second,attr"`
	Third  int `xml:"third,attr"`
	Total  int `xml:"sum,attr"`
}

// TimingStat is a total duration in seconds over count events
type TimingStat struct {
	Time        float64 `xml:"time,attr"`
	Count       int     `xml:"count,attr"`
	TimePerUnit float64 `xml:"timePerUnit,attr"`
}

// OverallTime splits registration time into overhead and total
type OverallTime struct {
	Overhead float64 `xml:"regie,attr"`
	Overall  float64 `xml:"overall,attr"`
}

// LengthStat reports the shape length calibration and the final length
type LengthStat struct {
	Mean      float64 `xml:"mean,attr"`
	Estimated float64 `xml:"estimated,attr"`
	Param     float64 `xml:"param,attr"`
	ParamStd  float64 `xml:"paramstd,attr"`
	Final     float64 `xml:"final,attr"`
}

// Measure renders the final state of e and compares it with the references.
// The comparison is exact, so it is meaningful for binary metrics.
func Measure(e *Engine, obs *DefaultObserver, stages []StageStats, calib *mesh.LengthCalibration, pixelSpacing float64) Measurement {
	pixelArea := pixelSpacing * pixelSpacing
	values := e.Values()
	targets := e.TargetValues()

	var noa, oa, joint, ref int
	for i, v := range values {
		t := targets[i]
		if v != t {
			noa++
		}
		if v != 0 && t != 0 {
			oa++
		}
		if v != 0 || t != 0 {
			joint++
		}
		if t != 0 {
			ref++
		}
	}

	m := Measurement{
		NOA: NOAStat{
			Pixels:     noa,
			Area:       float64(noa) * pixelArea,
			N:          len(values),
			Components: e.Shape().Len(),
		},
		OA:    AreaStat{Pixels: oa, Area: float64(oa) * pixelArea, Ratio: ratio(noa, oa)},
		Joint: AreaStat{Pixels: joint, Area: float64(joint) * pixelArea, Ratio: ratio(noa, joint)},
		Ref:   AreaStat{Pixels: ref, Area: float64(ref) * pixelArea, Ratio: ratio(noa, ref)},
	}

	vertexValues := e.VertexValues()
	vertexTargets := e.TargetVertexValues()
	for i, v := range vertexValues {
		if v == vertexTargets[i] {
			continue
		}
		m.Vertices.Missed++
		m.Vertices.WrongRenders += int(math.Abs(v-vertexTargets[i]) / 2)
		m.Vertices.Sum += int((v - vertexTargets[i]) / 2)
	}
	m.Vertices.Vertices = e.Shape().NumVertices()

	for i, s := range stages {
		switch i {
		case 0:
			m.Iterations.First, m.Images.First = s.Iterations, s.Images
		case 1:
			m.Iterations.Second, m.Images.Second = s.Iterations, s.Images
		case 2:
			m.Iterations.Third, m.Images.Third = s.Iterations, s.Images
		}
	}

	if obs != nil {
		m.Iterations.Total = obs.Iterations()
		m.Images.Total = obs.RenderedImages()
		rendering := obs.RenderingTime().Seconds()
		metricTime := obs.MetricTime().Seconds()
		registration := obs.RegistrationTime().Seconds()
		m.Rendering = TimingStat{Time: rendering, Count: obs.RenderedImages(), TimePerUnit: per(rendering, obs.RenderedImages())}
		m.Metric = TimingStat{Time: metricTime, Count: obs.MetricsComputed(), TimePerUnit: per(metricTime, obs.MetricsComputed())}
		m.Time = OverallTime{Overhead: registration - rendering - metricTime, Overall: registration}
	}

	if calib != nil {
		m.Length = &LengthStat{
			Mean:      calib.MeanLength,
			Estimated: calib.Estimated,
			Param:     calib.Param,
			ParamStd:  calib.ParamStd,
			Final:     e.BoundingBoxSize().Z,
		}
	}
	return m
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func per(total float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// WriteMeasurement encodes m as an indented XML document
func WriteMeasurement(w io.Writer, m Measurement) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encoding measurement: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// SaveMeasurement writes the measurement XML to path
func SaveMeasurement(path string, m Measurement) error {
	f, err := createFile(path)
	if err != nil {
		return fmt.Errorf("creating measurement file: %w", err)
	}
	if err := WriteMeasurement(f, m); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
