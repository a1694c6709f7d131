// Package detector defines the object detection engine contract and its adapters.
package detector

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

// ErrMalformedDetection is returned when an engine produces a detection that
// violates the Detection contract.
var ErrMalformedDetection = errors.New("malformed detection")

// BBox is an axis-aligned bounding box in pixel coordinates of the
// normalized pipeline frame.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Detection is one observed object instance.
type Detection struct {
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"bbox"`
}

// Validate checks the detection against the engine contract.
func (d Detection) Validate() error {
	if d.Class == "" {
		return fmt.Errorf("%w: empty class", ErrMalformedDetection)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of [0,1]", ErrMalformedDetection, d.Confidence)
	}
	for _, v := range []float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bbox", ErrMalformedDetection)
		}
	}
	return nil
}

// Result holds the output of one Detect call.
type Result struct {
	Detections []Detection
	// Annotated is a rendered copy of the input frame. The caller owns it and
	// must close it.
	Annotated gocv.Mat
}

// Close releases the annotated frame.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	return r.Annotated.Close()
}

// Engine defines the interface for object detection implementations.
type Engine interface {
	// Detect analyzes a video frame and returns the detected objects with an
	// annotated copy of the frame. The input frame is not retained.
	Detect(frame *gocv.Mat) (*Result, error)

	// Close releases any resources held by the engine.
	Close() error
}

// Config holds configuration options for object detection.
type Config struct {
	// ModelPath is a DNN weights file, or a .py script for a process engine.
	ModelPath string

	// ModelConfig is the optional network description (e.g. a darknet .cfg).
	ModelConfig string

	// Classes maps class ids to names.
	Classes []string

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// NMSThreshold is the IoU threshold for non-maximum suppression (0.0-1.0).
	NMSThreshold float64

	// InputSize is the square network input size in pixels.
	InputSize int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.5,
		NMSThreshold:  0.4,
		InputSize:     640,
	}
}

// ClassName returns the name for a class id, falling back to "class_<id>".
func (c Config) ClassName(id int) string {
	if id >= 0 && id < len(c.Classes) && c.Classes[id] != "" {
		return c.Classes[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// ClassSet returns the distinct class names in dets, sorted.
func ClassSet(dets []Detection) []string {
	seen := make(map[string]struct{}, len(dets))
	classes := make([]string, 0, len(dets))
	for _, d := range dets {
		if _, ok := seen[d.Class]; ok {
			continue
		}
		seen[d.Class] = struct{}{}
		classes = append(classes, d.Class)
	}
	sort.Strings(classes)
	return classes
}
