package detector

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// YOLODetector runs a YOLO network through the OpenCV DNN module.
// Darknet (.weights/.cfg) and ONNX exports are both accepted; ReadNet picks
// the importer from the file extensions.
type YOLODetector struct {
	config   Config
	net      gocv.Net
	outNames []string
	mu       sync.Mutex
	closed   bool
}

// NewYOLODetector loads the network described by config.
func NewYOLODetector(config Config) (*YOLODetector, error) {
	if config.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if config.InputSize <= 0 {
		config.InputSize = DefaultConfig().InputSize
	}

	net := gocv.ReadNet(config.ModelPath, config.ModelConfig)
	if net.Empty() {
		return nil, fmt.Errorf("load model %s: network is empty", config.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	var outNames []string
	for _, id := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(id)
		outNames = append(outNames, layer.GetName())
		layer.Close()
	}

	return &YOLODetector{
		config:   config,
		net:      net,
		outNames: outNames,
	}, nil
}

// Detect runs one forward pass over frame.
func (d *YOLODetector) Detect(frame *gocv.Mat) (*Result, error) {
	if frame == nil || frame.Empty() {
		return nil, errors.New("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("detector closed")
	}

	size := d.config.InputSize
	blob := gocv.BlobFromImage(*frame, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")

	var outputs []gocv.Mat
	if len(d.outNames) > 0 {
		outputs = d.net.ForwardLayers(d.outNames)
	} else {
		outputs = []gocv.Mat{d.net.Forward("")}
	}
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	var (
		boxes  []image.Rectangle
		scores []float32
		ids    []int
	)
	for _, out := range outputs {
		b, s, c := d.decode(out, frame.Cols(), frame.Rows())
		boxes = append(boxes, b...)
		scores = append(scores, s...)
		ids = append(ids, c...)
	}

	var dets []Detection
	if len(boxes) > 0 {
		keep := gocv.NMSBoxes(boxes, scores, float32(d.config.MinConfidence), float32(d.config.NMSThreshold))
		dets = make([]Detection, 0, len(keep))
		for _, i := range keep {
			r := clampRect(boxes[i], frame.Cols(), frame.Rows())
			dets = append(dets, Detection{
				Class:      d.config.ClassName(ids[i]),
				ClassID:    ids[i],
				Confidence: float64(scores[i]),
				Box: BBox{
					X1: float64(r.Min.X),
					Y1: float64(r.Min.Y),
					X2: float64(r.Max.X),
					Y2: float64(r.Max.Y),
				},
			})
		}
	}

	return &Result{
		Detections: dets,
		Annotated:  Annotate(*frame, dets),
	}, nil
}

// decode turns one output blob into candidate boxes in frame pixels.
//
// Darknet region layers emit rows of [cx, cy, w, h, objectness, scores...]
// normalized to [0,1]. ONNX exports without objectness emit a
// [1, 4+classes, anchors] tensor in input pixel units, which is transposed
// into the same row form first.
func (d *YOLODetector) decode(out gocv.Mat, cols, rows int) ([]image.Rectangle, []float32, []int) {
	data := out
	first := 5
	scaleX, scaleY := float32(cols), float32(rows)

	if dims := out.Size(); len(dims) == 3 {
		flat := out.Reshape(1, dims[1])
		defer flat.Close()
		data = gocv.NewMat()
		defer data.Close()
		gocv.Transpose(flat, &data)

		first = 4
		scaleX = float32(cols) / float32(d.config.InputSize)
		scaleY = float32(rows) / float32(d.config.InputSize)
	}

	if data.Cols() <= first {
		return nil, nil, nil
	}

	var (
		boxes  []image.Rectangle
		scores []float32
		ids    []int
	)
	for i := 0; i < data.Rows(); i++ {
		row := data.RowRange(i, i+1)
		classScores := row.ColRange(first, data.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(classScores)
		classScores.Close()

		confidence := maxVal
		if first == 5 {
			confidence *= row.GetFloatAt(0, 4)
		}
		if float64(confidence) < d.config.MinConfidence {
			row.Close()
			continue
		}

		cx := row.GetFloatAt(0, 0) * scaleX
		cy := row.GetFloatAt(0, 1) * scaleY
		w := row.GetFloatAt(0, 2) * scaleX
		h := row.GetFloatAt(0, 3) * scaleY
		row.Close()

		left := int(cx - w/2)
		top := int(cy - h/2)
		boxes = append(boxes, image.Rect(left, top, left+int(w), top+int(h)))
		scores = append(scores, clamp01(confidence))
		ids = append(ids, maxLoc.X)
	}

	return boxes, scores, ids
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}

func clampRect(r image.Rectangle, cols, rows int) image.Rectangle {
	return r.Intersect(image.Rect(0, 0, cols, rows))
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
