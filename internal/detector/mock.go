package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Engine interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu     sync.Mutex
	dets   []Detection
	script [][]Detection
	err    error
	calls  int
	closed bool
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetDetections sets the detections returned by every Detect call.
func (m *MockDetector) SetDetections(dets []Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dets = dets
}

// SetScript queues per-call detections. Call i returns script[i]; once the
// script is exhausted the SetDetections value is returned.
func (m *MockDetector) SetScript(script [][]Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = script
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Detect returns the pre-configured detections or error.
func (m *MockDetector) Detect(frame *gocv.Mat) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := m.calls
	m.calls++

	if m.err != nil {
		return nil, m.err
	}

	dets := m.dets
	if call < len(m.script) {
		dets = m.script[call]
	}

	res := &Result{Detections: dets}
	if frame != nil {
		res.Annotated = frame.Clone()
	} else {
		res.Annotated = gocv.NewMat()
	}
	return res, nil
}

// Calls returns the number of Detect invocations.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the mock closed.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sighting is a shorthand for a single confident detection of class.
func Sighting(class string) Detection {
	return Detection{
		Class:      class,
		Confidence: 0.9,
		Box:        BBox{X1: 10, Y1: 10, X2: 50, Y2: 50},
	}
}
