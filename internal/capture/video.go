package capture

import (
	"fmt"
	"math"
	"sync"

	"gocv.io/x/gocv"
)

// videoSource reads frames from a camera, file or stream using GoCV.
type videoSource struct {
	desc    Descriptor
	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
}

// NewVideoSource creates a new Source for the given descriptor. It is not
// opened until Open is called.
func NewVideoSource(d Descriptor) Source {
	return &videoSource{desc: d}
}

// OpenVideoSource creates and opens a Source. It satisfies Opener.
func OpenVideoSource(d Descriptor) (Source, error) {
	src := NewVideoSource(d)
	if err := src.Open(); err != nil {
		return nil, err
	}
	return src, nil
}

// Open opens the underlying capture. Failures are reported as ErrSourceUnavailable.
func (s *videoSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.desc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	capture, err := gocv.OpenVideoCapture(s.desc.target())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.desc, err)
	}

	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, s.desc)
	}

	// Keep latency low on live streams.
	if s.desc.Kind == KindNetwork {
		capture.Set(gocv.VideoCaptureBufferSize, 1)
	}

	s.capture = capture
	s.running = true

	return nil
}

// Close closes the source and releases resources.
func (s *videoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		s.running = false
		return nil
	}

	err := s.capture.Close()
	s.capture = nil
	s.running = false

	return err
}

// ReadFrame reads a single frame from the source.
// The caller is responsible for closing the returned Mat.
func (s *videoSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return nil, ErrSourceNotOpen
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		if s.atEndLocked() {
			return nil, ErrEndOfStream
		}
		return nil, ErrNoFrame
	}

	return &mat, nil
}

// atEndLocked reports whether a file source has consumed all of its frames.
func (s *videoSource) atEndLocked() bool {
	if s.desc.Kind != KindFile {
		return false
	}
	total := s.capture.Get(gocv.VideoCaptureFrameCount)
	pos := s.capture.Get(gocv.VideoCapturePosFrames)
	return total <= 0 || pos >= total
}

// SeekFrame repositions a file source to an absolute frame index.
func (s *videoSource) SeekFrame(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return ErrSourceNotOpen
	}

	s.capture.Set(gocv.VideoCapturePosFrames, float64(index))
	return nil
}

// Properties returns the native frame index, frame count and frame rate.
func (s *videoSource) Properties() Properties {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return Properties{}
	}

	p := Properties{
		Frame: int(s.capture.Get(gocv.VideoCapturePosFrames)),
		FPS:   s.capture.Get(gocv.VideoCaptureFPS),
	}

	// Live devices and streams report 0, -1 or garbage here.
	if s.desc.Kind == KindFile {
		count := s.capture.Get(gocv.VideoCaptureFrameCount)
		if count > 0 && !math.IsInf(count, 0) && !math.IsNaN(count) {
			p.FrameCount = int(count)
		}
	}

	return p
}

// Descriptor returns the descriptor the source was created with.
func (s *videoSource) Descriptor() Descriptor {
	return s.desc
}

// IsOpen returns true if the source is currently open.
func (s *videoSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}
