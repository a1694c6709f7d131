package capture

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockSource plays back pre-recorded frames for testing.
// With a non-zero FPS it behaves like a seekable file.
type MockSource struct {
	desc      Descriptor
	frames    []*gocv.Mat
	index     int
	loop      bool
	fps       float64
	openErr   error
	failOpens int
	gaps      map[int]bool
	mu        sync.Mutex
	running   bool
	opens     int
	closes    int
}

// NewMockSource creates a MockSource over frames. A positive fps makes the
// source report a finite frame count and frame rate.
func NewMockSource(d Descriptor, frames []*gocv.Mat, fps float64, loop bool) *MockSource {
	return &MockSource{
		desc:   d,
		frames: frames,
		fps:    fps,
		loop:   loop,
		gaps:   make(map[int]bool),
	}
}

// SetOpenError makes the next Open calls fail with err.
func (s *MockSource) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// SetOpenFailures makes the next n Open calls fail with ErrSourceUnavailable.
func (s *MockSource) SetOpenFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens = n
}

// SetGap makes the read at the given frame index fail once with ErrNoFrame,
// simulating a transient device hiccup.
func (s *MockSource) SetGap(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps[index] = true
}

func (s *MockSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	if s.failOpens > 0 {
		s.failOpens--
		return ErrSourceUnavailable
	}
	s.running = true
	s.index = 0
	s.opens++
	return nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.closes++
	}
	s.running = false
	return nil
}

func (s *MockSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrSourceNotOpen
	}

	if len(s.frames) == 0 {
		return nil, ErrNoFrame
	}

	if s.gaps[s.index] {
		delete(s.gaps, s.index)
		return nil, ErrNoFrame
	}

	if s.index >= len(s.frames) {
		if !s.loop {
			return nil, ErrEndOfStream
		}
		s.index = 0
	}

	// Clone the frame so the original isn't modified
	frame := s.frames[s.index].Clone()
	s.index++

	return &frame, nil
}

func (s *MockSource) SeekFrame(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSourceNotOpen
	}
	if index < 0 {
		index = 0
	}
	if index > len(s.frames) {
		index = len(s.frames)
	}
	s.index = index
	return nil
}

func (s *MockSource) Properties() Properties {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Properties{Frame: s.index, FPS: s.fps}
	if s.fps > 0 {
		p.FrameCount = len(s.frames)
	}
	return p
}

func (s *MockSource) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

func (s *MockSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Opens returns how many times the source was opened.
func (s *MockSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closes returns how many times an open source was closed.
func (s *MockSource) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Opener returns an Opener that opens this source regardless of descriptor,
// keeping the descriptor it was asked for.
func (s *MockSource) Opener() Opener {
	return func(d Descriptor) (Source, error) {
		s.mu.Lock()
		s.desc = d
		s.mu.Unlock()
		if err := s.Open(); err != nil {
			return nil, err
		}
		return s, nil
	}
}
