// Package capture provides frame sources (camera devices, video files and
// network streams) using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

var (
	// ErrSourceUnavailable is returned when a source cannot be opened.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSourceNotOpen is returned when trying to read from a source that is not open.
	ErrSourceNotOpen = errors.New("source is not open")

	// ErrNoFrame is returned when a read yields no frame. Live sources may recover
	// on the next read.
	ErrNoFrame = errors.New("no frame available")

	// ErrEndOfStream is returned by file sources that have no frames left.
	// It matches ErrNoFrame with errors.Is.
	ErrEndOfStream = fmt.Errorf("%w: end of stream", ErrNoFrame)
)

// Kind identifies the type of a source descriptor.
type Kind string

const (
	// KindDevice is a local capture device addressed by index.
	KindDevice Kind = "device"
	// KindFile is a video file on disk.
	KindFile Kind = "file"
	// KindNetwork is a network stream URL (RTSP, HTTP, ...).
	KindNetwork Kind = "network"
)

// networkSchemes are the URL schemes treated as network streams.
var networkSchemes = []string{"rtsp://", "rtsps://", "rtmp://", "http://", "https://", "udp://", "tcp://"}

// Descriptor identifies a frame source. Exactly one of Device, Path or URL is
// meaningful, as selected by Kind.
type Descriptor struct {
	Kind   Kind   `json:"kind"`
	Device int    `json:"device,omitempty"`
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Device returns a descriptor for a local capture device.
func Device(index int) Descriptor {
	return Descriptor{Kind: KindDevice, Device: index}
}

// File returns a descriptor for a video file.
func File(path string) Descriptor {
	return Descriptor{Kind: KindFile, Path: path}
}

// Network returns a descriptor for a network stream.
func Network(url string) Descriptor {
	return Descriptor{Kind: KindNetwork, URL: url}
}

// ParseDescriptor maps user input to a descriptor: non-negative integers are
// devices, known stream schemes are network URLs, anything else is a file path.
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Descriptor{}, errors.New("empty source")
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return Descriptor{}, fmt.Errorf("invalid device index %d", n)
		}
		return Device(n), nil
	}

	lower := strings.ToLower(s)
	for _, scheme := range networkSchemes {
		if strings.HasPrefix(lower, scheme) {
			return Network(s), nil
		}
	}

	return File(s), nil
}

// Validate reports whether the descriptor is well formed.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindDevice:
		if d.Device < 0 {
			return fmt.Errorf("invalid device index %d", d.Device)
		}
	case KindFile:
		if d.Path == "" {
			return errors.New("file source requires a path")
		}
	case KindNetwork:
		if d.URL == "" {
			return errors.New("network source requires a url")
		}
	default:
		return fmt.Errorf("unknown source kind %q", d.Kind)
	}
	return nil
}

// String returns a compact, human readable form such as "device:0" or "file:/tmp/a.mp4".
func (d Descriptor) String() string {
	switch d.Kind {
	case KindDevice:
		return fmt.Sprintf("device:%d", d.Device)
	case KindFile:
		return "file:" + d.Path
	case KindNetwork:
		return "network:" + d.URL
	default:
		return "unknown"
	}
}

// target returns the value passed to gocv.OpenVideoCapture.
func (d Descriptor) target() interface{} {
	switch d.Kind {
	case KindDevice:
		return d.Device
	case KindFile:
		return d.Path
	default:
		return d.URL
	}
}

// Properties describes a source's native playback metadata.
type Properties struct {
	// Frame is the index of the next frame to be read.
	Frame int
	// FrameCount is the total number of frames, or <= 0 when unknown.
	FrameCount int
	// FPS is the native frame rate, or <= 0 when unknown.
	FPS float64
}

// Seekable reports whether the metadata allows absolute repositioning.
func (p Properties) Seekable() bool {
	return p.FrameCount > 0 && p.FPS > 0
}

// Source defines the interface for frame source implementations.
type Source interface {
	Open() error
	Close() error
	// ReadFrame reads a single frame. The caller is responsible for closing
	// the returned Mat.
	ReadFrame() (*gocv.Mat, error)
	// SeekFrame repositions the source to an absolute frame index.
	SeekFrame(index int) error
	Properties() Properties
	Descriptor() Descriptor
	IsOpen() bool
}

// Opener creates and opens a Source for a descriptor.
type Opener func(d Descriptor) (Source, error)
