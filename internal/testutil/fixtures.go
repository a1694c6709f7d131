// Package testutil builds synthetic frames and video clips for tests.
package testutil

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 0}

// NewFrame returns a black BGR frame with box filled white. An empty box
// leaves the frame black.
func NewFrame(width, height int, box image.Rectangle) gocv.Mat {
	frame := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	frame.SetTo(gocv.NewScalar(0, 0, 0, 0))
	if !box.Empty() {
		gocv.Rectangle(&frame, box, white, -1)
	}
	return frame
}

// Sequence returns n frames with a square sliding left to right, so
// consecutive frames differ. Close them with CloseAll.
func Sequence(n, width, height int) []*gocv.Mat {
	side := min(width, height) / 4
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		x := 0
		if n > 1 {
			x = i * (width - side) / (n - 1)
		}
		m := NewFrame(width, height, image.Rect(x, height/2-side/2, x+side, height/2+side/2))
		frames[i] = &m
	}
	return frames
}

// CloseAll releases frames.
func CloseAll(frames []*gocv.Mat) {
	for _, f := range frames {
		if f != nil {
			f.Close()
		}
	}
}

// WriteClip encodes frames into a Motion-JPEG AVI file at fps.
func WriteClip(path string, frames []*gocv.Mat, fps float64) error {
	if len(frames) == 0 {
		return fmt.Errorf("write clip %s: no frames", path)
	}

	w, err := gocv.VideoWriterFile(path, "MJPG", fps, frames[0].Cols(), frames[0].Rows(), true)
	if err != nil {
		return fmt.Errorf("open clip writer %s: %w", path, err)
	}
	defer w.Close()

	if !w.IsOpened() {
		return fmt.Errorf("open clip writer %s: not opened", path)
	}
	for i, f := range frames {
		if err := w.Write(*f); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	return nil
}
