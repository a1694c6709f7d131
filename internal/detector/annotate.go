package detector

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

var (
	boxColor   = color.RGBA{R: 0, G: 200, B: 0, A: 0}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

// Annotate returns a copy of frame with a box and "class 0.87" label drawn for
// each detection. The caller owns the returned Mat.
func Annotate(frame gocv.Mat, dets []Detection) gocv.Mat {
	out := frame.Clone()

	for _, d := range dets {
		rect := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2))
		gocv.Rectangle(&out, rect, boxColor, 2)

		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)

		top := rect.Min.Y
		if top < size.Y+4 {
			top = size.Y + 4
		}
		bg := image.Rect(rect.Min.X, top-size.Y-4, rect.Min.X+size.X+4, top)
		gocv.Rectangle(&out, bg, boxColor, -1)
		gocv.PutText(&out, label, image.Pt(rect.Min.X+2, top-3), gocv.FontHersheySimplex, 0.5, labelColor, 1)
	}

	return out
}
