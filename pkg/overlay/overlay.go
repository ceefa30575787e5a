// Package overlay finds square fiducial markers in a frame and pastes the
// picture associated with each recognised marker over it.
package overlay

import (
	"image"
	"image/color"
	"log/slog"

	"gocv.io/x/gocv"
)

// Routine annotates frame in place. The references are read-only.
type Routine interface {
	Apply(pictureA, pictureB, maskA, maskB gocv.Mat, frame *gocv.Mat, debug bool)
}

const (
	// MatchThreshold is the minimum similarity for a marker to count.
	MatchThreshold = 0.90

	// Contour length limits, in boundary points.
	MinBoundary = 200
	MaxBoundary = 1500

	// WarpSize is the side of the square a marker is rectified into.
	WarpSize = 256

	// orientation probe geometry inside the rectified marker
	probeOffset = 53
	probeWidth  = 135
	probeHeight = 55
)

// Probe regions for each orientation. The canonical marker has its dark
// bar at the bottom right.
var probes = [4]image.Rectangle{
	image.Rect(WarpSize-(probeOffset+probeWidth), WarpSize-(probeOffset+probeHeight), WarpSize-probeOffset, WarpSize-probeOffset),
	image.Rect(WarpSize-(probeOffset+probeHeight), probeOffset, WarpSize-probeOffset, probeOffset+probeWidth),
	image.Rect(probeOffset, probeOffset, probeOffset+probeWidth, probeOffset+probeHeight),
	image.Rect(probeOffset, WarpSize-(probeOffset+probeWidth), probeOffset+probeHeight, WarpSize-probeOffset),
}

var square = []image.Point{
	{0, 0},
	{WarpSize, 0},
	{WarpSize, WarpSize},
	{0, WarpSize},
}

// MarkerRoutine is the gocv marker matcher.
type MarkerRoutine struct {
	logger *slog.Logger
}

// NewMarkerRoutine creates the routine.
func NewMarkerRoutine(logger *slog.Logger) *MarkerRoutine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkerRoutine{logger: logger.With("component", "overlay")}
}

// Apply detects markers in frame and replaces each match with its picture.
// OpenCV failures leave the frame as it was.
func (r *MarkerRoutine) Apply(pictureA, pictureB, maskA, maskB gocv.Mat, frame *gocv.Mat, debug bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("overlay failed", "panic", p)
		}
	}()

	if frame == nil || frame.Empty() {
		return
	}

	gray := gocv.NewMat()
	defer gray.Close()
	toGray(*frame, &gray)

	th := gocv.NewMat()
	defer th.Close()
	gocv.Threshold(gray, &th, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	quads := findQuads(th)
	if debug {
		r.drawQuads(frame, quads)
	}
	if len(quads) == 0 {
		return
	}

	masks := []gocv.Mat{fit(maskA), fit(maskB)}
	defer masks[0].Close()
	defer masks[1].Close()
	pictures := []gocv.Mat{pictureA, pictureB}

	for _, q := range quads {
		r.applyQuad(th, q, masks, pictures, frame, debug)
	}
}

func (r *MarkerRoutine) applyQuad(th gocv.Mat, corners []image.Point, masks, pictures []gocv.Mat, frame *gocv.Mat, debug bool) {
	src := gocv.NewPointVectorFromPoints(corners)
	defer src.Close()
	dst := gocv.NewPointVectorFromPoints(square)
	defer dst.Close()

	h := gocv.GetPerspectiveTransform(src, dst)
	defer h.Close()

	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpPerspective(th, &warped, h, image.Pt(WarpSize, WarpSize))

	orientation := detectOrientation(warped)
	rotate(&warped, orientation, false)

	best, score := bestMatch(warped, masks)
	if debug {
		r.logger.Debug("marker candidate", "orientation", orientation, "match", best, "score", score)
	}
	if best < 0 || score <= MatchThreshold {
		return
	}
	r.paste(pictures[best], orientation, dst, src, frame)
}

// paste warps picture onto the quad in frame.
func (r *MarkerRoutine) paste(picture gocv.Mat, orientation int, squarePts, cornerPts gocv.PointVector, frame *gocv.Mat) {
	pic := gocv.NewMat()
	defer pic.Close()
	matchChannels(picture, &pic, frame.Channels())
	gocv.Resize(pic, &pic, image.Pt(WarpSize, WarpSize), 0, 0, gocv.InterpolationLinear)
	rotate(&pic, orientation, true)

	inv := gocv.GetPerspectiveTransform(squarePts, cornerPts)
	defer inv.Close()

	size := image.Pt(frame.Cols(), frame.Rows())
	out := gocv.NewMat()
	defer out.Close()
	gocv.WarpPerspective(pic, &out, inv, size)

	fill := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), WarpSize, WarpSize, gocv.MatTypeCV8U)
	defer fill.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.WarpPerspective(fill, &mask, inv, size)

	out.CopyToWithMask(frame, mask)
}

func (r *MarkerRoutine) drawQuads(frame *gocv.Mat, quads [][]image.Point) {
	if len(quads) == 0 {
		return
	}
	pv := gocv.NewPointsVectorFromPoints(quads)
	defer pv.Close()
	gocv.Polylines(frame, pv, true, color.RGBA{G: 255, A: 255}, 2)
}

func toGray(src gocv.Mat, dst *gocv.Mat) {
	switch src.Channels() {
	case 1:
		src.CopyTo(dst)
	case 4:
		gocv.CvtColor(src, dst, gocv.ColorRGBAToGray)
	default:
		gocv.CvtColor(src, dst, gocv.ColorBGRToGray)
	}
}

// matchChannels converts an RGBA picture to the frame's layout.
func matchChannels(src gocv.Mat, dst *gocv.Mat, channels int) {
	switch {
	case src.Channels() == channels:
		src.CopyTo(dst)
	case channels == 3:
		gocv.CvtColor(src, dst, gocv.ColorRGBAToBGR)
	case channels == 1:
		gocv.CvtColor(src, dst, gocv.ColorRGBAToGray)
	default:
		src.CopyTo(dst)
	}
}

// fit returns m scaled to the warp size.
func fit(m gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	if m.Cols() == WarpSize && m.Rows() == WarpSize {
		m.CopyTo(&out)
		return out
	}
	gocv.Resize(m, &out, image.Pt(WarpSize, WarpSize), 0, 0, gocv.InterpolationNearestNeighbor)
	return out
}

// findQuads returns the four-cornered dark boundaries of plausible marker
// size, corners ordered clockwise.
func findQuads(th gocv.Mat) [][]image.Point {
	inv := gocv.NewMat()
	defer inv.Close()
	gocv.BitwiseNot(th, &inv)

	contours := gocv.FindContours(inv, gocv.RetrievalList, gocv.ChainApproxNone)
	defer contours.Close()

	var quads [][]image.Point
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if n := c.Size(); n < MinBoundary || n > MaxBoundary {
			continue
		}
		approx := gocv.ApproxPolyDP(c, 0.02*gocv.ArcLength(c, true), true)
		pts := approx.ToPoints()
		approx.Close()
		if len(pts) != 4 {
			continue
		}
		quads = append(quads, clockwise(pts))
	}
	return quads
}

// clockwise orders a quad so its signed area is positive in image
// coordinates, matching the order of square.
func clockwise(pts []image.Point) []image.Point {
	var area int
	for i := range pts {
		j := (i + 1) % len(pts)
		area += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	if area >= 0 {
		return pts
	}
	out := make([]image.Point, len(pts))
	for i := range pts {
		out[i] = pts[len(pts)-1-i]
	}
	return out
}

// detectOrientation returns 0, 90, 180 or 270: the probe region holding
// the most dark pixels.
func detectOrientation(warped gocv.Mat) int {
	best, most := 0, -1
	for i, rect := range probes {
		// probe bounds are exclusive on the near edges
		inner := image.Rect(rect.Min.X+1, rect.Min.Y+1, rect.Max.X, rect.Max.Y)
		region := warped.Region(inner)
		dark := inner.Dx()*inner.Dy() - gocv.CountNonZero(region)
		region.Close()
		if dark > most {
			most = dark
			best = 90 * i
		}
	}
	return best
}

// rotate turns m back to the canonical orientation, or away from it when
// inverse is set.
func rotate(m *gocv.Mat, orientation int, inverse bool) {
	if inverse && (orientation == 90 || orientation == 270) {
		orientation = (orientation + 180) % 360
	}
	switch orientation {
	case 90:
		gocv.Rotate(*m, m, gocv.Rotate90Clockwise)
	case 180:
		gocv.Rotate(*m, m, gocv.Rotate180Clockwise)
	case 270:
		gocv.Rotate(*m, m, gocv.Rotate90CounterClockwise)
	}
}

// Similarity is the mean per-pixel agreement of two equal-sized
// single-channel images, in [0, 1].
func Similarity(a, b gocv.Mat) float64 {
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(a, b, &diff)
	return 1 - diff.Mean().Val1/255
}

// bestMatch returns the index of the most similar mask and its score. Ties
// go to the later mask.
func bestMatch(warped gocv.Mat, masks []gocv.Mat) (int, float64) {
	idx, top := -1, 0.0
	for i, m := range masks {
		if s := Similarity(warped, m); s >= top {
			idx, top = i, s
		}
	}
	return idx, top
}
