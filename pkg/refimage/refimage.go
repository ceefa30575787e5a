// Package refimage loads the four reference images the overlay routine
// matches against: two pictures and the two marker masks that select them.
package refimage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// ErrLoadFailed is returned when any of the four images is missing or
// undecodable. The set is then empty and the pipeline passes frames through.
var ErrLoadFailed = errors.New("refimage: resource load failed")

// Resource names, looked up in the template directory.
const (
	Picture0 = "img0p"
	Picture1 = "img1p"
	Mask0    = "img0m"
	Mask1    = "img1m"
)

var extensions = []string{".png", ".jpg", ".jpeg"}

// Set holds the preprocessed references. It is read-only once built;
// only Close mutates it.
type Set struct {
	// PictureA and PictureB are RGBA.
	PictureA gocv.Mat
	PictureB gocv.Mat

	// MaskA and MaskB are single-channel, thresholded.
	MaskA gocv.Mat
	MaskB gocv.Mat

	complete bool
}

// Empty returns an incomplete set.
func Empty() *Set {
	return &Set{}
}

// Complete reports whether all four images are present.
func (s *Set) Complete() bool {
	return s != nil && s.complete
}

// Close releases the image buffers.
func (s *Set) Close() {
	if !s.Complete() {
		return
	}
	s.PictureA.Close()
	s.PictureB.Close()
	s.MaskA.Close()
	s.MaskB.Close()
	s.complete = false
}

// Find returns the path of a named resource in dir.
func Find(dir, name string) (string, error) {
	for _, ext := range extensions {
		p := filepath.Join(dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found in %s", ErrLoadFailed, name, dir)
}

// Load reads and preprocesses the four references from dir. On failure it
// returns an empty set along with the error.
func Load(dir string) (*Set, error) {
	var raw []gocv.Mat
	release := func() {
		for _, m := range raw {
			m.Close()
		}
	}

	for _, name := range []string{Picture0, Picture1, Mask0, Mask1} {
		path, err := Find(dir, name)
		if err != nil {
			release()
			return Empty(), err
		}
		m := gocv.IMRead(path, gocv.IMReadColor)
		if m.Empty() {
			m.Close()
			release()
			return Empty(), fmt.Errorf("%w: cannot decode %s", ErrLoadFailed, path)
		}
		raw = append(raw, m)
	}
	defer release()

	return FromMats(raw[0], raw[1], raw[2], raw[3])
}

// FromMats preprocesses BGR images already in memory. The inputs are not
// retained.
func FromMats(pictureA, pictureB, maskA, maskB gocv.Mat) (set *Set, err error) {
	defer func() {
		if r := recover(); r != nil {
			set, err = Empty(), fmt.Errorf("%w: %v", ErrLoadFailed, r)
		}
	}()

	for _, m := range []gocv.Mat{pictureA, pictureB, maskA, maskB} {
		if m.Empty() {
			return Empty(), fmt.Errorf("%w: empty image", ErrLoadFailed)
		}
	}

	s := &Set{
		PictureA: toRGBA(pictureA),
		PictureB: toRGBA(pictureB),
		MaskA:    toMask(maskA),
		MaskB:    toMask(maskB),
	}
	s.complete = true
	return s, nil
}

func toRGBA(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	switch src.Channels() {
	case 1:
		gocv.CvtColor(src, &dst, gocv.ColorGrayToRGBA)
	case 4:
		gocv.CvtColor(src, &dst, gocv.ColorBGRAToRGBA)
	default:
		gocv.CvtColor(src, &dst, gocv.ColorBGRToRGBA)
	}
	return dst
}

func toMask(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	switch src.Channels() {
	case 1:
		src.CopyTo(&gray)
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}

	dst := gocv.NewMat()
	gocv.Threshold(gray, &dst, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	return dst
}
