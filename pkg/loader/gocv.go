package loader

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"

	"gocv.io/x/gocv"
)

// GoCV bootstraps OpenCV through gocv.
type GoCV struct {
	// Major is the OpenCV major version the routines were written for.
	Major string

	Logger *slog.Logger
}

// InitLocal reports whether the linked OpenCV has the expected major version.
func (g GoCV) InitLocal() bool {
	v := gocv.OpenCVVersion()
	if g.Logger != nil {
		g.Logger.Debug("linked OpenCV", "version", v, "want_major", g.Major)
	}
	return g.Major == "" || strings.HasPrefix(v, g.Major+".")
}

// InitAsync runs a codec round trip on a goroutine to prove the library
// actually works, then reports on cb.
func (g GoCV) InitAsync(versionTag string, cb AsyncCallback) {
	go func() {
		v := gocv.OpenCVVersion()
		if versionTag != "" && !strings.HasPrefix(v, strings.SplitN(versionTag, ".", 2)[0]) {
			cb.OnSuccess(StatusIncompatibleVersion)
			return
		}
		if err := selfTest(); err != nil {
			cb.OnFailure(err)
			return
		}
		cb.OnSuccess(StatusSuccess)
	}()
}

// selfTest encodes and decodes a small image.
func selfTest() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: self-test panicked: %v", ErrUnavailable, r)
		}
	}()

	src := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer src.Close()
	gocv.Rectangle(&src, image.Rect(8, 8, 24, 24), color.RGBA{R: 255, A: 255}, -1)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, src)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrUnavailable, err)
	}
	defer buf.Close()

	dst, err := gocv.IMDecode(buf.GetBytes(), gocv.IMReadColor)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	defer dst.Close()

	if dst.Cols() != 32 || dst.Rows() != 32 {
		return fmt.Errorf("%w: round trip produced %dx%d", ErrUnavailable, dst.Cols(), dst.Rows())
	}
	return nil
}
