package video

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os/exec"
	"sync"
	"time"
)

// decodeTimeout bounds one ffmpeg run.
const decodeTimeout = 500 * time.Millisecond

// Decoder turns buffered H264 (Annex-B, starting at a keyframe) into JPEG
// by piping it through ffmpeg. Calls are rate limited by interval.
type Decoder struct {
	interval time.Duration

	mu         sync.Mutex
	lastDecode time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewDecoder creates a decoder that decodes at most once per interval.
func NewDecoder(interval time.Duration) *Decoder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Decoder{interval: interval, ctx: ctx, cancel: cancel}
}

// Due reports whether the rate limit allows another decode, and if so
// claims the slot.
func (d *Decoder) Due() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.lastDecode) < d.interval {
		return false
	}
	d.lastDecode = time.Now()
	return true
}

// Decode returns the last frame of the buffered GOP as JPEG, or nil when
// ffmpeg produced nothing usable.
func (d *Decoder) Decode(h264 []byte) ([]byte, error) {
	if len(h264) < 100 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(d.ctx, decodeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(h264)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		// ffmpeg exits non-zero on truncated GOPs; use what it wrote
		if stdout.Len() == 0 {
			return nil, fmt.Errorf("video: ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
	}

	frame := lastJPEG(stdout.Bytes())
	if frame == nil || isGrayJPEG(frame) {
		return nil, nil
	}
	return frame, nil
}

// Close cancels any running decode.
func (d *Decoder) Close() {
	d.cancel()
}

// lastJPEG returns the final image of an MJPEG stream.
func lastJPEG(stream []byte) []byte {
	i := bytes.LastIndex(stream, []byte{0xFF, 0xD8, 0xFF})
	if i < 0 {
		return nil
	}
	out := make([]byte, len(stream)-i)
	copy(out, stream[i:])
	return out
}

// isGrayJPEG checks if a JPEG is likely gray/corrupt.
func isGrayJPEG(jpegData []byte) bool {
	if len(jpegData) < 1000 {
		return true
	}

	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return true
	}

	bounds := img.Bounds()
	if bounds.Dx() < 100 || bounds.Dy() < 100 {
		return true
	}

	// Sample a 10x10 grid
	var rSum, gSum, bSum, samples int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += bounds.Dy() / 10 {
		for x := bounds.Min.X; x < bounds.Max.X; x += bounds.Dx() / 10 {
			r, g, b, _ := img.At(x, y).RGBA()
			rSum += int(r >> 8)
			gSum += int(g >> 8)
			bSum += int(b >> 8)
			samples++
		}
	}
	if samples == 0 {
		return true
	}

	avgR, avgG, avgB := rSum/samples, gSum/samples, bSum/samples

	// Undecoded H264 comes out near-black or flat mid-gray
	if avgR < 30 && avgG < 30 && avgB < 30 {
		return true
	}
	colorDiff := abs(avgR-avgG) + abs(avgG-avgB) + abs(avgR-avgB)
	return colorDiff < 15 && avgR > 100 && avgR < 150
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
