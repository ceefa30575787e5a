package refimage

import (
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
)

func solid(b, g, r float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(b, g, r, 0), 64, 64, gocv.MatTypeCV8UC3)
}

// halfMask is dark on the left half and light on the right.
func halfMask() gocv.Mat {
	m := solid(20, 20, 20)
	gocv.Rectangle(&m, image.Rect(32, 0, 64, 64), color.RGBA{230, 230, 230, 0}, -1)
	return m
}

func writeAll(t *testing.T, dir string, names ...string) {
	t.Helper()
	pic := solid(0, 0, 255)
	defer pic.Close()
	mask := halfMask()
	defer mask.Close()

	for _, name := range names {
		img := pic
		if name == Mask0 || name == Mask1 {
			img = mask
		}
		if !gocv.IMWrite(filepath.Join(dir, name+".png"), img) {
			t.Fatalf("write %s", name)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir, Picture0, Picture1, Mask0, Mask1)

	set, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer set.Close()

	if !set.Complete() {
		t.Fatal("set incomplete")
	}
	if got := set.PictureA.Channels(); got != 4 {
		t.Errorf("picture channels = %d, want 4", got)
	}
	// BGR red becomes RGBA red.
	if px := set.PictureA.GetVecbAt(10, 10); px[0] != 255 || px[2] != 0 {
		t.Errorf("picture pixel = %v, want red first", px)
	}
	if got := set.MaskA.Channels(); got != 1 {
		t.Errorf("mask channels = %d, want 1", got)
	}
	if l, r := set.MaskB.GetUCharAt(10, 10), set.MaskB.GetUCharAt(10, 50); l != 0 || r != 255 {
		t.Errorf("mask = (%d, %d), want (0, 255)", l, r)
	}
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir, Picture0, Picture1, Mask0)

	set, err := Load(dir)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err = %v, want ErrLoadFailed", err)
	}
	if set == nil || set.Complete() {
		t.Error("want an empty set on failure")
	}
	set.Close()
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	m := solid(1, 2, 3)
	defer m.Close()
	gocv.IMWrite(filepath.Join(dir, Picture1+".jpg"), m)

	got, err := Find(dir, Picture1)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, Picture1+".jpg"); got != want {
		t.Errorf("Find = %q, want %q", got, want)
	}
	if _, err := Find(dir, Picture0); !errors.Is(err, ErrLoadFailed) {
		t.Errorf("missing: err = %v", err)
	}
}

func TestFromMats(t *testing.T) {
	pic := solid(0, 255, 0)
	defer pic.Close()
	gray := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(200, 0, 0, 0), 64, 64, gocv.MatTypeCV8UC1)
	defer gray.Close()
	empty := gocv.NewMat()
	defer empty.Close()

	set, err := FromMats(pic, gray, gray, pic)
	if err != nil {
		t.Fatal(err)
	}
	if set.PictureB.Channels() != 4 || set.MaskB.Channels() != 1 {
		t.Errorf("channels = %d/%d, want 4/1", set.PictureB.Channels(), set.MaskB.Channels())
	}
	set.Close()
	if set.Complete() {
		t.Error("closed set still complete")
	}
	set.Close()

	if _, err := FromMats(pic, empty, pic, pic); !errors.Is(err, ErrLoadFailed) {
		t.Errorf("empty input: err = %v", err)
	}
}

func TestEmpty(t *testing.T) {
	var nilSet *Set
	if nilSet.Complete() || Empty().Complete() {
		t.Error("empty sets report complete")
	}
	Empty().Close()
}
