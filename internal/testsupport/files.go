package testsupport

import (
	"bufio"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"stemflow/internal/arraystore"
	"stemflow/internal/frames"
)

// FrameValue returns the synthetic value of pixel (r, c) of the frame at
// scan position (i, j).
type FrameValue func(i, j, r, c int) float32

// RampValue encodes every index into a distinct value.
func RampValue(i, j, r, c int) float32 {
	return float32(i*1000 + j*100 + r*10 + c)
}

// SyntheticFrames builds the frames of shape in row-major scan order.
func SyntheticFrames(shape arraystore.Shape4, value FrameValue) []frames.Frame {
	out := make([]frames.Frame, 0, shape.Frames())
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			data := make([]float32, shape.FrameLen())
			for r := 0; r < shape[2]; r++ {
				for c := 0; c < shape[3]; c++ {
					data[r*shape[3]+c] = value(i, j, r, c)
				}
			}
			out = append(out, frames.Frame{Coord: arraystore.Coord{I: i, J: j}, Data: data})
		}
	}
	return out
}

// WriteRawAcquisition writes a float32 raw dump and its descriptor into dir
// and returns their paths. Gap bytes are filled with 0xFF so a reader that
// fails to skip them produces visibly wrong frames.
func WriteRawAcquisition(t testing.TB, dir string, meta frames.Metadata, value FrameValue) (rawPath, descriptorPath string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	rawPath = filepath.Join(dir, "scan.raw")
	descriptorPath = filepath.Join(dir, "scan.xml")

	f, err := os.Create(rawPath)
	if err != nil {
		t.Fatalf("create %s: %v", rawPath, err)
	}
	w := bufio.NewWriter(f)
	gap := make([]byte, meta.GapBytes(frames.DefaultFrameGapBytes))
	for k := range gap {
		gap[k] = 0xFF
	}
	var word [4]byte
	index := 0
	for i := 0; i < meta.ScanI; i++ {
		for j := 0; j < meta.ScanJ; j++ {
			if index > 0 {
				_, _ = w.Write(gap)
			}
			for r := 0; r < meta.DetectorI; r++ {
				for c := 0; c < meta.DetectorJ; c++ {
					binary.LittleEndian.PutUint32(word[:], math.Float32bits(value(i, j, r, c)))
					_, _ = w.Write(word[:])
				}
			}
			index++
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("write %s: %v", rawPath, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", rawPath, err)
	}

	d, err := os.Create(descriptorPath)
	if err != nil {
		t.Fatalf("create %s: %v", descriptorPath, err)
	}
	defer d.Close()
	if err := frames.WriteMetadata(d, meta); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return rawPath, descriptorPath
}

// SmallMetadata is a descriptor for a tiny float32 acquisition.
func SmallMetadata(scanI, scanJ, dpI, dpJ int) frames.Metadata {
	return frames.Metadata{
		ScanI:          scanI,
		ScanJ:          scanJ,
		DetectorI:      dpI,
		DetectorJ:      dpJ,
		Voltage:        300,
		CameraLength:   0.38,
		ReciprocalStep: 0.0265,
		ScanRotation:   0,
		DType:          arraystore.Float32,
		FrameGapBytes:  2 * dpJ * 4,
	}
}
