package frames_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"stemflow/internal/arraystore"
	"stemflow/internal/frames"
	"stemflow/internal/services"
)

const empadDescriptor = `<?xml version="1.0"?>
<acquisition>
  <scan_parameters>
    <scan_i>256</scan_i>
    <scan_j>256</scan_j>
    <scan_rotation>-12.5</scan_rotation>
  </scan_parameters>
  <detector>
    <dp_i>128</dp_i>
    <dp_j>128</dp_j>
    <is_flipped>true</is_flipped>
  </detector>
  <iom_measurements>
    <accelerating_voltage>300000</accelerating_voltage>
    <camera_length>0.38</camera_length>
  </iom_measurements>
  <calibration>
    <reciprocal_step>0.0265</reciprocal_step>
  </calibration>
</acquisition>
`

func TestParseMetadata(t *testing.T) {
	meta, err := frames.ParseMetadata(strings.NewReader(empadDescriptor))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if meta.RawShape() != (arraystore.Shape4{256, 256, 128, 128}) {
		t.Fatalf("unexpected shape %s", meta.RawShape())
	}
	if !meta.Flipped || meta.ScanRotation != -12.5 || meta.Voltage != 300000 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if meta.DType != arraystore.Float32 {
		t.Fatalf("expected float32 default, got %s", meta.DType)
	}
	if meta.GapBytes(-1) != 0 || meta.GapBytes(frames.DefaultFrameGapBytes) != 1024 {
		t.Fatalf("expected undeclared gap to use the fallback, got %d", meta.FrameGapBytes)
	}

	attrs := meta.Attributes()
	if v, ok := attrs.Get(arraystore.AttrIsFlipped); !ok || v.String() != "true" {
		t.Fatalf("expected is_flipped attribute, got %v", v)
	}
	if v, _ := attrs.Get(arraystore.AttrReciprocalStep); v.String() != "0.0265" {
		t.Fatalf("unexpected reciprocal step %v", v)
	}
}

func TestParseMetadataErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{name: "malformed", doc: "<acquisition><scan_parameters>", want: "decode descriptor"},
		{name: "missing fields", doc: strings.Replace(empadDescriptor, "<dp_j>128</dp_j>", "", 1), want: "dp_j"},
		{name: "missing flip", doc: strings.Replace(empadDescriptor, "<is_flipped>true</is_flipped>", "", 1), want: "is_flipped"},
		{name: "zero scan", doc: strings.Replace(empadDescriptor, "<scan_i>256</scan_i>", "<scan_i>0</scan_i>", 1), want: "must be positive"},
		{name: "bad dtype", doc: strings.Replace(empadDescriptor, "<dp_i>", "<dtype>int8</dtype><dp_i>", 1), want: "dtype"},
		{name: "bad number", doc: strings.Replace(empadDescriptor, "0.38", "far", 1), want: "decode descriptor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := frames.ParseMetadata(strings.NewReader(tc.doc))
			if !errors.Is(err, services.ErrParse) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestWriteMetadataRoundTrip(t *testing.T) {
	meta := frames.Metadata{
		ScanI: 4, ScanJ: 5, DetectorI: 6, DetectorJ: 7,
		Voltage: 200, CameraLength: 1.2, ReciprocalStep: 0.01, ScanRotation: 3,
		DType: arraystore.Uint16, FrameGapBytes: 0,
	}
	var buf bytes.Buffer
	if err := frames.WriteMetadata(&buf, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	got, err := frames.ParseMetadata(&buf)
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if got != meta {
		t.Fatalf("expected %+v, got %+v", meta, got)
	}
}
