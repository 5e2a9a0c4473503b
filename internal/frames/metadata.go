package frames

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"stemflow/internal/arraystore"
	"stemflow/internal/services"
)

// Defaults for the EMPAD detector layout.
const (
	DefaultDetectorSize  = 128
	DefaultFrameGapBytes = 2 * DefaultDetectorSize * 4
)

// Metadata is the acquisition description read from a descriptor file.
type Metadata struct {
	ScanI          int
	ScanJ          int
	DetectorI      int
	DetectorJ      int
	Voltage        float64
	CameraLength   float64
	ReciprocalStep float64
	ScanRotation   float64
	Flipped        bool
	DType          arraystore.DType
	// FrameGapBytes is the padding before every frame except the first. It
	// is negative when the descriptor does not declare it.
	FrameGapBytes int
	Source        string
}

// RawShape is the frame layout inside the raw file.
func (m Metadata) RawShape() arraystore.Shape4 {
	return arraystore.Shape4{m.ScanI, m.ScanJ, m.DetectorI, m.DetectorJ}
}

// StoredShape is the dataset shape after the optional per-frame transpose.
func (m Metadata) StoredShape() arraystore.Shape4 {
	if m.Flipped {
		return arraystore.Shape4{m.ScanI, m.ScanJ, m.DetectorJ, m.DetectorI}
	}
	return m.RawShape()
}

// GapBytes returns the declared gap, or fallback when none was declared.
func (m Metadata) GapBytes(fallback int) int {
	if m.FrameGapBytes >= 0 {
		return m.FrameGapBytes
	}
	return max(fallback, 0)
}

// Attributes flattens the metadata into typed dataset attributes.
func (m Metadata) Attributes() *arraystore.Attributes {
	shape := m.StoredShape()
	attrs := arraystore.NewAttributes()
	attrs.Set(arraystore.AttrScanI, arraystore.Int(int64(shape[0])))
	attrs.Set(arraystore.AttrScanJ, arraystore.Int(int64(shape[1])))
	attrs.Set(arraystore.AttrDetectorI, arraystore.Int(int64(shape[2])))
	attrs.Set(arraystore.AttrDetectorJ, arraystore.Int(int64(shape[3])))
	attrs.Set(arraystore.AttrIsFlipped, arraystore.Bool(m.Flipped))
	attrs.Set(arraystore.AttrVoltage, arraystore.Float(m.Voltage))
	attrs.Set(arraystore.AttrCameraLength, arraystore.Float(m.CameraLength))
	attrs.Set(arraystore.AttrReciprocalStep, arraystore.Float(m.ReciprocalStep))
	attrs.Set(arraystore.AttrScanRotation, arraystore.Float(m.ScanRotation))
	if m.Source != "" {
		attrs.Set(arraystore.AttrSource, arraystore.String(m.Source))
	}
	return attrs
}

type descriptor struct {
	XMLName xml.Name `xml:"acquisition"`
	Scan    struct {
		ScanI    *int     `xml:"scan_i"`
		ScanJ    *int     `xml:"scan_j"`
		Rotation *float64 `xml:"scan_rotation"`
	} `xml:"scan_parameters"`
	Detector struct {
		DetectorI *int    `xml:"dp_i"`
		DetectorJ *int    `xml:"dp_j"`
		Flipped   *bool   `xml:"is_flipped"`
		DType     *string `xml:"dtype"`
		GapBytes  *int    `xml:"frame_gap_bytes"`
	} `xml:"detector"`
	IOM struct {
		Voltage      *float64 `xml:"accelerating_voltage"`
		CameraLength *float64 `xml:"camera_length"`
	} `xml:"iom_measurements"`
	Calibration struct {
		ReciprocalStep *float64 `xml:"reciprocal_step"`
	} `xml:"calibration"`
}

// ReadMetadata parses the descriptor at path.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, services.Wrap(services.ErrReadFailure, "frames", "read metadata", path, err)
	}
	defer f.Close()
	meta, err := ParseMetadata(f)
	if err != nil {
		return Metadata{}, err
	}
	meta.Source = path
	return meta, nil
}

// ParseMetadata decodes a descriptor. Malformed XML, missing required fields
// and invalid values report services.ErrParse.
func ParseMetadata(r io.Reader) (Metadata, error) {
	var d descriptor
	if err := xml.NewDecoder(r).Decode(&d); err != nil {
		return Metadata{}, services.Wrap(services.ErrParse, "frames", "read metadata", "decode descriptor", err)
	}

	var missing []string
	requireInt := func(name string, v *int) int {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}
	requireFloat := func(name string, v *float64) float64 {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}
	meta := Metadata{
		ScanI:          requireInt("scan_i", d.Scan.ScanI),
		ScanJ:          requireInt("scan_j", d.Scan.ScanJ),
		ScanRotation:   requireFloat("scan_rotation", d.Scan.Rotation),
		DetectorI:      requireInt("dp_i", d.Detector.DetectorI),
		DetectorJ:      requireInt("dp_j", d.Detector.DetectorJ),
		Voltage:        requireFloat("accelerating_voltage", d.IOM.Voltage),
		CameraLength:   requireFloat("camera_length", d.IOM.CameraLength),
		ReciprocalStep: requireFloat("reciprocal_step", d.Calibration.ReciprocalStep),
		DType:          arraystore.Float32,
		FrameGapBytes:  -1,
	}
	if d.Detector.Flipped == nil {
		missing = append(missing, "is_flipped")
	} else {
		meta.Flipped = *d.Detector.Flipped
	}
	if len(missing) > 0 {
		return Metadata{}, services.Wrap(services.ErrParse, "frames", "read metadata",
			"missing required fields: "+strings.Join(missing, ", "), nil)
	}

	if d.Detector.DType != nil {
		dtype, err := arraystore.ParseDType(strings.TrimSpace(*d.Detector.DType))
		if err != nil {
			return Metadata{}, services.Wrap(services.ErrParse, "frames", "read metadata", "dtype", err)
		}
		meta.DType = dtype
	}
	if d.Detector.GapBytes != nil {
		if *d.Detector.GapBytes < 0 {
			return Metadata{}, services.Wrap(services.ErrParse, "frames", "read metadata",
				fmt.Sprintf("frame_gap_bytes %d is negative", *d.Detector.GapBytes), nil)
		}
		meta.FrameGapBytes = *d.Detector.GapBytes
	}
	if meta.ScanI <= 0 || meta.ScanJ <= 0 || meta.DetectorI <= 0 || meta.DetectorJ <= 0 {
		return Metadata{}, services.Wrap(services.ErrParse, "frames", "read metadata",
			fmt.Sprintf("shape %s must be positive", meta.RawShape()), nil)
	}
	return meta, nil
}

// WriteMetadata renders meta as a descriptor.
func WriteMetadata(w io.Writer, meta Metadata) error {
	var d descriptor
	d.Scan.ScanI = &meta.ScanI
	d.Scan.ScanJ = &meta.ScanJ
	d.Scan.Rotation = &meta.ScanRotation
	d.Detector.DetectorI = &meta.DetectorI
	d.Detector.DetectorJ = &meta.DetectorJ
	d.Detector.Flipped = &meta.Flipped
	if meta.DType != "" {
		dtype := string(meta.DType)
		d.Detector.DType = &dtype
	}
	if meta.FrameGapBytes >= 0 {
		d.Detector.GapBytes = &meta.FrameGapBytes
	}
	d.IOM.Voltage = &meta.Voltage
	d.IOM.CameraLength = &meta.CameraLength
	d.Calibration.ReciprocalStep = &meta.ReciprocalStep

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}
