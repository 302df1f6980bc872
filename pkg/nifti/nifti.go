// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). It covers what the normalisation tool needs: 3D scalar volumes
// with the common datatypes, slope/intercept intensity scaling, and the
// sform voxel-to-scanner affine, with the pixel-dimension diagonal as a
// fallback when no sform is present.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"mtlognorm/pkg/volume"
)

// NIfTI-1 datatype codes, from the official nifti1.h definition.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

const (
	headerSize = 348
	dataOffset = 352
)

// Header is the fixed 348-byte NIfTI-1 header.
//
// Field sizes follow the C definition: int -> int32, float -> float32,
// short -> int16, char -> int8/byte.
type Header struct {
	SizeOfHdr      int32    // Must be 348
	DataTypeUnused [10]byte // Unused
	DBNameUnused   [18]byte // Unused
	ExtentsUnused  int32    // Unused
	SessionUnused  int16    // Unused
	RegularUnused  byte     // Unused
	DimInfo        byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions, Dim[0] = ndim
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Datatype code
	BitPix        int16      // Bits per voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into the file of the voxel data
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of PixDim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for one slice
	TOffset       float32    // Time axis shift
	GlmaxUnused   int32      // Unused
	GlminUnused   int32      // Unused

	Descrip [80]byte // Free-text description
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b
	QuaternC float32 // Quaternion c
	QuaternD float32 // Quaternion d
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row of the affine transform
	SRowY [4]float32 // 2nd row of the affine transform
	SRowZ [4]float32 // 3rd row of the affine transform

	IntentName [16]byte // Meaning of the data
	Magic      [4]byte  // "n+1" for single-file NIfTI
}

// ReadVolume loads a 3D volume from a NIfTI-1 file. Gzip compression is
// detected from the .gz suffix. Integer and float samples are converted to
// float64 with the header's slope/intercept scaling applied.
func ReadVolume(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("reading gzip stream of %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%s: file shorter than the %d-byte NIfTI-1 header", path, headerSize)
	}

	// Endianness is detected from sizeof_hdr, which must decode to 348.
	order := binary.ByteOrder(binary.LittleEndian)
	var hdr Header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return nil, fmt.Errorf("%s: decoding header: %w", path, err)
	}
	if hdr.SizeOfHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
			return nil, fmt.Errorf("%s: decoding header: %w", path, err)
		}
		if hdr.SizeOfHdr != headerSize {
			return nil, fmt.Errorf("%s: not a NIfTI-1 file (sizeof_hdr = %d)", path, hdr.SizeOfHdr)
		}
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, fmt.Errorf("%s: unsupported dimensionality %d", path, ndim)
	}
	for d := 4; d <= ndim; d++ {
		if hdr.Dim[d] > 1 {
			return nil, fmt.Errorf("%s: expected a 3D volume, found %d volumes along axis %d", path, hdr.Dim[d], d)
		}
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("%s: invalid dimensions %dx%dx%d", path, nx, ny, nz)
	}

	vol := volume.New(nx, ny, nz, affineFromHeader(&hdr))

	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	bytesPerSample := int(hdr.BitPix) / 8
	need := offset + nx*ny*nz*bytesPerSample
	if len(raw) < need {
		return nil, fmt.Errorf("%s: truncated voxel data (%d bytes, need %d)", path, len(raw), need)
	}
	data := raw[offset:]

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	scale := slope != 0 && (slope != 1 || inter != 0)

	for i := range vol.Data {
		var v float64
		switch hdr.DataType {
		case DTUint8:
			v = float64(data[i])
		case DTInt16:
			v = float64(int16(order.Uint16(data[i*2:])))
		case DTInt32:
			v = float64(int32(order.Uint32(data[i*4:])))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(data[i*4:])))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(data[i*8:]))
		default:
			return nil, fmt.Errorf("%s: unsupported datatype code %d", path, hdr.DataType)
		}
		if scale {
			v = v*slope + inter
		}
		vol.Data[i] = v
	}

	log.Debugf("loaded %s: %dx%dx%d, datatype %d", path, nx, ny, nz, hdr.DataType)
	return vol, nil
}

// ReadMask loads a volume and interprets it as a mask: any nonzero sample
// is inside.
func ReadMask(path string) (*volume.Mask, error) {
	vol, err := ReadVolume(path)
	if err != nil {
		return nil, err
	}
	return volume.FromVolume(vol), nil
}

// WriteVolume stores a volume as a single-file float32 NIfTI-1 image with
// the volume's affine recorded as the sform. descrip is stored in the
// header's free-text field and may be empty; it is truncated to 79 bytes.
// Gzip compression is selected by the .gz suffix.
func WriteVolume(path string, vol *volume.Volume, descrip string) error {
	hdr := Header{
		SizeOfHdr: headerSize,
		DataType:  DTFloat32,
		BitPix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		SFormCode: 1,
		XYZTUnits: 2, // millimetres
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	hdr.Dim[1] = int16(vol.Nx)
	hdr.Dim[2] = int16(vol.Ny)
	hdr.Dim[3] = int16(vol.Nz)
	for d := 4; d < 8; d++ {
		hdr.Dim[d] = 1
	}
	hdr.PixDim[0] = 1
	for d := 0; d < 3; d++ {
		// Voxel spacing along each axis is the column norm of the affine
		spacing := float32(columnNorm(vol.Affine, d))
		hdr.PixDim[d+1] = spacing
	}
	for j := 0; j < 4; j++ {
		hdr.SRowX[j] = float32(vol.Affine[0][j])
		hdr.SRowY[j] = float32(vol.Affine[1][j])
		hdr.SRowZ[j] = float32(vol.Affine[2][j])
	}
	copy(hdr.Descrip[:79], descrip)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// Header extension flag: four zero bytes, no extensions
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	buf := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return f.Close()
}

// affineFromHeader prefers the sform rows; without one it falls back to a
// diagonal transform from the pixel dimensions.
func affineFromHeader(hdr *Header) volume.Affine {
	if hdr.SFormCode > 0 {
		var a volume.Affine
		for j := 0; j < 4; j++ {
			a[0][j] = float64(hdr.SRowX[j])
			a[1][j] = float64(hdr.SRowY[j])
			a[2][j] = float64(hdr.SRowZ[j])
		}
		return a
	}
	sx, sy, sz := float64(hdr.PixDim[1]), float64(hdr.PixDim[2]), float64(hdr.PixDim[3])
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	if sz == 0 {
		sz = 1
	}
	return volume.Scaling(sx, sy, sz)
}

// DescripOf returns the free-text description stored in a file's header.
// Convenience for inspecting the metadata tags the tool writes.
func DescripOf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("reading gzip stream of %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return "", fmt.Errorf("%s: decoding header: %w", path, err)
	}
	return string(bytes.TrimRight(hdr.Descrip[:], "\x00")), nil
}

func columnNorm(a volume.Affine, col int) float64 {
	s := a[0][col]*a[0][col] + a[1][col]*a[1][col] + a[2][col]*a[2][col]
	return math.Sqrt(s)
}
