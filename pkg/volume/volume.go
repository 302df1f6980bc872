// Package volume provides the dense voxel-grid types the normalisation
// pipeline operates on: scalar float64 volumes, boolean masks and a packed
// 4D tissue stack, each carrying an affine transform from integer voxel
// coordinates to scanner (physical) coordinates.
package volume

import (
	"fmt"
	"math"
)

// Affine maps integer voxel coordinates to scanner coordinates. It is the
// top 3x4 block of the usual homogeneous 4x4 transform: column 3 is the
// translation.
type Affine [3][4]float64

// Identity returns the affine that maps voxel coordinates directly to
// scanner coordinates with unit spacing and zero offset.
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}

// Scaling returns a diagonal affine with the given voxel spacing in mm.
func Scaling(sx, sy, sz float64) Affine {
	return Affine{
		{sx, 0, 0, 0},
		{0, sy, 0, 0},
		{0, 0, sz, 0},
	}
}

// Apply transforms a voxel coordinate to scanner coordinates.
func (a Affine) Apply(i, j, k float64) (x, y, z float64) {
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// Volume is a dense 3D scalar grid. Data is stored as a flat slice in
// row-major order with x fastest: index = (z*Ny+y)*Nx + x.
type Volume struct {
	// Nx, Ny, Nz are the grid dimensions in voxels
	Nx, Ny, Nz int

	// Affine maps voxel coordinates to scanner coordinates
	Affine Affine

	// Data holds the samples, length Nx*Ny*Nz
	Data []float64
}

// New allocates a zero-filled volume with the given dimensions and transform.
func New(nx, ny, nz int, affine Affine) *Volume {
	return &Volume{
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Affine: affine,
		Data:   make([]float64, nx*ny*nz),
	}
}

// Index returns the flat index of a voxel coordinate.
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Ny+y)*v.Nx + x
}

// At returns the sample at a voxel coordinate.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[(z*v.Ny+y)*v.Nx+x]
}

// Set stores a sample at a voxel coordinate.
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[(z*v.Ny+y)*v.Nx+x] = value
}

// Shape returns the grid dimensions.
func (v *Volume) Shape() (nx, ny, nz int) {
	return v.Nx, v.Ny, v.Nz
}

// NumVoxels returns the total number of grid samples.
func (v *Volume) NumVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// VoxelToScanner maps a voxel coordinate to scanner coordinates through the
// volume's affine transform.
func (v *Volume) VoxelToScanner(x, y, z int) (sx, sy, sz float64) {
	return v.Affine.Apply(float64(x), float64(y), float64(z))
}

// Scratch allocates a new zero-filled volume on the same grid, with the
// same affine transform.
func (v *Volume) Scratch() *Volume {
	return New(v.Nx, v.Ny, v.Nz, v.Affine)
}

// Fill sets every sample to the given value.
func (v *Volume) Fill(value float64) {
	for i := range v.Data {
		v.Data[i] = value
	}
}

// SameGrid reports whether two volumes share the same spatial dimensions.
// Only the dimensions are compared; co-location in scanner space is a
// caller-level precondition.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// Mask is a dense 3D boolean grid on the same layout as Volume.
type Mask struct {
	Nx, Ny, Nz int
	Affine     Affine
	Data       []bool
}

// NewMask allocates an all-false mask with the given dimensions and transform.
func NewMask(nx, ny, nz int, affine Affine) *Mask {
	return &Mask{
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Affine: affine,
		Data:   make([]bool, nx*ny*nz),
	}
}

// At returns the mask value at a voxel coordinate.
func (m *Mask) At(x, y, z int) bool {
	return m.Data[(z*m.Ny+y)*m.Nx+x]
}

// Set stores a mask value at a voxel coordinate.
func (m *Mask) Set(x, y, z int, value bool) {
	m.Data[(z*m.Ny+y)*m.Nx+x] = value
}

// Shape returns the grid dimensions.
func (m *Mask) Shape() (nx, ny, nz int) {
	return m.Nx, m.Ny, m.Nz
}

// Count returns the number of true voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// Scratch allocates a new all-false mask on the same grid.
func (m *Mask) Scratch() *Mask {
	return NewMask(m.Nx, m.Ny, m.Nz, m.Affine)
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	c := m.Scratch()
	copy(c.Data, m.Data)
	return c
}

// SameGrid reports whether the mask shares the spatial dimensions of a volume.
func (m *Mask) SameGrid(v *Volume) bool {
	return m.Nx == v.Nx && m.Ny == v.Ny && m.Nz == v.Nz
}

// ToVolume converts the mask to a 0/1-valued scalar volume, for writing it
// out as an image.
func (m *Mask) ToVolume() *Volume {
	v := New(m.Nx, m.Ny, m.Nz, m.Affine)
	for i, b := range m.Data {
		if b {
			v.Data[i] = 1
		}
	}
	return v
}

// FromVolume interprets a scalar volume as a mask: any nonzero sample
// counts as inside. This is the on-disk mask convention, so fractional
// inside values from resampled or probabilistic masks survive the round
// trip through an image file.
func FromVolume(v *Volume) *Mask {
	m := NewMask(v.Nx, v.Ny, v.Nz, v.Affine)
	for i, s := range v.Data {
		m.Data[i] = s != 0
	}
	return m
}

// Stack packs N tissue volumes into a single 4D grid with negative samples
// clamped to zero. It is immutable after construction: every estimation
// stage reads tissue intensities from the same clamped substrate.
type Stack struct {
	// Nx, Ny, Nz are the spatial dimensions, Nt the number of tissues
	Nx, Ny, Nz, Nt int
	Affine         Affine

	// Data is laid out tissue-major: index = t*Nx*Ny*Nz + voxel index
	Data []float64
}

// NewStack builds the clamped 4D stack from the given tissue volumes. All
// volumes must share the grid of the first; at least two tissues are
// required.
func NewStack(tissues []*Volume) (*Stack, error) {
	if len(tissues) < 2 {
		return nil, fmt.Errorf("at least two tissue volumes are required, got %d", len(tissues))
	}
	ref := tissues[0]
	for i, t := range tissues[1:] {
		if !ref.SameGrid(t) {
			return nil, fmt.Errorf("tissue volume %d dimensions %dx%dx%d do not match first volume %dx%dx%d",
				i+1, t.Nx, t.Ny, t.Nz, ref.Nx, ref.Ny, ref.Nz)
		}
	}

	s := &Stack{
		Nx:     ref.Nx,
		Ny:     ref.Ny,
		Nz:     ref.Nz,
		Nt:     len(tissues),
		Affine: ref.Affine,
		Data:   make([]float64, len(tissues)*ref.NumVoxels()),
	}
	stride := ref.NumVoxels()
	for t, vol := range tissues {
		base := t * stride
		for i, val := range vol.Data {
			s.Data[base+i] = math.Max(val, 0)
		}
	}
	return s, nil
}

// At returns the clamped tissue intensity at a voxel coordinate.
func (s *Stack) At(x, y, z, t int) float64 {
	return s.Data[t*s.Nx*s.Ny*s.Nz+(z*s.Ny+y)*s.Nx+x]
}

// AtIndex returns the clamped tissue intensity at a flat voxel index.
func (s *Stack) AtIndex(voxel, t int) float64 {
	return s.Data[t*s.Nx*s.Ny*s.Nz+voxel]
}

// NumVoxels returns the number of spatial grid samples (one tissue's worth).
func (s *Stack) NumVoxels() int {
	return s.Nx * s.Ny * s.Nz
}

// Scratch allocates a zero-filled scalar volume on the stack's spatial grid.
func (s *Stack) Scratch() *Volume {
	return New(s.Nx, s.Ny, s.Nz, s.Affine)
}
