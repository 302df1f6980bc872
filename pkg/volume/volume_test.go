package volume

import (
	"math"
	"sync/atomic"
	"testing"
)

func TestAffineApply(t *testing.T) {
	a := Affine{
		{2, 0, 0, 10},
		{0, 3, 0, 20},
		{0, 0, 4, 30},
	}
	x, y, z := a.Apply(1, 2, 3)
	if x != 12 || y != 26 || z != 42 {
		t.Errorf("Apply(1,2,3) = (%g,%g,%g), want (12,26,42)", x, y, z)
	}

	x, y, z = Identity().Apply(5, 6, 7)
	if x != 5 || y != 6 || z != 7 {
		t.Errorf("identity Apply(5,6,7) = (%g,%g,%g)", x, y, z)
	}
}

func TestVolumeIndexing(t *testing.T) {
	v := New(3, 4, 5, Scaling(1, 1, 2))

	v.Set(2, 3, 4, 7.5)
	if got := v.At(2, 3, 4); got != 7.5 {
		t.Errorf("At(2,3,4) = %g, want 7.5", got)
	}
	if got := v.Data[v.Index(2, 3, 4)]; got != 7.5 {
		t.Errorf("flat index lookup = %g, want 7.5", got)
	}
	if nx, ny, nz := v.Shape(); nx != 3 || ny != 4 || nz != 5 {
		t.Errorf("Shape() = (%d,%d,%d), want (3,4,5)", nx, ny, nz)
	}
	if v.NumVoxels() != 60 {
		t.Errorf("NumVoxels() = %d, want 60", v.NumVoxels())
	}

	sx, sy, sz := v.VoxelToScanner(1, 2, 3)
	if sx != 1 || sy != 2 || sz != 6 {
		t.Errorf("VoxelToScanner(1,2,3) = (%g,%g,%g), want (1,2,6)", sx, sy, sz)
	}

	scratch := v.Scratch()
	if !scratch.SameGrid(v) || scratch.Affine != v.Affine {
		t.Error("Scratch() does not preserve grid and affine")
	}
	for _, s := range scratch.Data {
		if s != 0 {
			t.Fatal("Scratch() is not zero-filled")
		}
	}
}

func TestMaskBasics(t *testing.T) {
	m := NewMask(2, 2, 2, Identity())
	m.Set(0, 0, 0, true)
	m.Set(1, 1, 1, true)
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}

	c := m.Clone()
	c.Set(0, 0, 0, false)
	if !m.At(0, 0, 0) {
		t.Error("mutating a clone changed the original mask")
	}

	v := m.ToVolume()
	if v.At(1, 1, 1) != 1 || v.At(0, 1, 0) != 0 {
		t.Error("ToVolume() does not encode the mask as 0/1")
	}

	back := FromVolume(v)
	for i := range m.Data {
		if back.Data[i] != m.Data[i] {
			t.Fatalf("FromVolume(ToVolume()) differs at voxel %d", i)
		}
	}
}

func TestFromVolumeNonzeroIsInside(t *testing.T) {
	v := New(2, 2, 1, Identity())
	v.Data = []float64{0, 0.3, 1, -1}

	m := FromVolume(v)
	want := []bool{false, true, true, true}
	for i := range want {
		if m.Data[i] != want[i] {
			t.Errorf("voxel %d (sample %g) = %v, want %v", i, v.Data[i], m.Data[i], want[i])
		}
	}
	if m.Count() != 3 {
		t.Errorf("Count() = %d, want 3", m.Count())
	}
}

func TestStackClampsNegatives(t *testing.T) {
	t1 := New(2, 2, 1, Identity())
	t2 := New(2, 2, 1, Identity())
	t1.Set(0, 0, 0, -3)
	t1.Set(1, 0, 0, 2)
	t2.Set(0, 1, 0, 1.5)

	s, err := NewStack([]*Volume{t1, t2})
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	if got := s.At(0, 0, 0, 0); got != 0 {
		t.Errorf("negative sample clamped to %g, want 0", got)
	}
	if got := s.At(1, 0, 0, 0); got != 2 {
		t.Errorf("positive sample = %g, want 2", got)
	}
	if got := s.At(0, 1, 0, 1); got != 1.5 {
		t.Errorf("second tissue sample = %g, want 1.5", got)
	}
	// Construction must not mutate the caller's volumes
	if t1.At(0, 0, 0) != -3 {
		t.Error("NewStack clamped the input volume in place")
	}
}

func TestStackValidation(t *testing.T) {
	t1 := New(2, 2, 2, Identity())
	if _, err := NewStack([]*Volume{t1}); err == nil {
		t.Error("NewStack accepted a single tissue")
	}
	t2 := New(3, 2, 2, Identity())
	if _, err := NewStack([]*Volume{t1, t2}); err == nil {
		t.Error("NewStack accepted mismatched grids")
	}
}

func TestParallelZCoversEverySliceOnce(t *testing.T) {
	for _, workers := range []int{0, 1, 3, 16} {
		counts := make([]int64, 13)
		ParallelZ(13, workers, func(z int) {
			atomic.AddInt64(&counts[z], 1)
		})
		for z, c := range counts {
			if c != 1 {
				t.Errorf("workers=%d: slice %d visited %d times", workers, z, c)
			}
		}
	}
}

func TestParallelZMatchesSequential(t *testing.T) {
	v := New(4, 4, 8, Identity())
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	seq := v.Scratch()
	for z := 0; z < 8; z++ {
		for i := z * 16; i < (z+1)*16; i++ {
			seq.Data[i] = math.Sqrt(v.Data[i])
		}
	}

	par := v.Scratch()
	ParallelZ(8, 4, func(z int) {
		for i := z * 16; i < (z+1)*16; i++ {
			par.Data[i] = math.Sqrt(v.Data[i])
		}
	})

	for i := range seq.Data {
		if seq.Data[i] != par.Data[i] {
			t.Fatalf("parallel result differs at voxel %d", i)
		}
	}
}
