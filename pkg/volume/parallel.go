package volume

import (
	"runtime"
	"sync"
)

// ParallelZ runs fn over every z index of a grid, fanning contiguous slabs
// of z-slices out across workers goroutines. Each call of fn must only
// touch samples within its own slice, which makes this safe for the
// voxel-wise passes with no cross-voxel dependency (clamping, pointwise
// exponentials, output composition). workers <= 0 means one worker per CPU.
func ParallelZ(nz, workers int, fn func(z int)) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > nz {
		workers = nz
	}
	if workers <= 1 {
		for z := 0; z < nz; z++ {
			fn(z)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (nz + workers - 1) / workers
	for w := 0; w < workers; w++ {
		z0 := w * chunk
		z1 := z0 + chunk
		if z1 > nz {
			z1 = nz
		}
		if z0 >= z1 {
			break
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				fn(z)
			}
		}(z0, z1)
	}
	wg.Wait()
}
