package npu

import "github.com/x448/float16"

// Buffer wraps a host slice handed to the backend during Run. The backing
// field keeps the slice reachable while the backend may read it.
type Buffer struct {
	ptr     uintptr
	backing any
}

// Float32Buffer wraps a float32 slice as a run input.
func Float32Buffer(data []float32) Buffer {
	return Buffer{ptr: sliceDataPtr(data), backing: data}
}

// Float16Buffer converts a float32 slice to IEEE half precision and wraps it
// as a run input. The NPU executes float16 natively; the narrowing happens
// host-side.
func Float16Buffer(data []float32) Buffer {
	half := make([]uint16, len(data))
	for i, v := range data {
		half[i] = float16.Fromfloat32(v).Bits()
	}
	return Buffer{ptr: sliceDataPtr(half), backing: half}
}

// Int8Buffer wraps an int8 slice as a run input, used for quantized weights.
func Int8Buffer(data []int8) Buffer {
	return Buffer{ptr: sliceDataPtr(data), backing: data}
}
