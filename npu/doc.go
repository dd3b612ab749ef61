// Package npu provides CGO-free Go bindings to the Intel NPU acceleration
// library. Computation graphs are built eagerly through tensor handles whose
// nodes live inside the native backend; shape, dtype, and values are always
// queried back across the foreign boundary rather than cached host-side.
//
// Typical usage:
//
//	if err := npu.InitializeEnvironmentWithBootstrap(); err != nil { ... }
//	defer npu.DestroyEnvironment()
//
//	factory, err := npu.NewNNFactory("NPU", false)
//	a, err := factory.Parameter([]int64{4, 8}, npu.DtypeFloat16)
//	b, err := factory.Parameter([]int64{8, 4}, npu.DtypeFloat16)
//	c, err := a.MatMul(b)
//	err = factory.Compile(c)
//	out, err := factory.Run(npu.Float16Buffer(x), npu.Float16Buffer(y))
//
// Graph construction against one factory must happen from a single
// goroutine; the package does not serialize it.
package npu
