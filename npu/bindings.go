package npu

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// One package-level function variable per exported symbol of the NPU shared
// library. They are populated by registerBindings when the environment is
// initialized and reset to nil on teardown. Call sites nil-check them and
// fail with ErrNotInitialized. Tests install in-process fakes directly.
var (
	createNNFactoryFunc  func(device uintptr, profile bool) uintptr
	destroyNNFactoryFunc func(factory uintptr)
	parameterFunc        func(factory uintptr, rank uint64, shape *int64, dtype uintptr) uintptr
	constantFunc         func(factory uintptr, rank uint64, shape *int64, dtype uintptr, data uintptr) uintptr
	linearFunc           func(factory uintptr, input uintptr, outChannels, inChannels int64, bias bool, weightDtype uintptr) uintptr
	compileFunc          func(factory uintptr, output uintptr) int32
	runFunc              func(factory uintptr, inputs *uintptr, inputCount uint64, output uintptr) int32

	// Node attribute queries. The backend is the sole authority on shape
	// and dtype once a node exists; the host never caches these.
	opShapeSizeFunc func(node uintptr) uint64
	opShapeFunc     func(node uintptr, axis uint64) int64
	opDtypeFunc     func(node uintptr) int32

	// Parameterized op constructors that need dedicated signatures.
	clampFunc     func(factory, node uintptr, minVal, maxVal float32) uintptr
	eluFunc       func(factory, node uintptr, alpha float32) uintptr
	grnFunc       func(factory, node uintptr, bias float32) uintptr
	transposeFunc func(factory, node, order uintptr) uintptr
	unsqueezeFunc func(factory, node, axes uintptr) uintptr
	sdpaFunc      func(factory, query, key, value, mask uintptr, isCausal bool) uintptr

	// Uniform op constructors, keyed by registry name. Populated from the
	// supported-op registry so the bound surface and the registry cannot
	// drift apart.
	unaryOpFuncs  map[string]func(factory, node uintptr) uintptr
	binaryOpFuncs map[string]func(factory, a, b uintptr) uintptr
)

// dedicatedBindings lists registry entries that do not follow the uniform
// unary/binary constructor signature.
var dedicatedBindings = map[string]bool{
	"clamp":                        true,
	"elu":                          true,
	"grn":                          true,
	"transpose":                    true,
	"unsqueeze":                    true,
	"scaled_dot_product_attention": true,
}

// registerBindings resolves every NPU library symbol into the package-level
// function variables. purego panics on a missing symbol; that is converted
// into an error and all bindings are reset so the environment stays unusable.
func registerBindings(lib uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			resetBindings()
			err = errors.Errorf("failed to bind NPU library symbols: %v", r)
		}
	}()

	purego.RegisterLibFunc(&createNNFactoryFunc, lib, "createNNFactory")
	purego.RegisterLibFunc(&destroyNNFactoryFunc, lib, "destroyNNFactory")
	purego.RegisterLibFunc(&parameterFunc, lib, "parameter")
	purego.RegisterLibFunc(&constantFunc, lib, "constant")
	purego.RegisterLibFunc(&linearFunc, lib, "linear")
	purego.RegisterLibFunc(&compileFunc, lib, "compile")
	purego.RegisterLibFunc(&runFunc, lib, "run")

	purego.RegisterLibFunc(&opShapeSizeFunc, lib, "op_shape_size")
	purego.RegisterLibFunc(&opShapeFunc, lib, "op_shape")
	purego.RegisterLibFunc(&opDtypeFunc, lib, "op_dtype")

	purego.RegisterLibFunc(&clampFunc, lib, "clamp")
	purego.RegisterLibFunc(&eluFunc, lib, "elu")
	purego.RegisterLibFunc(&grnFunc, lib, "grn")
	purego.RegisterLibFunc(&transposeFunc, lib, "transpose")
	purego.RegisterLibFunc(&unsqueezeFunc, lib, "unsqueeze")
	purego.RegisterLibFunc(&sdpaFunc, lib, "scaled_dot_product_attention")

	unaryOpFuncs = make(map[string]func(factory, node uintptr) uintptr)
	binaryOpFuncs = make(map[string]func(factory, a, b uintptr) uintptr)
	for _, op := range GetSupportedOps() {
		if dedicatedBindings[op.Name] || len(op.Parameters) != 0 {
			continue
		}
		switch op.Inputs {
		case 1:
			var fn func(factory, node uintptr) uintptr
			purego.RegisterLibFunc(&fn, lib, op.Name)
			unaryOpFuncs[op.Name] = fn
		case 2:
			var fn func(factory, a, b uintptr) uintptr
			purego.RegisterLibFunc(&fn, lib, op.Name)
			binaryOpFuncs[op.Name] = fn
		}
	}

	return nil
}

// resetBindings clears every bound symbol. Callers must hold mu or otherwise
// guarantee exclusive access.
func resetBindings() {
	createNNFactoryFunc = nil
	destroyNNFactoryFunc = nil
	parameterFunc = nil
	constantFunc = nil
	linearFunc = nil
	compileFunc = nil
	runFunc = nil
	opShapeSizeFunc = nil
	opShapeFunc = nil
	opDtypeFunc = nil
	clampFunc = nil
	eluFunc = nil
	grnFunc = nil
	transposeFunc = nil
	unsqueezeFunc = nil
	sdpaFunc = nil
	unaryOpFuncs = nil
	binaryOpFuncs = nil
}
