package npu

import (
	"runtime"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// NNFactory owns one backend-resident computation graph. Tensors created by
// a factory may only be combined with tensors from the same factory.
//
// A factory is not safe for concurrent graph construction; callers must
// serialize access. Graph construction is append-only: every emitted
// operation is committed to the backend graph immediately and is not rolled
// back if a later operation fails.
type NNFactory struct {
	handle  uintptr
	device  string
	profile bool
	id      string
	out     *Tensor
}

// NewNNFactory creates a new graph factory on the given device ("NPU",
// "CPU", "GPU"). Profiling is passed through to the backend.
func NewNNFactory(device string, profile bool) (*NNFactory, error) {
	if createNNFactoryFunc == nil {
		return nil, ErrNotInitialized
	}

	devBytes, devPtr := GoToCstring(device)
	handle := createNNFactoryFunc(devPtr, profile)
	runtime.KeepAlive(devBytes)
	if handle == 0 {
		return nil, errors.Errorf("backend failed to create a factory on device %q", device)
	}

	f := &NNFactory{
		handle:  handle,
		device:  device,
		profile: profile,
		id:      uuid.NewString(),
	}
	klog.V(1).Infof("created factory %s on device %s", f.id, device)
	return f, nil
}

// ID returns the factory's host-side identity, used in diagnostics.
func (f *NNFactory) ID() string { return f.id }

// Device returns the device the factory was created on.
func (f *NNFactory) Device() string { return f.device }

// Parameter allocates a new graph input node with the given shape and dtype.
func (f *NNFactory) Parameter(shape []int64, dtype Dtype) (*Tensor, error) {
	if err := f.usable(); err != nil {
		return nil, err
	}
	if parameterFunc == nil {
		return nil, ErrNotInitialized
	}

	dtBytes, dtPtr := GoToCstring(dtype.String())
	node := parameterFunc(f.handle, uint64(len(shape)), shapeDataPtr(shape), dtPtr)
	runtime.KeepAlive(dtBytes)
	runtime.KeepAlive(shape)
	if node == 0 {
		return nil, errors.Errorf("backend rejected parameter with shape %v and dtype %s", shape, dtype)
	}
	return &Tensor{factory: f, node: node}, nil
}

// Linear appends a linear (matmul against backend-managed weights) node.
// The weights are supplied at Run time; wtDtype selects their storage type,
// which allows int8/int4 quantized weights.
func (f *NNFactory) Linear(input *Tensor, outChannels, inChannels int64, bias bool, wtDtype Dtype) (*Tensor, error) {
	if err := f.usable(); err != nil {
		return nil, err
	}
	if input.factory != f {
		return nil, errors.Wrapf(ErrOwnershipMismatch, "linear input belongs to factory %s, not %s", input.factory.id, f.id)
	}
	if linearFunc == nil {
		return nil, ErrNotInitialized
	}

	dtBytes, dtPtr := GoToCstring(wtDtype.String())
	node := linearFunc(f.handle, input.node, outChannels, inChannels, bias, dtPtr)
	runtime.KeepAlive(dtBytes)
	if node == 0 {
		return nil, errors.Errorf("backend rejected linear node (%d -> %d channels, weights %s)", inChannels, outChannels, wtDtype)
	}
	return &Tensor{factory: f, node: node}, nil
}

// Compile finalizes the graph with out as its output node. After a
// successful compile the factory can execute the graph with Run.
func (f *NNFactory) Compile(out *Tensor) error {
	if err := f.usable(); err != nil {
		return err
	}
	if out.factory != f {
		return errors.Wrapf(ErrOwnershipMismatch, "output belongs to factory %s, not %s", out.factory.id, f.id)
	}
	if compileFunc == nil {
		return ErrNotInitialized
	}

	if status := compileFunc(f.handle, out.node); status != 0 {
		return errors.Errorf("backend failed to compile graph: status %d", status)
	}
	f.out = out
	return nil
}

// Run executes the compiled graph with the given input buffers, in parameter
// order, and returns the output as float32. Half-precision outputs are
// widened host-side.
func (f *NNFactory) Run(inputs ...Buffer) ([]float32, error) {
	if err := f.usable(); err != nil {
		return nil, err
	}
	if f.out == nil {
		return nil, errors.New("graph must be compiled before Run")
	}
	if runFunc == nil {
		return nil, ErrNotInitialized
	}

	count, err := f.out.Len()
	if err != nil {
		return nil, errors.Wrap(err, "failed to size run output")
	}
	dtype, err := f.out.Dtype()
	if err != nil {
		return nil, errors.Wrap(err, "failed to type run output")
	}

	ptrs := make([]uintptr, len(inputs))
	for i, b := range inputs {
		ptrs[i] = b.ptr
	}
	var inPtr *uintptr
	if len(ptrs) > 0 {
		inPtr = &ptrs[0]
	}

	switch dtype {
	case DtypeFloat32:
		out := make([]float32, count)
		status := runFunc(f.handle, inPtr, uint64(len(ptrs)), sliceDataPtr(out))
		runtime.KeepAlive(inputs)
		runtime.KeepAlive(out)
		if status != 0 {
			return nil, errors.Errorf("backend run failed: status %d", status)
		}
		return out, nil
	case DtypeFloat16:
		half := make([]uint16, count)
		status := runFunc(f.handle, inPtr, uint64(len(ptrs)), sliceDataPtr(half))
		runtime.KeepAlive(inputs)
		runtime.KeepAlive(half)
		if status != 0 {
			return nil, errors.Errorf("backend run failed: status %d", status)
		}
		out := make([]float32, count)
		for i, bits := range half {
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedDtype, "run output dtype %s", dtype)
	}
}

// Close destroys the backend graph. Every tensor created by the factory
// becomes invalid; Close is idempotent.
func (f *NNFactory) Close() error {
	if f.handle == 0 {
		return nil
	}
	if destroyNNFactoryFunc != nil {
		destroyNNFactoryFunc(f.handle)
	}
	f.handle = 0
	f.out = nil
	klog.V(1).Infof("destroyed factory %s", f.id)
	return nil
}

func (f *NNFactory) usable() error {
	if f == nil || f.handle == 0 {
		return errors.New("factory is closed")
	}
	return nil
}

// constantInts appends an int64 constant node, used to carry axis lists for
// shape operations. The backend copies the data during the call.
func (f *NNFactory) constantInts(data []int64) (uintptr, error) {
	if constantFunc == nil {
		return 0, ErrNotInitialized
	}

	shape := []int64{int64(len(data))}
	dtBytes, dtPtr := GoToCstring(DtypeInt64.String())
	node := constantFunc(f.handle, 1, shapeDataPtr(shape), dtPtr, sliceDataPtr(data))
	runtime.KeepAlive(dtBytes)
	runtime.KeepAlive(shape)
	runtime.KeepAlive(data)
	if node == 0 {
		return 0, errors.Errorf("backend rejected int64 constant %v", data)
	}
	return node, nil
}

// emit dispatches one validated operation to its backend constructor. The
// switch together with the registry-driven unary/binary tables covers every
// registry entry; an operation name that reaches neither is unknown.
func (f *NNFactory) emit(op SupportedOp, nodes []uintptr, params []any) (uintptr, error) {
	var node uintptr
	switch op.Name {
	case "clamp":
		vals, err := floatParams(op.Name, params, 2)
		if err != nil {
			return 0, err
		}
		if clampFunc == nil {
			return 0, ErrNotInitialized
		}
		node = clampFunc(f.handle, nodes[0], vals[0], vals[1])

	case "elu", "grn":
		vals, err := floatParams(op.Name, params, 1)
		if err != nil {
			return 0, err
		}
		fn := eluFunc
		if op.Name == "grn" {
			fn = grnFunc
		}
		if fn == nil {
			return 0, ErrNotInitialized
		}
		node = fn(f.handle, nodes[0], vals[0])

	case "transpose":
		order, err := intsParam(op.Name, params)
		if err != nil {
			return 0, err
		}
		if transposeFunc == nil {
			return 0, ErrNotInitialized
		}
		orderNode, err := f.constantInts(order)
		if err != nil {
			return 0, err
		}
		node = transposeFunc(f.handle, nodes[0], orderNode)

	case "unsqueeze":
		axis, err := intParam(op.Name, params)
		if err != nil {
			return 0, err
		}
		if unsqueezeFunc == nil {
			return 0, ErrNotInitialized
		}
		axesNode, err := f.constantInts([]int64{axis})
		if err != nil {
			return 0, err
		}
		node = unsqueezeFunc(f.handle, nodes[0], axesNode)

	case "scaled_dot_product_attention":
		isCausal, err := boolParam(op.Name, params)
		if err != nil {
			return 0, err
		}
		if sdpaFunc == nil {
			return 0, ErrNotInitialized
		}
		node = sdpaFunc(f.handle, nodes[0], nodes[1], nodes[2], nodes[3], isCausal)

	default:
		if len(params) != 0 {
			return 0, errors.Errorf("%s takes no scalar parameters, got %d", op.Name, len(params))
		}
		switch op.Inputs {
		case 1:
			fn := unaryOpFuncs[op.Name]
			if fn == nil {
				return 0, ErrNotInitialized
			}
			node = fn(f.handle, nodes[0])
		case 2:
			fn := binaryOpFuncs[op.Name]
			if fn == nil {
				return 0, ErrNotInitialized
			}
			node = fn(f.handle, nodes[0], nodes[1])
		default:
			return 0, errors.Wrap(ErrUnknownOperation, op.Name)
		}
	}

	if node == 0 {
		return 0, errors.Errorf("backend rejected %s", op.Name)
	}
	return node, nil
}

func floatParams(op string, params []any, n int) ([]float32, error) {
	if len(params) != n {
		return nil, errors.Errorf("%s expects %d scalar parameters, got %d", op, n, len(params))
	}
	out := make([]float32, n)
	for i, p := range params {
		v, ok := p.(float32)
		if !ok {
			return nil, errors.Errorf("%s parameter %d must be float32, got %T", op, i, p)
		}
		out[i] = v
	}
	return out, nil
}

func intParam(op string, params []any) (int64, error) {
	if len(params) != 1 {
		return 0, errors.Errorf("%s expects 1 scalar parameter, got %d", op, len(params))
	}
	v, ok := params[0].(int64)
	if !ok {
		return 0, errors.Errorf("%s parameter must be int64, got %T", op, params[0])
	}
	return v, nil
}

func intsParam(op string, params []any) ([]int64, error) {
	if len(params) != 1 {
		return nil, errors.Errorf("%s expects 1 scalar parameter, got %d", op, len(params))
	}
	v, ok := params[0].([]int64)
	if !ok {
		return nil, errors.Errorf("%s parameter must be []int64, got %T", op, params[0])
	}
	return v, nil
}

func boolParam(op string, params []any) (bool, error) {
	if len(params) != 1 {
		return false, errors.Errorf("%s expects 1 scalar parameter, got %d", op, len(params))
	}
	v, ok := params[0].(bool)
	if !ok {
		return false, errors.Errorf("%s parameter must be bool, got %T", op, params[0])
	}
	return v, nil
}

func shapeDataPtr(shape []int64) *int64 {
	if len(shape) == 0 {
		return nil
	}
	return unsafe.SliceData(shape)
}

func sliceDataPtr[T any](data []T) uintptr {
	if len(data) == 0 {
		return 0
	}
	// #nosec G103 -- required for CGO-free FFI; callers keep the backing
	// slice alive across the foreign call.
	return uintptr(unsafe.Pointer(unsafe.SliceData(data)))
}
