package npu

import (
	"testing"
	"unsafe"
)

// fakeBackend simulates the NPU shared library in-process so that graph
// construction can be tested without hardware or a loaded library. Every
// foreign call is recorded by symbol name; shape/dtype propagation follows
// the backend's semantics closely enough for the graph-level tests.
type fakeBackend struct {
	nodes      map[uintptr]fakeNode
	consts     map[uintptr][]int64
	compiled   map[uintptr]uintptr
	nextHandle uintptr
	calls      []string
}

type fakeNode struct {
	shape []int64
	dtype int32
}

var fakeDtypeCodes = map[string]int32{
	"bool":     2,
	"bfloat16": 3,
	"float16":  4,
	"float32":  5,
	"float64":  6,
	"int4":     7,
	"int8":     8,
	"int16":    9,
	"int32":    10,
	"int64":    11,
}

func (b *fakeBackend) record(call string) {
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) callCount() int {
	return len(b.calls)
}

func (b *fakeBackend) newHandle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *fakeBackend) newNode(shape []int64, dtype int32) uintptr {
	h := b.newHandle()
	b.nodes[h] = fakeNode{shape: append([]int64(nil), shape...), dtype: dtype}
	return h
}

// nodeCount returns the number of graph nodes the fake backend holds.
func (b *fakeBackend) nodeCount() int {
	return len(b.nodes)
}

// injectNode adds a node with an arbitrary dtype code, bypassing the
// parameter path. Used to exercise unmapped type tags.
func (b *fakeBackend) injectNode(f *NNFactory, shape []int64, dtypeCode int32) *Tensor {
	return &Tensor{factory: f, node: b.newNode(shape, dtypeCode)}
}

// installFakeBackend wires a fresh fakeBackend into the package-level
// binding variables and registers cleanup restoring the uninitialized state.
func installFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	resetEnvironmentState()

	b := &fakeBackend{
		nodes:    make(map[uintptr]fakeNode),
		consts:   make(map[uintptr][]int64),
		compiled: make(map[uintptr]uintptr),
	}

	createNNFactoryFunc = func(device uintptr, profile bool) uintptr {
		b.record("createNNFactory")
		return b.newHandle()
	}
	destroyNNFactoryFunc = func(factory uintptr) {
		b.record("destroyNNFactory")
	}
	parameterFunc = func(factory uintptr, rank uint64, shape *int64, dtype uintptr) uintptr {
		b.record("parameter")
		var dims []int64
		if rank > 0 {
			dims = append(dims, unsafe.Slice(shape, rank)...)
		}
		return b.newNode(dims, fakeDtypeCodes[CstringToGo(dtype)])
	}
	constantFunc = func(factory uintptr, rank uint64, shape *int64, dtype uintptr, data uintptr) uintptr {
		b.record("constant")
		n := unsafe.Slice(shape, rank)[0]
		values := append([]int64(nil), unsafe.Slice((*int64)(unsafe.Pointer(data)), n)...)
		node := b.newNode([]int64{n}, fakeDtypeCodes["int64"])
		b.consts[node] = values
		return node
	}
	linearFunc = func(factory uintptr, input uintptr, outChannels, inChannels int64, bias bool, weightDtype uintptr) uintptr {
		b.record("linear")
		in := b.nodes[input]
		return b.newNode([]int64{in.shape[0], outChannels}, in.dtype)
	}
	compileFunc = func(factory uintptr, output uintptr) int32 {
		b.record("compile")
		b.compiled[factory] = output
		return 0
	}
	runFunc = func(factory uintptr, inputs *uintptr, inputCount uint64, output uintptr) int32 {
		b.record("run")
		out := b.nodes[b.compiled[factory]]
		count := int64(1)
		for _, dim := range out.shape {
			count *= dim
		}
		switch out.dtype {
		case fakeDtypeCodes["float32"]:
			for i, buf := 0, unsafe.Slice((*float32)(unsafe.Pointer(output)), count); i < int(count); i++ {
				buf[i] = 1.0
			}
		case fakeDtypeCodes["float16"]:
			for i, buf := 0, unsafe.Slice((*uint16)(unsafe.Pointer(output)), count); i < int(count); i++ {
				buf[i] = 0x3C00 // 1.0 in IEEE half precision
			}
		}
		return 0
	}

	opShapeSizeFunc = func(node uintptr) uint64 {
		b.record("op_shape_size")
		return uint64(len(b.nodes[node].shape))
	}
	opShapeFunc = func(node uintptr, axis uint64) int64 {
		b.record("op_shape")
		return b.nodes[node].shape[axis]
	}
	opDtypeFunc = func(node uintptr) int32 {
		b.record("op_dtype")
		return b.nodes[node].dtype
	}

	clampFunc = func(factory, node uintptr, minVal, maxVal float32) uintptr {
		b.record("clamp")
		in := b.nodes[node]
		return b.newNode(in.shape, in.dtype)
	}
	eluFunc = func(factory, node uintptr, alpha float32) uintptr {
		b.record("elu")
		in := b.nodes[node]
		return b.newNode(in.shape, in.dtype)
	}
	grnFunc = func(factory, node uintptr, bias float32) uintptr {
		b.record("grn")
		in := b.nodes[node]
		return b.newNode(in.shape, in.dtype)
	}
	transposeFunc = func(factory, node, order uintptr) uintptr {
		b.record("transpose")
		in := b.nodes[node]
		permuted := make([]int64, len(in.shape))
		for i, axis := range b.consts[order] {
			permuted[i] = in.shape[axis]
		}
		return b.newNode(permuted, in.dtype)
	}
	unsqueezeFunc = func(factory, node, axes uintptr) uintptr {
		b.record("unsqueeze")
		in := b.nodes[node]
		axis := b.consts[axes][0]
		expanded := make([]int64, 0, len(in.shape)+1)
		expanded = append(expanded, in.shape[:axis]...)
		expanded = append(expanded, 1)
		expanded = append(expanded, in.shape[axis:]...)
		return b.newNode(expanded, in.dtype)
	}
	sdpaFunc = func(factory, query, key, value, mask uintptr, isCausal bool) uintptr {
		b.record("scaled_dot_product_attention")
		in := b.nodes[query]
		return b.newNode(in.shape, in.dtype)
	}

	unaryOpFuncs = make(map[string]func(factory, node uintptr) uintptr)
	binaryOpFuncs = make(map[string]func(factory, a, b uintptr) uintptr)
	for _, op := range GetSupportedOps() {
		if dedicatedBindings[op.Name] || len(op.Parameters) != 0 {
			continue
		}
		name := op.Name
		switch op.Inputs {
		case 1:
			unaryOpFuncs[name] = func(factory, node uintptr) uintptr {
				b.record(name)
				in := b.nodes[node]
				return b.newNode(in.shape, in.dtype)
			}
		case 2:
			binaryOpFuncs[name] = func(factory, x, y uintptr) uintptr {
				b.record(name)
				in := b.nodes[x]
				return b.newNode(in.shape, in.dtype)
			}
		}
	}
	// Squeeze drops all size-1 dimensions.
	unaryOpFuncs["squeeze"] = func(factory, node uintptr) uintptr {
		b.record("squeeze")
		in := b.nodes[node]
		var squeezed []int64
		for _, dim := range in.shape {
			if dim != 1 {
				squeezed = append(squeezed, dim)
			}
		}
		return b.newNode(squeezed, in.dtype)
	}

	t.Cleanup(resetEnvironmentState)
	return b
}

// newFakeFactory creates a factory backed by the fake backend.
func newFakeFactory(t *testing.T) *NNFactory {
	t.Helper()
	f, err := NewNNFactory("NPU", false)
	if err != nil {
		t.Fatalf("unexpected error creating factory: %v", err)
	}
	return f
}
