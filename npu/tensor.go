package npu

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a host-side handle to one node of a backend-resident computation
// graph. The node itself, including its shape, dtype, and eventual value,
// lives behind the foreign boundary; the handle holds no authoritative copy
// of any of it. A tensor becomes invalid when its factory is closed.
//
// Every operation eagerly appends a node to the backend graph and returns a
// new handle. Numeric results do not exist until the factory compiles and
// runs the graph.
type Tensor struct {
	factory *NNFactory
	node    uintptr
}

// CreateTensor allocates a new graph input node with the given shape and
// dtype and wraps it in a tensor handle.
func CreateTensor(factory *NNFactory, shape []int64, dtype Dtype) (*Tensor, error) {
	return factory.Parameter(shape, dtype)
}

// Factory returns the factory that owns the tensor's node.
func (t *Tensor) Factory() *NNFactory { return t.factory }

// Shape queries the backend for the tensor's shape. The result is fetched
// fresh on every call; one foreign round-trip per axis plus one for the rank.
func (t *Tensor) Shape() ([]int64, error) {
	if opShapeSizeFunc == nil || opShapeFunc == nil {
		return nil, ErrNotInitialized
	}
	rank := opShapeSizeFunc(t.node)
	shape := make([]int64, rank)
	for i := range shape {
		shape[i] = opShapeFunc(t.node, uint64(i))
	}
	return shape, nil
}

// Dtype queries the backend for the tensor's element type and maps the
// integer type tag to its host Dtype. An unmapped tag fails with
// ErrUnsupportedDtype.
func (t *Tensor) Dtype() (Dtype, error) {
	if opDtypeFunc == nil {
		return DtypeUnknown, ErrNotInitialized
	}
	return dtypeFromCode(opDtypeFunc(t.node))
}

// Len returns the total element count, the product of all dimensions. A
// rank-0 tensor has one element (the empty product).
func (t *Tensor) Len() (int64, error) {
	shape, err := t.Shape()
	if err != nil {
		return 0, err
	}
	count := int64(1)
	for _, dim := range shape {
		count *= dim
	}
	return count, nil
}

// Add appends an elementwise addition node.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	return generateOp([]*Tensor{t, other}, "eltwise_add")
}

// Sub appends a subtraction. The backend has no subtract op; it is negation
// composed with addition, so every subtraction costs two graph nodes.
func (t *Tensor) Sub(other *Tensor) (*Tensor, error) {
	if other.factory != t.factory {
		return nil, ownershipError(t, other)
	}
	neg, err := other.Neg()
	if err != nil {
		return nil, err
	}
	return generateOp([]*Tensor{t, neg}, "eltwise_add")
}

// Mul appends an elementwise multiplication node.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	return generateOp([]*Tensor{t, other}, "eltwise_mul")
}

// Div appends an elementwise division node.
func (t *Tensor) Div(other *Tensor) (*Tensor, error) {
	return generateOp([]*Tensor{t, other}, "eltwise_div")
}

// Neg appends a negation node.
func (t *Tensor) Neg() (*Tensor, error) {
	return generateOp([]*Tensor{t}, "negative")
}

// MatMul appends a matrix multiplication node.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	return generateOp([]*Tensor{t, other}, "matmul")
}

// T appends a transpose node swapping the last two axes and leaving all
// other axes in their original order. Tensors of rank below 2 cannot be
// transposed.
func (t *Tensor) T() (*Tensor, error) {
	shape, err := t.Shape()
	if err != nil {
		return nil, err
	}
	if len(shape) < 2 {
		return nil, errors.Errorf("transpose requires rank >= 2, got rank %d", len(shape))
	}
	order := make([]int64, len(shape))
	for i := range order {
		order[i] = int64(i)
	}
	order[len(order)-1], order[len(order)-2] = order[len(order)-2], order[len(order)-1]
	return generateOp([]*Tensor{t}, "transpose", order)
}

// Squeeze appends a node removing all size-1 dimensions. The exact semantics
// are the backend's.
func (t *Tensor) Squeeze() (*Tensor, error) {
	return generateOp([]*Tensor{t}, "squeeze")
}

// Unsqueeze appends a node inserting a size-1 dimension at axis.
func (t *Tensor) Unsqueeze(axis int64) (*Tensor, error) {
	return generateOp([]*Tensor{t}, "unsqueeze", axis)
}

// Apply appends the named single-input operation from the supported-op
// registry, for example t.Apply("relu") or t.Apply("clamp", float32(0),
// float32(6)). Scalar parameters follow the order the registry declares.
func (t *Tensor) Apply(opName string, params ...any) (*Tensor, error) {
	return generateOp([]*Tensor{t}, opName, params...)
}

// ScaledDotProductAttention appends a fused attention node over query, key,
// value, and attention mask.
func ScaledDotProductAttention(query, key, value, mask *Tensor, isCausal bool) (*Tensor, error) {
	return generateOp([]*Tensor{query, key, value, mask}, "scaled_dot_product_attention", isCausal)
}

// String renders the tensor as Tensor(shape, dtype), querying the backend
// for both. Best effort; query failures render as <invalid>.
func (t *Tensor) String() string {
	shape, err := t.Shape()
	if err != nil {
		return "Tensor(<invalid>)"
	}
	dtype, err := t.Dtype()
	if err != nil {
		return "Tensor(<invalid>)"
	}
	return fmt.Sprintf("Tensor(%v, %s)", shape, dtype)
}

// generateOp validates and emits one operation over the given tensors. All
// tensors must share a factory; the check runs before anything crosses the
// foreign boundary. The operation name and operand count are validated
// against the supported-op registry, then dispatched to the factory's op
// constructor. The returned tensor shares the operands' factory.
func generateOp(tensors []*Tensor, opName string, params ...any) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.Errorf("%s requires at least one tensor", opName)
	}
	factory := tensors[0].factory
	for _, t := range tensors[1:] {
		if t.factory != factory {
			return nil, ownershipError(tensors[0], t)
		}
	}
	if err := factory.usable(); err != nil {
		return nil, err
	}

	op, ok := lookupOp(opName)
	if !ok {
		return nil, errors.Wrap(ErrUnknownOperation, opName)
	}
	if op.Inputs != len(tensors) {
		return nil, errors.Errorf("%s expects %d inputs, got %d", opName, op.Inputs, len(tensors))
	}

	nodes := make([]uintptr, len(tensors))
	for i, t := range tensors {
		nodes[i] = t.node
	}
	node, err := factory.emit(op, nodes, params)
	if err != nil {
		return nil, err
	}
	return &Tensor{factory: factory, node: node}, nil
}

func ownershipError(a, b *Tensor) error {
	return errors.Wrapf(ErrOwnershipMismatch, "factories %s and %s", a.factory.id, b.factory.id)
}
