package npu

import "sync"

// ParamKind describes one scalar parameter accepted by a backend operation.
type ParamKind int

const (
	ParamFloat ParamKind = iota
	ParamBool
	ParamInt
	ParamInts
)

// SupportedOp describes one operation implemented by the NPU backend.
type SupportedOp struct {
	// Name is the backend symbol and registry key for the operation.
	Name string
	// Inputs is the exact number of tensor operands the operation takes.
	Inputs int
	// Parameters lists the scalar parameters the operation takes after its
	// tensor operands, in call order. Empty for operations taking none.
	Parameters []ParamKind
}

var (
	supportedOpsOnce sync.Once
	supportedOps     []SupportedOp
	supportedOpIndex map[string]SupportedOp
)

// GetSupportedOps returns the catalog of operations the NPU backend
// implements. The table is computed once per process and shared; callers
// must not modify it.
func GetSupportedOps() []SupportedOp {
	supportedOpsOnce.Do(func() {
		supportedOps = []SupportedOp{
			{Name: "matmul", Inputs: 2},
			{Name: "eltwise_add", Inputs: 2},
			{Name: "eltwise_mul", Inputs: 2},
			{Name: "eltwise_div", Inputs: 2},
			{Name: "abs_act", Inputs: 1},
			{Name: "acos_act", Inputs: 1},
			{Name: "asin_act", Inputs: 1},
			{Name: "atan_act", Inputs: 1},
			{Name: "ceiling", Inputs: 1},
			{Name: "clamp", Inputs: 1, Parameters: []ParamKind{ParamFloat, ParamFloat}},
			{Name: "cos_act", Inputs: 1},
			{Name: "cosh_act", Inputs: 1},
			{Name: "erf_act", Inputs: 1},
			{Name: "elu", Inputs: 1, Parameters: []ParamKind{ParamFloat}},
			{Name: "exp_act", Inputs: 1},
			{Name: "floor_act", Inputs: 1},
			{Name: "grn", Inputs: 1, Parameters: []ParamKind{ParamFloat}},
			{Name: "gelu", Inputs: 1},
			{Name: "log_act", Inputs: 1},
			{Name: "negative", Inputs: 1},
			{Name: "relu", Inputs: 1},
			{Name: "sigmoid", Inputs: 1},
			{Name: "sign", Inputs: 1},
			{Name: "sin_act", Inputs: 1},
			{Name: "sinh_act", Inputs: 1},
			{Name: "sqrt_act", Inputs: 1},
			{Name: "tan_act", Inputs: 1},
			{Name: "tanh_act", Inputs: 1},
			{Name: "acosh_act", Inputs: 1},
			{Name: "asinh_act", Inputs: 1},
			{Name: "atanh_act", Inputs: 1},
			{Name: "hswish", Inputs: 1},
			{Name: "mish", Inputs: 1},
			{Name: "softplus", Inputs: 1},
			{Name: "hsigmoid", Inputs: 1},
			{Name: "round_act", Inputs: 1},
			{Name: "softsign", Inputs: 1},
			{Name: "softmax", Inputs: 1},
			{Name: "swish", Inputs: 1},
			{Name: "convert_to_fp16", Inputs: 1},
			{Name: "scaled_dot_product_attention", Inputs: 4, Parameters: []ParamKind{ParamBool}},
			// Shape ops emitted by the tensor API.
			{Name: "transpose", Inputs: 1, Parameters: []ParamKind{ParamInts}},
			{Name: "squeeze", Inputs: 1},
			{Name: "unsqueeze", Inputs: 1, Parameters: []ParamKind{ParamInt}},
		}

		supportedOpIndex = make(map[string]SupportedOp, len(supportedOps))
		for _, op := range supportedOps {
			supportedOpIndex[op.Name] = op
		}
	})
	return supportedOps
}

// lookupOp returns the registry entry for name, if any.
func lookupOp(name string) (SupportedOp, bool) {
	GetSupportedOps()
	op, ok := supportedOpIndex[name]
	return op, ok
}
