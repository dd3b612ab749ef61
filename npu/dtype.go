package npu

import "github.com/pkg/errors"

// Dtype is the host-side semantic element type of a graph node.
type Dtype int

const (
	DtypeUnknown Dtype = iota
	DtypeBool
	DtypeBFloat16
	DtypeFloat16
	DtypeFloat32
	DtypeFloat64
	DtypeInt4
	DtypeInt8
	DtypeInt16
	DtypeInt32
	DtypeInt64
)

// dtypeByCode maps the backend's integer type tags to host types. The table
// is closed: codes 0 and 1 are unused by the backend and intentionally have
// no mapping.
var dtypeByCode = map[int32]Dtype{
	2:  DtypeBool,
	3:  DtypeBFloat16,
	4:  DtypeFloat16,
	5:  DtypeFloat32,
	6:  DtypeFloat64,
	7:  DtypeInt4,
	8:  DtypeInt8,
	9:  DtypeInt16,
	10: DtypeInt32,
	11: DtypeInt64,
}

var dtypeNames = map[Dtype]string{
	DtypeBool:     "bool",
	DtypeBFloat16: "bfloat16",
	DtypeFloat16:  "float16",
	DtypeFloat32:  "float32",
	DtypeFloat64:  "float64",
	DtypeInt4:     "int4",
	DtypeInt8:     "int8",
	DtypeInt16:    "int16",
	DtypeInt32:    "int32",
	DtypeInt64:    "int64",
}

// dtypeFromCode maps a backend type tag to its host Dtype. There is no
// fallback for unmapped codes.
func dtypeFromCode(code int32) (Dtype, error) {
	dt, ok := dtypeByCode[code]
	if !ok {
		return DtypeUnknown, errors.Wrapf(ErrUnsupportedDtype, "backend type code %d", code)
	}
	return dt, nil
}

// String returns the name the backend uses for the dtype, for example
// "float16". The same string is passed across the foreign boundary when
// creating parameters and constants.
func (d Dtype) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return "unknown"
}
