// Package nn provides neural-network layers built on top of the npu graph
// bindings. Layers are ordinary clients of the graph factory: they build and
// compile a small graph at construction time and execute it per call.
package nn

import (
	"github.com/pkg/errors"

	"github.com/abhilash1910/intel-npu-acceleration-library/npu"
)

// QMatMul computes X * (W * scale)^T with quantized weights. The weights and
// their dequantization scale are supplied at run time, so one compiled layer
// serves any weight tensor of the configured geometry.
type QMatMul struct {
	factory *npu.NNFactory
	inC     int64
	outC    int64
	batch   int64
}

// NewQMatMul builds and compiles a quantized matmul graph.
// inC and outC are the input/output channel counts, batch the activation
// batch size. wtDtype selects the weight storage type, typically
// npu.DtypeInt8 or npu.DtypeInt4.
func NewQMatMul(inC, outC, batch int64, device string, wtDtype npu.Dtype) (*QMatMul, error) {
	factory, err := npu.NewNNFactory(device, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create factory for QMatMul")
	}

	input, err := factory.Parameter([]int64{batch, inC}, npu.DtypeFloat16)
	if err != nil {
		_ = factory.Close()
		return nil, err
	}
	out, err := factory.Linear(input, outC, inC, false, wtDtype)
	if err != nil {
		_ = factory.Close()
		return nil, err
	}
	if err := factory.Compile(out); err != nil {
		_ = factory.Close()
		return nil, err
	}

	return &QMatMul{factory: factory, inC: inC, outC: outC, batch: batch}, nil
}

// Run executes the layer. x is the activation with batch*inC elements, w the
// quantized weights with outC*inC elements, and scale the per-output-channel
// dequantization scale with outC elements.
func (m *QMatMul) Run(x []float32, w []int8, scale []float32) ([]float32, error) {
	if err := m.validateRunSizes(len(x), len(w), len(scale)); err != nil {
		return nil, err
	}
	return m.factory.Run(npu.Float16Buffer(x), npu.Int8Buffer(w), npu.Float32Buffer(scale))
}

func (m *QMatMul) validateRunSizes(xLen, wLen, scaleLen int) error {
	if int64(xLen) != m.batch*m.inC {
		return errors.Errorf("activation has %d elements, expected %d (batch %d x inC %d)",
			xLen, m.batch*m.inC, m.batch, m.inC)
	}
	if int64(wLen) != m.outC*m.inC {
		return errors.Errorf("weights have %d elements, expected %d (outC %d x inC %d)",
			wLen, m.outC*m.inC, m.outC, m.inC)
	}
	if int64(scaleLen) != m.outC {
		return errors.Errorf("scale has %d elements, expected %d (outC %d)",
			scaleLen, m.outC, m.outC)
	}
	return nil
}

// Close destroys the layer's backend graph.
func (m *QMatMul) Close() error {
	return m.factory.Close()
}
