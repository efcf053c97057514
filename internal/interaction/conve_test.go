package interaction

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kge/internal/device"
	"github.com/23skdu/longbow-kge/internal/nn"
	"github.com/23skdu/longbow-kge/internal/tensor"
)

const testDim = 8

func testConvEConfig() ConvEConfig {
	cfg := DefaultConvEConfig(testDim)
	cfg.OutputChannels = 3
	cfg.KernelHeight = 2
	cfg.KernelWidth = 2
	return cfg
}

func newTestStack(t *testing.T, mode *nn.Mode) *ConvEStack {
	t.Helper()
	stack, err := NewConvEStack(testConvEConfig(), device.NewCPUBackend(), mode, 42)
	require.NoError(t, err)
	return stack
}

// faultyBackend computes like the CPU backend but reports syncErr when the
// queued work is synchronized.
type faultyBackend struct {
	*device.CPUBackend
	syncErr error
}

func (b faultyBackend) Synchronize() error { return b.syncErr }

type failingLayer struct{ err error }

func (l failingLayer) Forward(*tensor.Tensor) (*tensor.Tensor, error) { return nil, l.err }

func TestNewConvEStack(t *testing.T) {
	stack := newTestStack(t, nil)
	assert.Equal(t, 1, stack.InputChannels)
	assert.Equal(t, 2, stack.EmbeddingHeight)
	assert.Equal(t, 4, stack.EmbeddingWidth)
	// 3 channels x (2*2-2+1) x (4-2+1)
	assert.Equal(t, 27, stack.NumInFeatures)
	assert.NotNil(t, stack.BN0)
	assert.NotNil(t, stack.BN1)
	assert.NotNil(t, stack.BN2)

	t.Run("NoBatchNorm", func(t *testing.T) {
		cfg := testConvEConfig()
		cfg.ApplyBatchNormalization = false
		stack, err := NewConvEStack(cfg, device.NewCPUBackend(), nil, 1)
		require.NoError(t, err)
		assert.Nil(t, stack.BN0)
		assert.Nil(t, stack.BN1)
		assert.Nil(t, stack.BN2)
	})

	t.Run("ImageShape", func(t *testing.T) {
		tests := []struct {
			dim, channels, height, width int
			wantH, wantW                 int
		}{
			{200, 1, 0, 0, 10, 20},
			{16, 1, 0, 0, 4, 4},
			{18, 2, 0, 0, 3, 3},
			{12, 1, 2, 0, 2, 6},
			{12, 1, 0, 3, 4, 3},
		}
		for _, tt := range tests {
			cfg := ConvEConfig{EmbeddingDim: tt.dim, InputChannels: tt.channels, EmbeddingHeight: tt.height, EmbeddingWidth: tt.width}
			require.NoError(t, cfg.imageShape())
			assert.Equal(t, tt.wantH, cfg.EmbeddingHeight, "dim %d", tt.dim)
			assert.Equal(t, tt.wantW, cfg.EmbeddingWidth, "dim %d", tt.dim)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		cfg := testConvEConfig()
		cfg.KernelWidth = 9
		_, err := NewConvEStack(cfg, device.NewCPUBackend(), nil, 1)
		assert.Error(t, err)

		cfg = testConvEConfig()
		cfg.EmbeddingHeight = 3
		_, err = NewConvEStack(cfg, device.NewCPUBackend(), nil, 1)
		assert.Error(t, err)

		cfg = testConvEConfig()
		cfg.Activation = "softsign"
		_, err = NewConvEStack(cfg, device.NewCPUBackend(), nil, 1)
		assert.Error(t, err)
	})
}

func TestConvEShape(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	stack := newTestStack(t, nil)

	tests := []struct {
		name    string
		h, r, t []int
		bias    []int
		want    tensor.Shape
	}{
		{"PerRow", []int{2, 1, testDim}, []int{2, 1, testDim}, []int{2, 1, testDim}, []int{2, 1}, tensor.Shape{2, 1, 1, 1}},
		{"AllTails", []int{3, 1, testDim}, []int{3, 1, testDim}, []int{1, 5, testDim}, []int{1, 5}, tensor.Shape{3, 1, 1, 5}},
		{"Candidates", []int{2, 3, testDim}, []int{2, 2, testDim}, []int{2, 4, testDim}, []int{2, 4}, tensor.Shape{2, 3, 2, 4}},
		{"SharedHeads", []int{1, 4, testDim}, []int{2, 1, testDim}, []int{2, 1, testDim}, []int{2, 1}, tensor.Shape{2, 4, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, err := ConvE(
				randTensor(t, rng, tt.h...),
				randTensor(t, rng, tt.r...),
				randTensor(t, rng, tt.t...),
				randTensor(t, rng, tt.bias...),
				stack,
			)
			require.NoError(t, err)
			assert.Equal(t, tt.want, y.Shape())
		})
	}
}

func TestConvEBiasShift(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	stack := newTestStack(t, nil)
	h := randTensor(t, rng, 2, 3, testDim)
	r := randTensor(t, rng, 2, 2, testDim)
	tl := randTensor(t, rng, 2, 4, testDim)
	bias := randTensor(t, rng, 2, 4)
	const c = 1.75

	base, err := ConvE(h, r, tl, bias, stack)
	require.NoError(t, err)
	shifted, err := ConvE(h, r, tl, bias.AddScalar(c), stack)
	require.NoError(t, err)

	for i, v := range shifted.Data() {
		assert.InDelta(t, base.Data()[i]+c, v, 1e-10)
	}
}

func TestConvEMatchesPerTailDot(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	cfg := testConvEConfig()
	cfg.ApplyBatchNormalization = false
	stack, err := NewConvEStack(cfg, device.NewCPUBackend(), nil, 3)
	require.NoError(t, err)

	h := randTensor(t, rng, 1, 1, testDim)
	r := randTensor(t, rng, 1, 1, testDim)
	tl := randTensor(t, rng, 1, 3, testDim)
	bias := randTensor(t, rng, 1, 3)

	y, err := ConvE(h, r, tl, bias, stack)
	require.NoError(t, err)

	// rebuild the hidden vector by hand
	hImg, err := h.Reshape(1, 1, 2, 4)
	require.NoError(t, err)
	rImg, err := r.Reshape(1, 1, 2, 4)
	require.NoError(t, err)
	x, err := tensor.Concat(2, hImg, rImg)
	require.NoError(t, err)
	x, err = stack.Conv.Forward(x)
	require.NoError(t, err)
	x, err = stack.Activation.Forward(x)
	require.NoError(t, err)
	x, err = x.Reshape(1, stack.NumInFeatures)
	require.NoError(t, err)
	x, err = stack.FC.Forward(x)
	require.NoError(t, err)
	x, err = stack.Activation.Forward(x)
	require.NoError(t, err)

	for k := 0; k < 3; k++ {
		want := bias.At(0, k)
		for d := 0; d < testDim; d++ {
			want += x.At(0, d) * tl.At(0, k, d)
		}
		assert.InDelta(t, want, y.At(0, 0, 0, k), 1e-10)
	}
}

func TestConvEBroadcast(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 10))
	stack := newTestStack(t, nil)
	const batch = 3
	h := randTensor(t, rng, 1, 2, testDim)
	r := randTensor(t, rng, batch, 1, testDim)
	tl := randTensor(t, rng, 1, 4, testDim)
	bias := randTensor(t, rng, 1, 4)

	shared, err := ConvE(h, r, tl, bias, stack)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{batch, 2, 1, 4}, shared.Shape())

	hRep, err := h.Repeat(batch, 1, 1)
	require.NoError(t, err)
	tRep, err := tl.Repeat(batch, 1, 1)
	require.NoError(t, err)
	biasRep, err := bias.Repeat(batch, 1)
	require.NoError(t, err)

	expanded, err := ConvE(hRep, r, tRep, biasRep, stack)
	require.NoError(t, err)
	assert.InDeltaSlice(t, expanded.Data(), shared.Data(), 1e-10)
}

func TestConvEMixedBatchMatchesPerCell(t *testing.T) {
	rng := rand.New(rand.NewPCG(12, 12))
	stack := newTestStack(t, nil)
	const batch, numHeads, numRelations, numTails = 3, 2, 3, 4
	h := randTensor(t, rng, 1, numHeads, testDim)
	r := randTensor(t, rng, batch, numRelations, testDim)
	tl := randTensor(t, rng, 1, numTails, testDim)
	bias := randTensor(t, rng, 1, numTails)

	y, err := ConvE(h, r, tl, bias, stack)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{batch, numHeads, numRelations, numTails}, y.Shape())

	// narrow x to the single (row, k) entry
	cell := func(x *tensor.Tensor, row, k int) *tensor.Tensor {
		t.Helper()
		out, err := x.Narrow(0, row, 1)
		require.NoError(t, err)
		out, err = out.Narrow(1, k, 1)
		require.NoError(t, err)
		return out
	}
	for b := 0; b < batch; b++ {
		for i := 0; i < numHeads; i++ {
			for j := 0; j < numRelations; j++ {
				for k := 0; k < numTails; k++ {
					want, err := ConvE(cell(h, 0, i), cell(r, b, j), cell(tl, 0, k), cell(bias, 0, k), stack)
					require.NoError(t, err)
					assert.InDelta(t, want.At(0, 0, 0, 0), y.At(b, i, j, k), 1e-9, "cell (%d, %d, %d, %d)", b, i, j, k)
				}
			}
		}
	}
}

func TestConvETrainingMode(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 11))
	mode := &nn.Mode{}
	stack := newTestStack(t, mode)
	h := randTensor(t, rng, 4, 1, testDim)
	r := randTensor(t, rng, 4, 1, testDim)
	tl := randTensor(t, rng, 4, 2, testDim)
	bias := randTensor(t, rng, 4, 2)

	mode.Train()
	y, err := ConvE(h, r, tl, bias, stack)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 1, 1, 2}, y.Shape())

	bn := stack.BN1.(*nn.BatchNorm)
	for _, v := range bn.RunningMean.Data() {
		assert.Zero(t, v)
	}
}

func TestConvEErrors(t *testing.T) {
	stack := newTestStack(t, nil)
	h, r, tl := ones(t, 2, 1, testDim), ones(t, 2, 1, testDim), ones(t, 2, 3, testDim)
	bias := ones(t, 2, 3)

	t.Run("Rank", func(t *testing.T) {
		_, err := ConvE(ones(t, 2, testDim), r, tl, bias, stack)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("Batch", func(t *testing.T) {
		_, err := ConvE(h, ones(t, 3, 1, testDim), tl, bias, stack)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("BiasShape", func(t *testing.T) {
		_, err := ConvE(h, r, tl, ones(t, 2, 2), stack)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("IncompleteStack", func(t *testing.T) {
		_, err := ConvE(h, r, tl, bias, &ConvEStack{})
		assert.ErrorIs(t, err, errIncompleteStack)
	})
}

func TestConvEDriverDiagnostics(t *testing.T) {
	h, r, tl := ones(t, 2, 1, testDim), ones(t, 2, 1, testDim), ones(t, 2, 3, testDim)
	bias := ones(t, 2, 3)

	t.Run("KnownFaultRelabelled", func(t *testing.T) {
		stack := newTestStack(t, nil)
		fault := &device.DriverError{Backend: "cuda", Op: "conv_forward", Status: device.StatusNotSupported}
		stack.Backend = faultyBackend{CPUBackend: device.NewCPUBackend(), syncErr: fault}

		_, err := ConvE(h, r, tl, bias, stack)
		require.Error(t, err)

		var diag *DriverFaultError
		require.ErrorAs(t, err, &diag)
		assert.Equal(t, "conve", diag.Op)
		assert.ErrorIs(t, err, fault)
		assert.Contains(t, err.Error(), "batch size has to be reduced")
		assert.Contains(t, err.Error(), driverBugURL)
	})

	t.Run("ForeignMessageRelabelled", func(t *testing.T) {
		stack := newTestStack(t, nil)
		fault := errors.New("cuDNN error: CUDNN_STATUS_NOT_SUPPORTED. This error may appear if you passed in a non-contiguous input.")
		stack.Conv = failingLayer{err: fault}

		_, err := ConvE(h, r, tl, bias, stack)
		var diag *DriverFaultError
		require.ErrorAs(t, err, &diag)
		assert.Same(t, fault, diag.Err)
	})

	t.Run("OtherFaultUnchanged", func(t *testing.T) {
		stack := newTestStack(t, nil)
		fault := errors.New("CUDA out of memory")
		stack.Conv = failingLayer{err: fault}

		_, err := ConvE(h, r, tl, bias, stack)
		assert.Same(t, fault, err)

		var diag *DriverFaultError
		assert.False(t, errors.As(err, &diag))
	})

	t.Run("OtherDriverStatusUnchanged", func(t *testing.T) {
		stack := newTestStack(t, nil)
		fault := &device.DriverError{Backend: "cuda", Op: "gemm", Status: device.StatusExecutionFailed}
		stack.Backend = faultyBackend{CPUBackend: device.NewCPUBackend(), syncErr: fault}

		_, err := ConvE(h, r, tl, bias, stack)
		assert.Equal(t, error(fault), err)
	})
}
