package interaction

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-kge/internal/device"
	"github.com/23skdu/longbow-kge/internal/nn"
	"github.com/23skdu/longbow-kge/internal/tensor"
)

// ConvEStack bundles the feature extractor ConvE scores with. The layers are
// owned by the caller and only read during scoring; nil optional layers
// (BN0, BN1, BN2, the dropouts and Activation) pass their input through.
type ConvEStack struct {
	BN0, BN1, BN2     nn.Layer
	InputDropout      nn.Layer
	FeatureMapDropout nn.Layer
	HiddenDropout     nn.Layer
	Conv              nn.Layer
	Activation        nn.Layer
	FC                nn.Layer
	Backend           device.Backend

	InputChannels   int
	EmbeddingHeight int
	EmbeddingWidth  int
	NumInFeatures   int
	EmbeddingDim    int
}

var errIncompleteStack = errors.New("conve: stack needs Conv, FC and Backend")

// ConvE scores triples with a 2D convolution over the stacked head and
// relation "images", projected back to embedding space and matched against
// the tails.
//
//	h:     (batch|1, num_heads, dim)
//	r:     (batch|1, num_relations, dim)
//	t:     (batch|1, num_tails, dim)
//	tBias: (batch|1, num_tails), the same leading size as t
//
// The result is (batch, num_heads, num_relations, num_tails). Known driver
// faults come back as *DriverFaultError.
func ConvE(h, r, t, tBias *tensor.Tensor, stack *ConvEStack) (*tensor.Tensor, error) {
	return withDriverDiagnostics("conve", func() (*tensor.Tensor, error) {
		return stack.score(h, r, t, tBias)
	})
}

func (s *ConvEStack) score(h, r, t, tBias *tensor.Tensor) (*tensor.Tensor, error) {
	if s == nil || s.Conv == nil || s.FC == nil || s.Backend == nil {
		return nil, errIncompleteStack
	}
	for i, x := range []*tensor.Tensor{h, r, t} {
		if x.Rank() != 3 {
			return nil, fmt.Errorf("%w: conve %s must be (batch, k, dim), got %v",
				tensor.ErrShapeMismatch, []string{"h", "r", "t"}[i], x.Shape())
		}
	}

	// bind sizes
	batchSize := batchSizeOf(h, r, t)
	numHeads, numRelations, numTails := h.Dim(1), r.Dim(1), t.Dim(1)

	// repeat if necessary
	hRep, err := batchRepeat(h, batchSize, 2, 1, 1, numRelations, 1)
	if err != nil {
		return nil, err
	}
	rRep, err := batchRepeat(r, batchSize, 1, 1, numHeads, 1, 1)
	if err != nil {
		return nil, err
	}

	// (batch*num_heads*num_relations, channels, 2*height, width)
	hImg, err := hRep.Reshape(-1, s.InputChannels, s.EmbeddingHeight, s.EmbeddingWidth)
	if err != nil {
		return nil, err
	}
	rImg, err := rRep.Reshape(-1, s.InputChannels, s.EmbeddingHeight, s.EmbeddingWidth)
	if err != nil {
		return nil, err
	}
	x, err := tensor.Concat(2, hImg, rImg)
	if err != nil {
		return nil, err
	}

	if x, err = s.extract(x); err != nil {
		return nil, err
	}

	// (batch, num_heads, num_relations, 1, dim) @ (batch|1, 1, 1, dim, num_tails)
	if x, err = x.Reshape(batchSize, numHeads, numRelations, 1, s.EmbeddingDim); err != nil {
		return nil, err
	}
	if t.Dim(0) != batchSize && t.Dim(0) != 1 {
		return nil, fmt.Errorf("%w: conve t has batch size %d, expected %d or 1", tensor.ErrShapeMismatch, t.Dim(0), batchSize)
	}
	tv, err := t.Reshape(t.Dim(0), 1, 1, numTails, s.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	if tv, err = tv.Transpose(-1, -2); err != nil {
		return nil, err
	}
	if x, err = tensor.MatMul(s.Backend, x, tv); err != nil {
		return nil, err
	}
	if x, err = x.Squeeze(-2); err != nil {
		return nil, err
	}

	// add bias term
	bias, err := tBias.Reshape(t.Dim(0), 1, 1, numTails)
	if err != nil {
		return nil, err
	}
	if x, err = x.Add(bias); err != nil {
		return nil, err
	}
	if err := s.Backend.Synchronize(); err != nil {
		return nil, err
	}
	return x, nil
}

// extract runs the stacked images through the convolutional pipeline and
// returns (n, embedding_dim). Layer errors are returned as is.
func (s *ConvEStack) extract(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := applyLayers(x, s.BN0, s.InputDropout, s.Conv, s.BN1, s.Activation, s.FeatureMapDropout)
	if err != nil {
		return nil, err
	}
	if x, err = x.Reshape(-1, s.NumInFeatures); err != nil {
		return nil, err
	}
	return applyLayers(x, s.FC, s.HiddenDropout, s.BN2, s.Activation)
}

func applyLayers(x *tensor.Tensor, layers ...nn.Layer) (*tensor.Tensor, error) {
	var err error
	for _, l := range layers {
		if x, err = nn.Apply(l, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// batchRepeat inserts a unit axis at axis and tiles the result by reps, one
// count per axis of the unsqueezed tensor. The leading count is replaced by
// batchSize when x is shared across the batch.
func batchRepeat(x *tensor.Tensor, batchSize, axis int, reps ...int) (*tensor.Tensor, error) {
	switch x.Dim(0) {
	case batchSize:
	case 1:
		reps[0] = batchSize
	default:
		return nil, fmt.Errorf("%w: conve batch size %d, expected %d or 1", tensor.ErrShapeMismatch, x.Dim(0), batchSize)
	}
	y, err := x.Unsqueeze(axis)
	if err != nil {
		return nil, err
	}
	return y.Repeat(reps...)
}

// ConvEConfig describes a freshly initialized ConvE stack.
type ConvEConfig struct {
	EmbeddingDim    int
	InputChannels   int
	EmbeddingHeight int
	EmbeddingWidth  int
	OutputChannels  int
	KernelHeight    int
	KernelWidth     int

	InputDropout      float64
	FeatureMapDropout float64
	OutputDropout     float64

	ApplyBatchNormalization bool
	Activation              string
}

// DefaultConvEConfig returns the usual ConvE hyper-parameters for dim.
func DefaultConvEConfig(dim int) ConvEConfig {
	return ConvEConfig{
		EmbeddingDim:            dim,
		InputChannels:           1,
		OutputChannels:          32,
		KernelHeight:            3,
		KernelWidth:             3,
		InputDropout:            0.2,
		FeatureMapDropout:       0.2,
		OutputDropout:           0.3,
		ApplyBatchNormalization: true,
		Activation:              "relu",
	}
}

// imageShape fills in missing channel/height/width so that
// channels*height*width == dim, preferring the squarest image.
func (c *ConvEConfig) imageShape() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("conve: embedding dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.InputChannels <= 0 {
		c.InputChannels = 1
	}
	if c.EmbeddingDim%c.InputChannels != 0 {
		return fmt.Errorf("conve: embedding dim %d not divisible by %d channels", c.EmbeddingDim, c.InputChannels)
	}
	plane := c.EmbeddingDim / c.InputChannels
	switch {
	case c.EmbeddingHeight <= 0 && c.EmbeddingWidth <= 0:
		for h := int(math.Sqrt(float64(plane))); h >= 1; h-- {
			if plane%h == 0 {
				c.EmbeddingHeight, c.EmbeddingWidth = h, plane/h
				break
			}
		}
	case c.EmbeddingHeight <= 0:
		c.EmbeddingHeight = plane / c.EmbeddingWidth
	case c.EmbeddingWidth <= 0:
		c.EmbeddingWidth = plane / c.EmbeddingHeight
	}
	if c.InputChannels*c.EmbeddingHeight*c.EmbeddingWidth != c.EmbeddingDim {
		return fmt.Errorf("conve: %d channels x %d x %d does not match embedding dim %d",
			c.InputChannels, c.EmbeddingHeight, c.EmbeddingWidth, c.EmbeddingDim)
	}
	return nil
}

// NewConvEStack builds a ConvE feature extractor with Xavier-initialized
// weights drawn from seed. Dropout and batch norm follow mode.
func NewConvEStack(cfg ConvEConfig, backend device.Backend, mode *nn.Mode, seed uint64) (*ConvEStack, error) {
	if err := cfg.imageShape(); err != nil {
		return nil, err
	}
	kh, kw := cfg.KernelHeight, cfg.KernelWidth
	outH, outW := 2*cfg.EmbeddingHeight-kh+1, cfg.EmbeddingWidth-kw+1
	if cfg.OutputChannels <= 0 || kh <= 0 || kw <= 0 || outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conve: kernel %dx%d does not fit a %dx%d image with %d output channels",
			kh, kw, 2*cfg.EmbeddingHeight, cfg.EmbeddingWidth, cfg.OutputChannels)
	}
	numInFeatures := cfg.OutputChannels * outH * outW
	rng := rand.New(rand.NewPCG(seed, seed+1))

	convFanIn := cfg.InputChannels * kh * kw
	convW, err := nn.Xavier(rng, convFanIn, cfg.OutputChannels*kh*kw, cfg.OutputChannels, cfg.InputChannels, kh, kw)
	if err != nil {
		return nil, err
	}
	convB, err := tensor.Zeros(cfg.OutputChannels)
	if err != nil {
		return nil, err
	}
	conv, err := nn.NewConv2D(convW, convB, 1, 0, backend)
	if err != nil {
		return nil, err
	}

	fcW, err := nn.Xavier(rng, numInFeatures, cfg.EmbeddingDim, cfg.EmbeddingDim, numInFeatures)
	if err != nil {
		return nil, err
	}
	fcB, err := tensor.Zeros(cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	fc, err := nn.NewLinear(fcW, fcB, backend)
	if err != nil {
		return nil, err
	}

	act, err := nn.ParseActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}

	stack := &ConvEStack{
		Conv:            conv,
		FC:              fc,
		Activation:      act,
		Backend:         backend,
		InputChannels:   cfg.InputChannels,
		EmbeddingHeight: cfg.EmbeddingHeight,
		EmbeddingWidth:  cfg.EmbeddingWidth,
		NumInFeatures:   numInFeatures,
		EmbeddingDim:    cfg.EmbeddingDim,
	}

	dropouts := []struct {
		dst         *nn.Layer
		p           float64
		channelwise bool
	}{
		{&stack.InputDropout, cfg.InputDropout, false},
		{&stack.FeatureMapDropout, cfg.FeatureMapDropout, true},
		{&stack.HiddenDropout, cfg.OutputDropout, false},
	}
	for i, d := range dropouts {
		layer, err := nn.NewDropout(d.p, d.channelwise, mode, seed+uint64(i)+2)
		if err != nil {
			return nil, err
		}
		*d.dst = layer
	}

	if cfg.ApplyBatchNormalization {
		norms := []struct {
			dst      *nn.Layer
			channels int
		}{
			{&stack.BN0, cfg.InputChannels},
			{&stack.BN1, cfg.OutputChannels},
			{&stack.BN2, cfg.EmbeddingDim},
		}
		for _, n := range norms {
			bn, err := nn.NewBatchNorm(n.channels, mode)
			if err != nil {
				return nil, err
			}
			*n.dst = bn
		}
	}
	return stack, nil
}
