package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// ActivationType selects an element-wise non-linearity.
type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationReLU
	ActivationLeakyReLU
	ActivationTanh
	ActivationSigmoid
	ActivationGELU
)

const leakyReLUSlope = 0.01

var activationNames = map[ActivationType]string{
	ActivationIdentity:  "identity",
	ActivationReLU:      "relu",
	ActivationLeakyReLU: "leaky_relu",
	ActivationTanh:      "tanh",
	ActivationSigmoid:   "sigmoid",
	ActivationGELU:      "gelu",
}

// ParseActivation resolves an activation by name, case-insensitively.
func ParseActivation(name string) (ActivationType, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return ActivationReLU, nil
	}
	for t, n := range activationNames {
		if n == key || strings.ReplaceAll(n, "_", "") == key {
			return t, nil
		}
	}
	return ActivationIdentity, fmt.Errorf("unknown activation %q", name)
}

func (a ActivationType) String() string {
	if n, ok := activationNames[a]; ok {
		return n
	}
	return fmt.Sprintf("ActivationType(%d)", int(a))
}

// Forward applies the activation element-wise, returning a new tensor.
func (a ActivationType) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	fn, err := a.fn()
	if err != nil {
		return nil, err
	}
	return x.Map(fn), nil
}

func (a ActivationType) fn() (func(float64) float64, error) {
	switch a {
	case ActivationIdentity:
		return func(v float64) float64 { return v }, nil
	case ActivationReLU:
		return func(v float64) float64 { return math.Max(v, 0) }, nil
	case ActivationLeakyReLU:
		return func(v float64) float64 {
			if v < 0 {
				return leakyReLUSlope * v
			}
			return v
		}, nil
	case ActivationTanh:
		return math.Tanh, nil
	case ActivationSigmoid:
		return func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }, nil
	case ActivationGELU:
		return func(v float64) float64 { return 0.5 * v * (1 + math.Erf(v/math.Sqrt2)) }, nil
	}
	return nil, fmt.Errorf("unsupported activation %v", a)
}
