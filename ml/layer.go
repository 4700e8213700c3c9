package ml

import (
	"fmt"
	"math"
	"strings"
)

const (
	ActNone ActivationType = iota
	ActRelu
	ActTanh
	ActSigmoid
	ActSoftmax
)

const (
	KindFullyConnected LayerKind = iota
)

const (
	// DerivativeReference reproduces the classic formulas of this engine:
	// tanh differentiates through the downstream gradient and softmax reuses
	// the sigmoid derivative.
	DerivativeReference DerivativeMode = iota
	// DerivativeAnalytic uses the true tanh derivative and the softmax
	// Jacobian-vector product.
	DerivativeAnalytic
)

// softmaxEpsilon guards the softmax denominator.
const softmaxEpsilon = 1e-10

var activationMap = map[string]ActivationType{
	"":        ActNone,
	"none":    ActNone,
	"linear":  ActNone,
	"relu":    ActRelu,
	"tanh":    ActTanh,
	"sigmoid": ActSigmoid,
	"softmax": ActSoftmax,
}

// -------- TYPE DEFINITIONS -------- //
type ActivationType int
type LayerKind int
type DerivativeMode int

// Layer is one affine transform plus its activation selector.
// Weights is [units, prevUnits], Biases is [units, 1].
type Layer struct {
	Weights    *Matrix
	Biases     *Matrix
	Activation ActivationType
	Kind       LayerKind

	// false until an activation selector was registered for this layer
	hasActivation bool
}

// ParseActivation resolves an activation name, ignoring case.
func ParseActivation(name string) (ActivationType, error) {
	act, ok := activationMap[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ActNone, fmt.Errorf("%w: %q", ErrUnknownActivation, name)
	}
	return act, nil
}

// ParseActivations resolves a list of names with ParseActivation.
func ParseActivations(names ...string) ([]ActivationType, error) {
	acts := make([]ActivationType, len(names))
	for i, name := range names {
		act, err := ParseActivation(name)
		if err != nil {
			return nil, fmt.Errorf("activation %d: %w", i+1, err)
		}
		acts[i] = act
	}
	return acts, nil
}

func (a ActivationType) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActRelu:
		return "relu"
	case ActTanh:
		return "tanh"
	case ActSigmoid:
		return "sigmoid"
	case ActSoftmax:
		return "softmax"
	}
	return fmt.Sprintf("ActivationType(%d)", int(a))
}

func (k LayerKind) String() string {
	if k == KindFullyConnected {
		return "fc"
	}
	return fmt.Sprintf("LayerKind(%d)", int(k))
}

// HasActivation reports whether a selector was registered for the layer.
func (l *Layer) HasActivation() bool { return l.hasActivation }

// Units is the layer's output width.
func (l *Layer) Units() int { return l.Weights.rows }

// InputUnits is the width the layer expects from the previous layer.
func (l *Layer) InputUnits() int { return l.Weights.cols }

func (l *Layer) setActivation(act ActivationType) {
	l.Activation = act
	l.hasActivation = true
}

// activate maps a [units, batch] pre-activation to a new matrix of the same
// shape. z is left untouched so it can be cached for the backward pass.
func activate(act ActivationType, z *Matrix) *Matrix {
	a := z.Clone()
	switch act {
	case ActNone:
	case ActRelu:
		a.ApplyFunc(Relu)
	case ActTanh:
		a.ApplyFunc(math.Tanh)
	case ActSigmoid:
		a.ApplyFunc(Sigmoid)
	case ActSoftmax:
		SoftmaxColumns(a)
	default:
		panic("ml: unknown activation type " + act.String())
	}
	return a
}

// activationBackward returns dZ = dA ⊙ g'(Z) for the cached layer values.
// z and a are the cached pre-activation and activation; dA is the gradient
// arriving from the layer above.
func activationBackward(act ActivationType, mode DerivativeMode, z, a, dA *Matrix) *Matrix {
	if !dA.SameShape(z) {
		shapePanic("activationBackward", z.rows, z.cols, dA.rows, dA.cols)
	}
	dZ := NewMatrix(z.rows, z.cols)
	switch act {
	case ActNone:
		copy(dZ.data, dA.data)
	case ActRelu:
		dZ.dense.Apply(func(i, j int, v float64) float64 {
			return v * ReluDerivative(z.dense.At(i, j))
		}, dA.dense)
	case ActTanh:
		if mode == DerivativeAnalytic {
			dZ.dense.Apply(func(i, j int, v float64) float64 {
				y := a.dense.At(i, j)
				return v * (1 - y*y)
			}, dA.dense)
		} else {
			dZ.dense.Apply(func(_, _ int, v float64) float64 {
				return v * (1 - v*v)
			}, dA.dense)
		}
	case ActSoftmax:
		if mode == DerivativeAnalytic {
			softmaxBackward(a, dA, dZ)
			break
		}
		fallthrough
	case ActSigmoid:
		dZ.dense.Apply(func(i, j int, v float64) float64 {
			return v * SigmoidDerivative(z.dense.At(i, j))
		}, dA.dense)
	default:
		panic("ml: unknown activation type " + act.String())
	}
	return dZ
}

// softmaxBackward writes the Jacobian-vector product of a column-wise
// softmax: dZ = A ⊙ (dA − Σ_units A ⊙ dA).
func softmaxBackward(a, dA, dZ *Matrix) {
	for j := 0; j < a.cols; j++ {
		dot := 0.0
		for i := 0; i < a.rows; i++ {
			dot += a.data[i*a.cols+j] * dA.data[i*a.cols+j]
		}
		for i := 0; i < a.rows; i++ {
			k := i*a.cols + j
			dZ.data[k] = a.data[k] * (dA.data[k] - dot)
		}
	}
}

func Relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func ReluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func SigmoidDerivative(x float64) float64 {
	s := Sigmoid(x)
	return s * (1 - s)
}

// SoftmaxColumns applies softmax to each column of m in place. Each column
// is shifted by its own maximum and the denominator carries a small epsilon,
// so every column sums to 1 within 1e-10.
func SoftmaxColumns(m *Matrix) {
	for j := 0; j < m.cols; j++ {
		maxVal := math.Inf(-1)
		for i := 0; i < m.rows; i++ {
			maxVal = math.Max(maxVal, m.data[i*m.cols+j])
		}
		sum := 0.0
		for i := 0; i < m.rows; i++ {
			k := i*m.cols + j
			m.data[k] = math.Exp(m.data[k] - maxVal)
			sum += m.data[k]
		}
		sum += softmaxEpsilon
		for i := 0; i < m.rows; i++ {
			m.data[i*m.cols+j] /= sum
		}
	}
}
