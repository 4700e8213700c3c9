package ml

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActivation(t *testing.T) {
	tests := []struct {
		name string
		want ActivationType
	}{
		{"", ActNone},
		{"None", ActNone},
		{"linear", ActNone},
		{"ReLU", ActRelu},
		{"tanh", ActTanh},
		{" Sigmoid ", ActSigmoid},
		{"SOFTMAX", ActSoftmax},
	}
	for _, tt := range tests {
		got, err := ParseActivation(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := ParseActivation("swish")
	assert.ErrorIs(t, err, ErrUnknownActivation)

	_, err = ParseActivations("relu", "gelu")
	assert.ErrorIs(t, err, ErrUnknownActivation)
	assert.Contains(t, err.Error(), "activation 2")
}

func TestActivateFormulas(t *testing.T) {
	z := NewMatrixFromRows([][]float64{{-2, 0, 0.5}, {1, -0.25, 3}})

	for _, act := range []ActivationType{ActNone, ActRelu, ActTanh, ActSigmoid} {
		a := activate(act, z)
		require.True(t, a.SameShape(z))
		for k, v := range z.Data() {
			var want float64
			switch act {
			case ActNone:
				want = v
			case ActRelu:
				want = math.Max(v, 0)
			case ActTanh:
				want = math.Tanh(v)
			case ActSigmoid:
				want = 1 / (1 + math.Exp(-v))
			}
			assert.Equal(t, want, a.Data()[k], "%v(%v)", act, v)
		}
	}

	// z is not modified
	assert.Equal(t, []float64{-2, 0, 0.5, 1, -0.25, 3}, z.Data())
}

func TestSoftmaxColumnsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	for trial := 0; trial < 20; trial++ {
		rows, cols := 1+rng.IntN(8), 1+rng.IntN(6)
		z := NewMatrix(rows, cols)
		for i := range z.Data() {
			z.Data()[i] = (rng.Float64()*2 - 1) * 50
		}
		a := activate(ActSoftmax, z)
		for j := 0; j < cols; j++ {
			sum := 0.0
			for _, v := range a.Column(j) {
				assert.GreaterOrEqual(t, v, 0.0)
				sum += v
			}
			// epsilon in the denominator plus one rounding step
			assert.InDelta(t, 1.0, sum, softmaxEpsilon+1e-15)
		}
	}
}

func TestSoftmaxMatchesDefinition(t *testing.T) {
	z := NewMatrixFromRows([][]float64{{1, 0}, {2, 0}, {3, 0}})
	a := activate(ActSoftmax, z)

	den := math.Exp(-2) + math.Exp(-1) + 1 + softmaxEpsilon
	assert.InDelta(t, math.Exp(-2)/den, a.At(0, 0), 1e-15)
	assert.InDelta(t, 1/den, a.At(2, 0), 1e-15)
	// uniform column
	assert.InDelta(t, 1.0/3, a.At(1, 1), 1e-10)
}

func TestActivationBackwardReference(t *testing.T) {
	z := NewMatrixFromRows([][]float64{{-1, 0.5}, {2, -3}})
	dA := NewMatrixFromRows([][]float64{{0.3, -0.2}, {0.7, 0.1}})

	t.Run("none", func(t *testing.T) {
		dZ := activationBackward(ActNone, DerivativeReference, z, activate(ActNone, z), dA)
		assert.Equal(t, dA.Data(), dZ.Data())
	})

	t.Run("relu", func(t *testing.T) {
		dZ := activationBackward(ActRelu, DerivativeReference, z, activate(ActRelu, z), dA)
		assert.Equal(t, []float64{0, -0.2, 0.7, 0}, dZ.Data())
	})

	t.Run("tanh uses the downstream gradient", func(t *testing.T) {
		dZ := activationBackward(ActTanh, DerivativeReference, z, activate(ActTanh, z), dA)
		for k, g := range dA.Data() {
			assert.Equal(t, g*(1-g*g), dZ.Data()[k])
		}
	})

	t.Run("sigmoid and softmax share the sigmoid derivative", func(t *testing.T) {
		sig := activationBackward(ActSigmoid, DerivativeReference, z, activate(ActSigmoid, z), dA)
		soft := activationBackward(ActSoftmax, DerivativeReference, z, activate(ActSoftmax, z), dA)
		for k, v := range z.Data() {
			s := 1 / (1 + math.Exp(-v))
			assert.Equal(t, dA.Data()[k]*(s*(1-s)), sig.Data()[k])
		}
		assert.Equal(t, sig.Data(), soft.Data())
	})
}

func TestActivationBackwardAnalytic(t *testing.T) {
	z := NewMatrixFromRows([][]float64{{-1, 0.5}, {2, -3}, {0.1, 0.2}})
	dA := NewMatrixFromRows([][]float64{{0.3, -0.2}, {0.7, 0.1}, {-0.4, 0.9}})

	a := activate(ActTanh, z)
	dZ := activationBackward(ActTanh, DerivativeAnalytic, z, a, dA)
	for k, y := range a.Data() {
		assert.Equal(t, dA.Data()[k]*(1-y*y), dZ.Data()[k])
	}

	// softmax: the Jacobian-vector product sums to zero over each column
	s := activate(ActSoftmax, z)
	dZ = activationBackward(ActSoftmax, DerivativeAnalytic, z, s, dA)
	for j := 0; j < z.Cols(); j++ {
		sum := 0.0
		for _, v := range dZ.Column(j) {
			sum += v
		}
		assert.InDelta(t, 0, sum, 1e-9)
	}
}

func TestActivationBackwardShapeMismatchPanics(t *testing.T) {
	z := NewMatrix(2, 3)
	assert.Panics(t, func() {
		activationBackward(ActRelu, DerivativeReference, z, z, NewMatrix(3, 2))
	})
}

func TestActivationStrings(t *testing.T) {
	assert.Equal(t, "relu", ActRelu.String())
	assert.Equal(t, "none", ActNone.String())
	assert.Equal(t, "fc", KindFullyConnected.String())
	assert.Equal(t, "ActivationType(42)", ActivationType(42).String())
}
