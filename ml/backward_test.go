package ml

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

// numericGradient differentiates the loss with respect to the entries of
// param by central differences, restoring param afterwards.
func numericGradient(t *testing.T, nw *NeuralNetwork, x, y *Matrix, kind LossKind, param *Matrix) []float64 {
	t.Helper()
	orig := append([]float64(nil), param.Data()...)
	f := func(v []float64) float64 {
		copy(param.Data(), v)
		out, err := nw.Forward(x)
		require.NoError(t, err)
		loss, err := nw.Loss(kind, out, y)
		require.NoError(t, err)
		return loss
	}
	grad := fd.Gradient(nil, f, orig, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	copy(param.Data(), orig)
	return grad
}

// analyticGradients runs one forward, loss and backward pass.
func analyticGradients(t *testing.T, nw *NeuralNetwork, x, y *Matrix, kind LossKind) []GradientSet {
	t.Helper()
	out, err := nw.Forward(x)
	require.NoError(t, err)
	_, err = nw.Loss(kind, out, y)
	require.NoError(t, err)
	require.NoError(t, nw.Backward(out, y, kind))
	return nw.Gradients()
}

func binaryTargets(rng *rand.Rand, rows, cols int) *Matrix {
	y := NewMatrix(rows, cols)
	for i := range y.Data() {
		y.Data()[i] = float64(rng.IntN(2))
	}
	return y
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	tests := []struct {
		name string
		dims []int
		acts []ActivationType
		kind LossKind
		opts []Option
	}{
		{
			name: "reference mse with l2",
			dims: []int{3, 5, 4, 1},
			acts: []ActivationType{ActSigmoid, ActRelu, ActSigmoid},
			kind: LossMSE,
			opts: []Option{WithL2(0.1)},
		},
		{
			name: "reference identity output",
			dims: []int{2, 3, 1},
			acts: []ActivationType{ActRelu, ActNone},
			kind: LossMSE,
		},
		{
			name: "analytic cross-entropy",
			dims: []int{3, 4, 3, 1},
			acts: []ActivationType{ActTanh, ActSoftmax, ActSigmoid},
			kind: LossCrossEntropy,
			opts: []Option{WithAnalyticDerivatives(), WithL2(0.05)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(21, 22))
			nw := newTestNetwork(t, tt.dims, tt.acts, tt.opts...)
			for _, layer := range nw.Layers {
				copy(layer.Biases.Data(), randomMatrix(rng, layer.Units(), 1).Data())
			}
			x := randomMatrix(rng, tt.dims[0], 4)
			y := binaryTargets(rng, 1, 4)

			grads := analyticGradients(t, nw, x, y, tt.kind)
			for l, layer := range nw.Layers {
				wantW := numericGradient(t, nw, x, y, tt.kind, layer.Weights)
				wantB := numericGradient(t, nw, x, y, tt.kind, layer.Biases)
				assert.InDeltaSlice(t, wantW, grads[l].DW.Data(), 1e-6, "layer %d dW", l+1)
				assert.InDeltaSlice(t, wantB, grads[l].DB.Data(), 1e-6, "layer %d db", l+1)
			}

			// dA_0 is the input gradient of the summed, not averaged, loss
			dX := numericGradient(t, nw, x, y, tt.kind, x)
			for i := range dX {
				dX[i] *= float64(x.Cols())
			}
			assert.InDeltaSlice(t, dX, nw.ActivationGradient(0).Data(), 1e-5)
		})
	}
}

func TestBackwardGradientShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 32))
	all := []ActivationType{ActNone, ActRelu, ActTanh, ActSigmoid, ActSoftmax}

	for trial := 0; trial < 10; trial++ {
		dims := make([]int, 2+rng.IntN(4))
		for i := range dims {
			dims[i] = 1 + rng.IntN(6)
		}
		acts := make([]ActivationType, len(dims)-1)
		for i := range acts {
			acts[i] = all[rng.IntN(len(all))]
		}
		batch := 1 + rng.IntN(5)

		nw := newTestNetwork(t, dims, acts)
		x := randomMatrix(rng, dims[0], batch)
		y := binaryTargets(rng, dims[len(dims)-1], batch)
		grads := analyticGradients(t, nw, x, y, LossMSE)

		require.Len(t, grads, len(dims)-1)
		for l, g := range grads {
			assert.True(t, g.DW.SameShape(nw.Layers[l].Weights), "dims %v layer %d", dims, l+1)
			assert.True(t, g.DB.SameShape(nw.Layers[l].Biases), "dims %v layer %d", dims, l+1)
		}
		for l := 0; l < len(dims); l++ {
			dA := nw.ActivationGradient(l)
			require.NotNil(t, dA)
			assert.Equal(t, dims[l], dA.Rows())
			assert.Equal(t, batch, dA.Cols())
		}
	}
}

func TestBackwardReferenceTanh(t *testing.T) {
	nw := newTestNetwork(t, []int{2, 2}, []ActivationType{ActTanh})
	x := NewMatrixFromRows([][]float64{{0.5, -1, 2}, {1, 0.25, -0.5}})
	y := NewMatrixFromRows([][]float64{{1, 0, 1}, {0, 0, 1}})

	out, err := nw.Forward(x)
	require.NoError(t, err)
	require.NoError(t, nw.Backward(out, y, LossMSE))

	db := nw.Gradients()[0].DB
	for i := 0; i < 2; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			dA := out.At(i, j) - y.At(i, j)
			sum += dA * (1 - dA*dA)
		}
		assert.InDelta(t, sum/3, db.At(i, 0), 1e-12)
	}
}

func TestBackwardDoesNotTouchParameters(t *testing.T) {
	nw := newTestNetwork(t, []int{3, 4, 2}, []ActivationType{ActRelu, ActSigmoid}, WithL2(0.5))
	w0 := nw.Layers[0].Weights.Clone()
	b1 := nw.Layers[1].Biases.Clone()
	rng := rand.New(rand.NewPCG(1, 2))
	x := randomMatrix(rng, 3, 5)
	y := binaryTargets(rng, 2, 5)

	first := analyticGradients(t, nw, x, y, LossCrossEntropy)
	firstDW := first[0].DW.Clone()

	// a second pass on the same cache gives the same gradients
	out, err := nw.Forward(x)
	require.NoError(t, err)
	require.NoError(t, nw.Backward(out, y, LossCrossEntropy))
	require.NoError(t, nw.Backward(out, y, LossCrossEntropy))

	assert.Equal(t, firstDW.Data(), nw.Gradients()[0].DW.Data())
	assert.Equal(t, w0.Data(), nw.Layers[0].Weights.Data())
	assert.Equal(t, b1.Data(), nw.Layers[1].Biases.Data())
}

func TestBackwardErrors(t *testing.T) {
	nw := newTestNetwork(t, []int{2, 3, 1}, []ActivationType{ActRelu, ActSigmoid})
	x := NewMatrixFromRows([][]float64{{1}, {2}})
	y := NewMatrixFromRows([][]float64{{1}})

	t.Run("no forward pass", func(t *testing.T) {
		err := nw.Backward(NewMatrix(1, 1), y, LossMSE)
		assert.ErrorIs(t, err, ErrNoForwardPass)
	})

	out, err := nw.Forward(x)
	require.NoError(t, err)

	t.Run("loss not selected", func(t *testing.T) {
		assert.ErrorIs(t, nw.Backward(out, y, LossUnset), ErrLossNotSelected)
		assert.ErrorIs(t, nw.BackwardLast(out, y), ErrLossNotSelected)
		assert.Nil(t, nw.Gradients())
	})

	t.Run("backward last follows the last loss", func(t *testing.T) {
		nw.CrossEntropyLoss(out, y)
		require.NoError(t, nw.BackwardLast(out, y))
		viaLast := nw.Gradients()[1].DW.Clone()

		require.NoError(t, nw.Backward(out, y, LossCrossEntropy))
		assert.Equal(t, viaLast.Data(), nw.Gradients()[1].DW.Data())

		require.NoError(t, nw.Backward(out, y, LossMSE))
		assert.NotEqual(t, viaLast.Data(), nw.Gradients()[1].DW.Data())
	})

	t.Run("stale cache after growth", func(t *testing.T) {
		require.NoError(t, nw.AppendLayers([]int{1, 2}, []ActivationType{ActSigmoid}))
		err := nw.Backward(out, y, LossMSE)
		assert.ErrorIs(t, err, ErrNoForwardPass)
	})

	t.Run("target shape mismatch panics", func(t *testing.T) {
		out, err := nw.Forward(x)
		require.NoError(t, err)
		assert.Panics(t, func() { _ = nw.Backward(out, NewMatrix(2, 2), LossMSE) })
	})
}
