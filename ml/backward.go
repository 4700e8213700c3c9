package ml

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Backward walks the cached forward pass in reverse and replaces the
// gradient set of every layer. kind selects the output gradient and must
// match the loss the caller optimizes. The L2 coefficient is folded into
// every weight gradient.
func (nw *NeuralNetwork) Backward(prediction, target *Matrix, kind LossKind) error {
	if len(nw.Layers) == 0 {
		return ErrNoLayers
	}
	if kind == LossUnset {
		return ErrLossNotSelected
	}
	if len(nw.cache) == 0 {
		return ErrNoForwardPass
	}
	if len(nw.cache) != len(nw.Layers) {
		return fmt.Errorf("%w: cache holds %d layers, network has %d", ErrNoForwardPass, len(nw.cache), len(nw.Layers))
	}

	dA, err := outputGradient(kind, prediction, target)
	if err != nil {
		return err
	}

	L := len(nw.cache)
	grads := make([]GradientSet, L)

	// dAs[l] is the gradient w.r.t. A_l; A_0 is the input, A_L the output.
	dAs := make([]*Matrix, L+1)
	dAs[L] = dA
	for l := L - 1; l >= 0; l-- {
		dW, db, dAPrev := nw.linearBackward(dAs[l+1], l)
		grads[l] = GradientSet{DW: dW, DB: db}
		dAs[l] = dAPrev
	}

	nw.grads = grads
	nw.dA = dAs
	return nil
}

// BackwardLast runs Backward with the kind of the last loss computed on nw.
func (nw *NeuralNetwork) BackwardLast(prediction, target *Matrix) error {
	return nw.Backward(prediction, target, nw.lastLoss)
}

// linearBackward differentiates layer l given the gradient of its output.
func (nw *NeuralNetwork) linearBackward(dA *Matrix, l int) (dW, db, dAPrev *Matrix) {
	c := nw.cache[l]
	batchSize := float64(dA.cols)

	var dZ *Matrix
	if c.activated {
		dZ = activationBackward(c.act, nw.mode, c.z, c.a, dA)
	} else {
		dZ = dA
	}

	// dW = (1/m)·dZ·A_prevᵀ + (λ/m)·W
	dW = NewMatrix(c.w.rows, c.w.cols)
	MatMul(dZ.dense, c.aPrev.dense.T(), dW)
	dW.Scale(1 / batchSize)
	if nw.lambda != 0 {
		floats.AddScaled(dW.data, nw.lambda/batchSize, c.w.data)
	}

	// db = (1/m)·Σ_batch dZ
	db = NewMatrix(c.b.rows, c.b.cols)
	dZ.SumRowsInto(db)
	db.Scale(1 / batchSize)

	// dA_prev = Wᵀ·dZ
	dAPrev = NewMatrix(c.w.cols, dZ.cols)
	MatMul(c.w.dense.T(), dZ.dense, dAPrev)

	if !dAPrev.SameShape(c.aPrev) {
		shapePanic(fmt.Sprintf("backward layer %d dA_prev", l+1), c.aPrev.rows, c.aPrev.cols, dAPrev.rows, dAPrev.cols)
	}
	if !dW.SameShape(c.w) {
		shapePanic(fmt.Sprintf("backward layer %d dW", l+1), c.w.rows, c.w.cols, dW.rows, dW.cols)
	}
	if !db.SameShape(c.b) {
		shapePanic(fmt.Sprintf("backward layer %d db", l+1), c.b.rows, c.b.cols, db.rows, db.cols)
	}
	return dW, db, dAPrev
}
