package ml

import (
	"fmt"
	"math"
	"strings"
)

const (
	LossUnset LossKind = iota
	LossMSE
	LossCrossEntropy
)

const (
	// crossEntropyEpsilon guards the logs of the cross-entropy loss.
	crossEntropyEpsilon = 1e-8
	// outputGradEpsilon guards the divisions of the cross-entropy gradient.
	outputGradEpsilon = 1e-10
)

// LossKind selects the loss formula and, in Backward, the output gradient.
type LossKind int

var lossMap = map[string]LossKind{
	"mse":              LossMSE,
	"mseloss":          LossMSE,
	"cross-entropy":    LossCrossEntropy,
	"crossentropy":     LossCrossEntropy,
	"crossentropyloss": LossCrossEntropy,
}

func ParseLoss(name string) (LossKind, error) {
	kind, ok := lossMap[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return LossUnset, fmt.Errorf("%w: unknown loss %q", ErrLossNotSelected, name)
	}
	return kind, nil
}

func (k LossKind) String() string {
	switch k {
	case LossUnset:
		return "unset"
	case LossMSE:
		return "mse"
	case LossCrossEntropy:
		return "cross-entropy"
	}
	return fmt.Sprintf("LossKind(%d)", int(k))
}

// MSELoss returns mean((p−t)²)/2 plus the L2 term, and records LossMSE as the
// last loss used.
func (nw *NeuralNetwork) MSELoss(prediction, target *Matrix) float64 {
	nw.lastLoss = LossMSE
	return meanSquaredError(prediction, target) + nw.regularizationCost(prediction.cols)
}

// CrossEntropyLoss returns the binary cross-entropy averaged over the batch
// plus the L2 term, and records LossCrossEntropy as the last loss used.
func (nw *NeuralNetwork) CrossEntropyLoss(prediction, target *Matrix) float64 {
	nw.lastLoss = LossCrossEntropy
	return crossEntropy(prediction, target) + nw.regularizationCost(prediction.cols)
}

// Loss dispatches on kind.
func (nw *NeuralNetwork) Loss(kind LossKind, prediction, target *Matrix) (float64, error) {
	switch kind {
	case LossMSE:
		return nw.MSELoss(prediction, target), nil
	case LossCrossEntropy:
		return nw.CrossEntropyLoss(prediction, target), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrLossNotSelected, kind)
}

// LastLoss is the kind of the most recent loss computed on this instance.
func (nw *NeuralNetwork) LastLoss() LossKind { return nw.lastLoss }

// regularizationCost is λ/(2·batch)·Σ‖W‖² over every layer in the forward
// cache.
func (nw *NeuralNetwork) regularizationCost(batchSize int) float64 {
	if nw.lambda == 0 {
		return 0
	}
	sum := 0.0
	for i := range nw.cache {
		sum += nw.Layers[i].Weights.SumSquares()
	}
	return nw.lambda / (2 * float64(batchSize)) * sum
}

func checkLossShapes(op string, prediction, target *Matrix) {
	if !prediction.SameShape(target) {
		shapePanic(op, prediction.rows, prediction.cols, target.rows, target.cols)
	}
}

func meanSquaredError(prediction, target *Matrix) float64 {
	checkLossShapes("MSELoss", prediction, target)
	sum := 0.0
	for i, p := range prediction.data {
		d := p - target.data[i]
		sum += d * d
	}
	return sum / float64(len(prediction.data)) / 2
}

func crossEntropy(prediction, target *Matrix) float64 {
	checkLossShapes("CrossEntropyLoss", prediction, target)
	sum := 0.0
	for i, p := range prediction.data {
		t := target.data[i]
		sum += t*math.Log(p+crossEntropyEpsilon) + (1-t)*math.Log(1-p+crossEntropyEpsilon)
	}
	return -(1 / float64(prediction.cols)) * sum
}

// outputGradient is dLoss/dA for the network output.
func outputGradient(kind LossKind, prediction, target *Matrix) (*Matrix, error) {
	checkLossShapes("outputGradient", prediction, target)
	dA := NewMatrix(prediction.rows, prediction.cols)
	switch kind {
	case LossCrossEntropy:
		for i, p := range prediction.data {
			t := target.data[i]
			dA.data[i] = -(t/(p+outputGradEpsilon) - (1-t)/(1-p+outputGradEpsilon))
		}
	case LossMSE:
		dA.dense.Sub(prediction.dense, target.dense)
	default:
		return nil, fmt.Errorf("%w: %v", ErrLossNotSelected, kind)
	}
	return dA, nil
}
