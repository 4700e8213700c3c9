package ml

import (
	"cmp"
	"fmt"
	"slices"
)

// Predict runs a single sample through the network and returns the index of
// the largest output unit and its value.
func (nw *NeuralNetwork) Predict(inputData []float64) (int, float64, error) {
	if len(nw.Layers) == 0 {
		return 0, 0, ErrNoLayers
	}
	inputSize := nw.InputSize()
	if len(inputData) != inputSize {
		return 0, 0, fmt.Errorf("%w: input has %d features, network expects %d", ErrShapeMismatch, len(inputData), inputSize)
	}

	// A single sample is a batch of one column.
	out, err := nw.Forward(NewMatrixFromSlice(inputSize, 1, inputData))
	if err != nil {
		return 0, 0, err
	}
	best, score := greedySample(out.data)
	return best, score, nil
}

// PredictBatch returns the argmax unit of every column of a [features, batch]
// input.
func (nw *NeuralNetwork) PredictBatch(input *Matrix) ([]int, error) {
	out, err := nw.Forward(input)
	if err != nil {
		return nil, err
	}
	classes := make([]int, out.cols)
	for j := range classes {
		classes[j], _ = greedySample(out.Column(j))
	}
	return classes, nil
}

// PredictTopK returns the indices of the k largest output units of a single
// sample, largest first. k is clamped to the output width.
func (nw *NeuralNetwork) PredictTopK(inputData []float64, k int) ([]int, error) {
	if len(nw.Layers) == 0 {
		return nil, ErrNoLayers
	}
	if len(inputData) != nw.InputSize() {
		return nil, fmt.Errorf("%w: input has %d features, network expects %d", ErrShapeMismatch, len(inputData), nw.InputSize())
	}
	out, err := nw.Forward(NewMatrixFromSlice(len(inputData), 1, inputData))
	if err != nil {
		return nil, err
	}
	return topK(out.data, k), nil
}

// topK ranks the indices of probs in descending order and keeps the first K.
// Ties keep their original order.
func topK(probs []float64, K int) []int {
	K = min(max(K, 0), len(probs))
	indices := NewIndexList(len(probs))
	slices.SortStableFunc(indices, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})
	return indices[:K]
}

// greedySample finds the index of the maximum value.
func greedySample(probs []float64) (int, float64) {
	maxIdx := 0
	maxProb := probs[0]
	for i, p := range probs[1:] {
		if p > maxProb {
			maxProb = p
			maxIdx = i + 1
		}
	}
	return maxIdx, maxProb
}
