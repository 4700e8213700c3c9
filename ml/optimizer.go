package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:        0.9,
	Beta2:        0.999,
	Epsilon:      1e-8,
	LearningRate: 0.001,
}

type OptimizerType string
type AdamConfig struct {
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	LearningRate float64
}

// layerState holds per-layer optimizer moments; only the first pair is used
// by Momentum.
type layerState struct {
	mW, vW *Matrix
	mB, vB *Matrix
}

// Optimizer applies gradients to the parameters of a network. Update rules
// are not part of the engine: they only read Backward's GradientSet.
type Optimizer interface {
	Update(nw *NeuralNetwork, grads []GradientSet)
}

type SGDOptimizer struct {
	LearningRate float64
}

type MomentumOptimizer struct {
	LearningRate float64
	Mu           float64 // Momentum Factor (usually 0.9)

	layerStates []*layerState
}

type AdamOptimizer struct {
	cfg         AdamConfig
	layerStates []*layerState
	timeStep    int // 't' in the Adam paper, tracks number of updates
}

func NewOptimizer(cfg TrainingConfig) Optimizer {
	switch cfg.Optimizer {
	case OptAdam:
		adamCfg := DefaultAdamConfig
		if cfg.AdamBeta1 != 0 {
			adamCfg.Beta1 = cfg.AdamBeta1
		}
		if cfg.AdamBeta2 != 0 {
			adamCfg.Beta2 = cfg.AdamBeta2
		}
		if cfg.AdamEps != 0 {
			adamCfg.Epsilon = cfg.AdamEps
		}
		if cfg.LearningRate != 0 {
			adamCfg.LearningRate = cfg.LearningRate
		}
		return NewAdamOptimizer(adamCfg)

	case OptMomentum:
		return NewMomentumOptimizer(cfg.LearningRate, cfg.MomentumMu)

	default:
		return &SGDOptimizer{LearningRate: cfg.LearningRate}
	}
}

func NewAdamOptimizer(cfg AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{cfg: cfg}
}

func NewMomentumOptimizer(lr, mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	} // Default
	return &MomentumOptimizer{LearningRate: lr, Mu: mu}
}

func checkGradients(nw *NeuralNetwork, grads []GradientSet) {
	if len(grads) != len(nw.Layers) {
		panic(fmt.Sprintf("ml: %d gradient sets for %d layers", len(grads), len(nw.Layers)))
	}
}

// ensureStates grows states to one entry per layer; layers appended to the
// network after the first update get fresh zero moments.
func ensureStates(states []*layerState, nw *NeuralNetwork, withSecond bool) []*layerState {
	for i := len(states); i < len(nw.Layers); i++ {
		layer := nw.Layers[i]
		state := &layerState{
			mW: NewMatrix(layer.Weights.rows, layer.Weights.cols),
			mB: NewMatrix(layer.Biases.rows, layer.Biases.cols),
		}
		if withSecond {
			state.vW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
			state.vB = NewMatrix(layer.Biases.rows, layer.Biases.cols)
		}
		states = append(states, state)
	}
	return states
}

// ------ ADAM OPTIMIZER METHODS ------ //
// Update applies the Adam update rule to the network's weights and biases
func (opt *AdamOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	checkGradients(nw, grads)
	opt.layerStates = ensureStates(opt.layerStates, nw, true)

	opt.timeStep++
	t := float64(opt.timeStep)

	// correction1 = 1 - beta1^t, correction2 = 1 - beta2^t
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	apply := func(params, grads, m, v []float64) {
		beta1 := opt.cfg.Beta1
		beta2 := opt.cfg.Beta2
		eps := opt.cfg.Epsilon
		lr := opt.cfg.LearningRate

		for i := range params {
			g := grads[i]

			// m_t = beta1 * m_{t-1} + (1 - beta1) * g
			m[i] = beta1*m[i] + (1.0-beta1)*g

			// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
			v[i] = beta2*v[i] + (1.0-beta2)*(g*g)

			mHat := m[i] / correction1
			vHat := v[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			params[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}

	for i, layer := range nw.Layers {
		state := opt.layerStates[i]
		apply(layer.Weights.data, grads[i].DW.data, state.mW.data, state.vW.data)
		apply(layer.Biases.data, grads[i].DB.data, state.mB.data, state.vB.data)
	}
}

// ------ MOMENTUM OPTIMIZER METHODS ------ //
func (opt *MomentumOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	checkGradients(nw, grads)
	opt.layerStates = ensureStates(opt.layerStates, nw, false)

	// v = mu * v - lr * grad
	// w = w + v
	applyMomentum := func(params, grads, velocity []float64) {
		floats.Scale(opt.Mu, velocity)
		floats.AddScaled(velocity, -opt.LearningRate, grads)
		floats.Add(params, velocity)
	}

	for i, layer := range nw.Layers {
		state := opt.layerStates[i]
		applyMomentum(layer.Weights.data, grads[i].DW.data, state.mW.data)
		applyMomentum(layer.Biases.data, grads[i].DB.data, state.mB.data)
	}
}

// ------ SGD OPTIMIZER METHODS ------ //
func (opt *SGDOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	checkGradients(nw, grads)
	for i, layer := range nw.Layers {
		// W = W - (lr * gradient)
		floats.AddScaled(layer.Weights.data, -opt.LearningRate, grads[i].DW.data)
		floats.AddScaled(layer.Biases.data, -opt.LearningRate, grads[i].DB.data)
	}
}
