package ml

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strings"
)

var (
	ErrNoLayers           = errors.New("ml: network has no layers")
	ErrLossNotSelected    = errors.New("ml: loss function not selected")
	ErrNoForwardPass      = errors.New("ml: no forward pass cached")
	ErrActivationNotSet   = errors.New("ml: activation not set")
	ErrUnknownActivation  = errors.New("ml: unknown activation")
	ErrInvalidDimension   = errors.New("ml: layer dimension must be positive")
	ErrTooManyActivations = errors.New("ml: more activations than layers")
	ErrShapeMismatch      = errors.New("ml: shape mismatch")
)

// NeuralNetwork owns the parameter store, the forward cache and the gradients
// of the last backward pass. It does no locking: forward, loss and backward
// calls against one instance must be serialized by the caller. Use
// CloneStructure to get an instance per concurrent stream.
type NeuralNetwork struct {
	Layers []*Layer

	lambda float64
	mode   DerivativeMode
	src    rand.Source
	logger *slog.Logger

	// Forward State
	cache []layerCache

	// Backward State
	grads    []GradientSet
	dA       []*Matrix
	lastLoss LossKind
}

// layerCache is what the backward pass needs from one forward step.
type layerCache struct {
	// linear cache, held by reference
	aPrev, w, b *Matrix

	// activation cache; activated is false for a raw linear output head
	z, a      *Matrix
	act       ActivationType
	activated bool
}

// GradientSet holds the calculated gradients for one layer
type GradientSet struct {
	DW *Matrix
	DB *Matrix
}

type Option func(*NeuralNetwork)

// WithL2 sets the L2 regularization coefficient.
func WithL2(lambda float64) Option {
	return func(nw *NeuralNetwork) { nw.lambda = lambda }
}

// WithSeed makes weight initialization deterministic.
func WithSeed(seed uint64) Option {
	return func(nw *NeuralNetwork) { nw.src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15) }
}

// WithSource draws initial weights from src.
func WithSource(src rand.Source) Option {
	return func(nw *NeuralNetwork) { nw.src = src }
}

func WithLogger(logger *slog.Logger) Option {
	return func(nw *NeuralNetwork) { nw.logger = logger }
}

// WithAnalyticDerivatives switches tanh and softmax to their exact
// derivatives. See DerivativeAnalytic.
func WithAnalyticDerivatives() Option {
	return func(nw *NeuralNetwork) { nw.mode = DerivativeAnalytic }
}

// NewNetwork builds a network from layer widths, input first. acts holds one
// selector per layer, missing trailing ones default to ActNone. Fewer than two
// dims give an empty network.
func NewNetwork(dims []int, acts []ActivationType, opts ...Option) (*NeuralNetwork, error) {
	nw := &NeuralNetwork{}
	for _, opt := range opts {
		opt(nw)
	}
	if nw.src == nil {
		nw.src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if nw.logger == nil {
		nw.logger = slog.Default()
	}

	if err := nw.AppendLayers(dims, acts); err != nil {
		return nil, err
	}
	return nw, nil
}

// -------- PARAMETER STORE -------- //

// Initialize appends one fully connected layer per adjacent pair of dims,
// with Xavier-scaled normal weights and zero biases. New layers have no
// activation registered. On a non-empty network dims[0] must match the
// current output width.
func (nw *NeuralNetwork) Initialize(dims []int) error {
	for i, d := range dims {
		if d <= 0 {
			return fmt.Errorf("%w: dims[%d] = %d", ErrInvalidDimension, i, d)
		}
	}
	if len(dims) < 2 {
		return nil
	}
	if n := len(nw.Layers); n > 0 && dims[0] != nw.OutputSize() {
		return fmt.Errorf("%w: layer %d outputs %d units, new layers expect %d",
			ErrShapeMismatch, n, nw.OutputSize(), dims[0])
	}

	nw.logger.Debug("initializing weights", "existing_layers", len(nw.Layers), "new_layers", len(dims)-1)

	for i := 1; i < len(dims); i++ {
		in, out := dims[i-1], dims[i]
		layer := &Layer{
			Weights: NewMatrix(out, in),
			Biases:  NewMatrix(out, 1),
			Kind:    KindFullyConnected,
		}
		layer.Weights.RandomizeNormal(math.Sqrt(2.0/float64(in+out)), nw.src)
		nw.Layers = append(nw.Layers, layer)
	}
	return nil
}

// AppendLayers grows the network at its tail and registers acts on the new
// layers. Existing layers keep their parameters.
func (nw *NeuralNetwork) AppendLayers(dims []int, acts []ActivationType) error {
	newLayers := max(len(dims)-1, 0)
	if newLayers > 0 && len(acts) > newLayers {
		return fmt.Errorf("%w: %d activations for %d layers", ErrTooManyActivations, len(acts), newLayers)
	}

	first := len(nw.Layers)
	if err := nw.Initialize(dims); err != nil {
		return err
	}
	for i, act := range acts {
		if first+i < len(nw.Layers) {
			nw.Layers[first+i].setActivation(act)
		}
	}
	nw.EnsureActivationsComplete()
	return nil
}

// EnsureActivationsComplete registers ActNone on every layer that has no
// activation yet.
func (nw *NeuralNetwork) EnsureActivationsComplete() {
	padded := 0
	for _, layer := range nw.Layers {
		if !layer.hasActivation {
			layer.setActivation(ActNone)
			padded++
		}
	}
	if padded > 0 {
		nw.logger.Debug("padded missing activations", "count", padded)
	}
}

// SetActivation registers the activation of layer i (0-based).
func (nw *NeuralNetwork) SetActivation(i int, act ActivationType) {
	nw.Layers[i].setActivation(act)
}

func (nw *NeuralNetwork) activationsComplete() bool {
	for _, layer := range nw.Layers {
		if !layer.hasActivation {
			return false
		}
	}
	return true
}

func (nw *NeuralNetwork) NumLayers() int { return len(nw.Layers) }

// InputSize is the feature count Forward expects, 0 for an empty network.
func (nw *NeuralNetwork) InputSize() int {
	if len(nw.Layers) == 0 {
		return 0
	}
	return nw.Layers[0].InputUnits()
}

// OutputSize is the unit count of the last layer, 0 for an empty network.
func (nw *NeuralNetwork) OutputSize() int {
	if len(nw.Layers) == 0 {
		return 0
	}
	return nw.Layers[len(nw.Layers)-1].Units()
}

func (nw *NeuralNetwork) L2() float64 { return nw.lambda }

func (nw *NeuralNetwork) SetL2(lambda float64) { nw.lambda = lambda }

func (nw *NeuralNetwork) DerivativeMode() DerivativeMode { return nw.mode }

// Gradients returns the gradients of the last Backward call, indexed like
// Layers. The slice is replaced by the next call.
func (nw *NeuralNetwork) Gradients() []GradientSet { return nw.grads }

// ActivationGradient returns dA_i of the last Backward call: i = 0 is the
// gradient with respect to the network input, i = NumLayers() the output
// gradient of the loss.
func (nw *NeuralNetwork) ActivationGradient(i int) *Matrix {
	if i < 0 || i >= len(nw.dA) {
		return nil
	}
	return nw.dA[i]
}

// CloneStructure returns a network that shares the parameter matrices but
// owns its own cache and gradients.
func (nw *NeuralNetwork) CloneStructure() *NeuralNetwork {
	r := rand.New(nw.src)
	clone := &NeuralNetwork{
		Layers: make([]*Layer, len(nw.Layers)),
		lambda: nw.lambda,
		mode:   nw.mode,
		src:    rand.NewPCG(r.Uint64(), r.Uint64()),
		logger: nw.logger,
	}
	for i, l := range nw.Layers {
		clone.Layers[i] = &Layer{
			Weights:       l.Weights,
			Biases:        l.Biases,
			Activation:    l.Activation,
			Kind:          l.Kind,
			hasActivation: l.hasActivation,
		}
	}
	return clone
}

// String summarizes the architecture, one line per layer.
func (nw *NeuralNetwork) String() string {
	var sb strings.Builder
	sb.WriteString("Network Architecture\n")
	for i, l := range nw.Layers {
		act := "unset"
		if l.hasActivation {
			act = l.Activation.String()
		}
		fmt.Fprintf(&sb, "  Layer %d: (%d, %d) %s | activation: %s | parameters: %d\n",
			i+1, l.InputUnits(), l.Units(), l.Kind, act, l.InputUnits()*l.Units())
	}
	return sb.String()
}

// -------- FORWARD ENGINE -------- //

// Forward evaluates the network on a [features, batch] input and returns the
// [outputs, batch] result. The returned matrix belongs to the forward cache
// and must not be modified. The previous cache is discarded.
func (nw *NeuralNetwork) Forward(input *Matrix) (*Matrix, error) {
	if len(nw.Layers) == 0 {
		return nil, ErrNoLayers
	}
	if input.rows != nw.InputSize() {
		shapePanic("Forward input", nw.InputSize(), input.cols, input.rows, input.cols)
	}

	nw.cache = make([]layerCache, 0, len(nw.Layers))
	rawHead := !nw.activationsComplete()
	lastIdx := len(nw.Layers) - 1

	activation := input
	for i, layer := range nw.Layers {
		z := linearForward(activation, layer)
		entry := layerCache{aPrev: activation, w: layer.Weights, b: layer.Biases, z: z}

		switch {
		case i == lastIdx && rawHead:
			// regression head: A = Z, empty activation record
			entry.a = z
		case !layer.hasActivation:
			nw.cache = nil
			return nil, fmt.Errorf("%w: layer %d", ErrActivationNotSet, i+1)
		default:
			entry.a = activate(layer.Activation, z)
			entry.act = layer.Activation
			entry.activated = true
		}

		nw.cache = append(nw.cache, entry)
		activation = entry.a
	}
	return activation, nil
}

// linearForward computes Z = W·A_prev + b.
func linearForward(aPrev *Matrix, layer *Layer) *Matrix {
	z := NewMatrix(layer.Weights.rows, aPrev.cols)
	MatMul(layer.Weights.dense, aPrev.dense, z)
	z.AddColumnVector(layer.Biases)
	return z
}

// -------- PERSISTENCE -------- //

type layerData struct {
	Weights    *Matrix
	Biases     *Matrix
	Activation ActivationType
	Kind       LayerKind
}

type networkData struct {
	Layers []layerData
	Lambda float64
}

// Encode writes the parameters and activation selectors as gob.
func (nw *NeuralNetwork) Encode(w io.Writer) error {
	if err := nw.checkPersistable(); err != nil {
		return err
	}
	ld := make([]layerData, len(nw.Layers))
	for i, l := range nw.Layers {
		ld[i] = layerData{Weights: l.Weights, Biases: l.Biases, Activation: l.Activation, Kind: l.Kind}
	}
	return gob.NewEncoder(w).Encode(networkData{Layers: ld, Lambda: nw.lambda})
}

func (nw *NeuralNetwork) checkPersistable() error {
	if len(nw.Layers) == 0 {
		return ErrNoLayers
	}
	if !nw.activationsComplete() {
		return fmt.Errorf("%w: call EnsureActivationsComplete before saving", ErrActivationNotSet)
	}
	return nil
}

// SaveToFile saves the network weights, biases and activations to a file.
func (nw *NeuralNetwork) SaveToFile(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	nw.logger.Info("saving model", "path", filename, "layers", len(nw.Layers))
	if err := nw.Encode(file); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return file.Close()
}

// Decode reads parameters written by Encode into the existing layers. The
// architecture must match; nothing is modified on mismatch.
func (nw *NeuralNetwork) Decode(r io.Reader) error {
	var loaded networkData
	if err := gob.NewDecoder(r).Decode(&loaded); err != nil {
		return fmt.Errorf("failed to decode gob data: %w", err)
	}

	// --- VALIDATION STEP ---
	if len(nw.Layers) != len(loaded.Layers) {
		return fmt.Errorf("architecture mismatch: current network has %d layers, model has %d",
			len(nw.Layers), len(loaded.Layers))
	}

	checkDims := func(name string, layerIdx int, current, got *Matrix) error {
		if got == nil {
			return fmt.Errorf("layer %d %s missing", layerIdx, name)
		}
		if !current.SameShape(got) {
			return fmt.Errorf("%w: layer %d %s expected [%d, %d], got [%d, %d]",
				ErrShapeMismatch, layerIdx, name, current.rows, current.cols, got.rows, got.cols)
		}
		return nil
	}

	for i, curr := range nw.Layers {
		ld := loaded.Layers[i]
		if curr.Kind != ld.Kind {
			return fmt.Errorf("layer %d mismatch: expected kind %v, got %v", i+1, curr.Kind, ld.Kind)
		}
		if curr.hasActivation && curr.Activation != ld.Activation {
			return fmt.Errorf("layer %d mismatch: expected activation %v, got %v", i+1, curr.Activation, ld.Activation)
		}
		if err := checkDims("weights", i+1, curr.Weights, ld.Weights); err != nil {
			return err
		}
		if err := checkDims("biases", i+1, curr.Biases, ld.Biases); err != nil {
			return err
		}
	}

	// --- APPLICATION STEP ---
	for i, curr := range nw.Layers {
		ld := loaded.Layers[i]
		copy(curr.Weights.data, ld.Weights.data)
		copy(curr.Biases.data, ld.Biases.data)
		curr.setActivation(ld.Activation)
	}
	nw.lambda = loaded.Lambda
	nw.cache = nil
	return nil
}

func (nw *NeuralNetwork) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := nw.Decode(file); err != nil {
		return err
	}
	nw.logger.Info("weights loaded", "path", filename, "layers", len(nw.Layers))
	return nil
}

// LoadNetwork rebuilds a network, architecture included, from a file written
// by SaveToFile.
func LoadNetwork(filename string, opts ...Option) (*NeuralNetwork, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var loaded networkData
	if err := gob.NewDecoder(file).Decode(&loaded); err != nil {
		return nil, fmt.Errorf("failed to decode gob file: %w", err)
	}

	nw, err := NewNetwork(nil, nil, opts...)
	if err != nil {
		return nil, err
	}
	for i, ld := range loaded.Layers {
		if ld.Weights == nil || ld.Biases == nil {
			return nil, fmt.Errorf("layer %d parameters missing", i+1)
		}
		if ld.Biases.rows != ld.Weights.rows || ld.Biases.cols != 1 {
			return nil, fmt.Errorf("%w: layer %d biases [%d, %d] for weights [%d, %d]",
				ErrShapeMismatch, i+1, ld.Biases.rows, ld.Biases.cols, ld.Weights.rows, ld.Weights.cols)
		}
		if i > 0 && ld.Weights.cols != loaded.Layers[i-1].Weights.rows {
			return nil, fmt.Errorf("%w: layer %d expects %d inputs, layer %d outputs %d",
				ErrShapeMismatch, i+1, ld.Weights.cols, i, loaded.Layers[i-1].Weights.rows)
		}
		layer := &Layer{Weights: ld.Weights, Biases: ld.Biases, Kind: ld.Kind}
		layer.setActivation(ld.Activation)
		nw.Layers = append(nw.Layers, layer)
	}
	nw.lambda = loaded.Lambda
	nw.logger.Info("model loaded", "path", filename, "layers", len(nw.Layers))
	return nw, nil
}
