package ml

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

type TrainingConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	ModelPath    string // saved after the last epoch when set
	NumWorkers   int
	VerboseEvery int // How often to log progress (in epochs)

	Loss LossKind

	// Optimizer Selection
	Optimizer OptimizerType

	// Optimizer Hyperparameters (Zero values will use defaults)
	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64 // For Adam (usually 0.9)
	AdamBeta2  float64 // For Adam (usually 0.999)
	AdamEps    float64 // For Adam (usually 1e-8)
}

// worker is one data-parallel training stream: a clone sharing parameters
// with the master network, plus its own input and target buffers.
type worker struct {
	nw   *NeuralNetwork
	x, y *Matrix
	loss float64
	err  error
}

// Train runs mini-batch training of nw on X [features, samples] and
// Y [outputs, samples] and returns the mean loss of the last epoch. Each
// batch is split across NumWorkers clones running forward, loss and backward
// concurrently; their gradients are averaged and applied once per batch.
func Train(nw *NeuralNetwork, X, Y *Matrix, cfg TrainingConfig) (float64, error) {
	cfg, err := validateConfig(nw, X, Y, cfg)
	if err != nil {
		return 0, err
	}
	nw.logger.Info("training", "epochs", cfg.Epochs, "batch_size", cfg.BatchSize,
		"workers", cfg.NumWorkers, "optimizer", string(cfg.Optimizer), "loss", cfg.Loss.String())

	// 1. Setup & Allocation
	optimizer := NewOptimizer(cfg)
	localBatchSize := cfg.BatchSize / cfg.NumWorkers
	numSamples := X.cols

	workers := initializeWorkers(nw, cfg.NumWorkers, localBatchSize)
	finalGrads := initializeMasterGradients(nw)
	globalIndices := NewIndexList(numSamples)
	rng := rand.New(nw.src)

	// 2. Training Loop
	start := time.Now()
	var avgLoss float64

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		ShuffleIndices(rng, globalIndices)

		var totalLoss float64
		batchesProcessed := 0

		for batchStart := 0; batchStart+cfg.BatchSize <= numSamples; batchStart += cfg.BatchSize {
			var wg sync.WaitGroup
			wg.Add(cfg.NumWorkers)

			// --- A. Data Parallelism: Dispatch Workers ---
			for i := range workers {
				go func(w *worker, id int) {
					defer wg.Done()
					wStart := batchStart + (id * localBatchSize)
					Gather(globalIndices[wStart:wStart+localBatchSize], X, Y, w.x, w.y)
					w.loss, w.err = w.step(cfg.Loss)
				}(workers[i], i)
			}
			wg.Wait()

			if err := joinWorkerErrors(workers); err != nil {
				return 0, fmt.Errorf("epoch %d: %w", epoch, err)
			}

			// --- B. Aggregation Logic ---
			scale := 1.0 / float64(cfg.NumWorkers)
			for l := range finalGrads {
				finalDW := finalGrads[l].DW
				finalDB := finalGrads[l].DB

				// Initialize with Worker 0
				copy(finalDW.data, workers[0].nw.grads[l].DW.data)
				copy(finalDB.data, workers[0].nw.grads[l].DB.data)

				// Sum remaining workers
				for _, w := range workers[1:] {
					floats.Add(finalDW.data, w.nw.grads[l].DW.data)
					floats.Add(finalDB.data, w.nw.grads[l].DB.data)
				}

				floats.Scale(scale, finalDW.data)
				floats.Scale(scale, finalDB.data)
			}

			// --- C. Optimization & Tracking ---
			optimizer.Update(nw, finalGrads)

			for _, w := range workers {
				totalLoss += w.loss * scale
			}
			batchesProcessed++
		}

		avgLoss = totalLoss / float64(batchesProcessed)
		if epoch == 1 || epoch == cfg.Epochs || (cfg.VerboseEvery > 0 && epoch%cfg.VerboseEvery == 0) {
			nw.logger.Info("epoch", "epoch", epoch, "loss", avgLoss, "elapsed", time.Since(start))
		}
	}

	if cfg.ModelPath != "" {
		if err := nw.SaveToFile(cfg.ModelPath); err != nil {
			return avgLoss, err
		}
	}
	nw.logger.Info("training complete", "elapsed", time.Since(start), "loss", avgLoss)
	return avgLoss, nil
}

// step runs forward, loss and backward on the worker's current buffers.
func (w *worker) step(kind LossKind) (float64, error) {
	out, err := w.nw.Forward(w.x)
	if err != nil {
		return 0, err
	}
	loss, err := w.nw.Loss(kind, out, w.y)
	if err != nil {
		return 0, err
	}
	if err := w.nw.Backward(out, w.y, kind); err != nil {
		return 0, err
	}
	return loss, nil
}

func joinWorkerErrors(workers []*worker) error {
	var errs []error
	for i, w := range workers {
		if w.err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", i, w.err))
		}
	}
	return errors.Join(errs...)
}

func validateConfig(nw *NeuralNetwork, X, Y *Matrix, cfg TrainingConfig) (TrainingConfig, error) {
	if len(nw.Layers) == 0 {
		return cfg, ErrNoLayers
	}
	if cfg.Loss == LossUnset {
		return cfg, ErrLossNotSelected
	}
	if X.rows != nw.InputSize() || Y.rows != nw.OutputSize() || X.cols != Y.cols {
		return cfg, fmt.Errorf("%w: X [%d, %d], Y [%d, %d] for a %d -> %d network",
			ErrShapeMismatch, X.rows, X.cols, Y.rows, Y.cols, nw.InputSize(), nw.OutputSize())
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 1
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = X.cols
	}
	if cfg.BatchSize > X.cols {
		return cfg, fmt.Errorf("batch size %d exceeds %d samples", cfg.BatchSize, X.cols)
	}
	if cfg.BatchSize%cfg.NumWorkers != 0 {
		return cfg, fmt.Errorf("batch size %d must be divisible by %d workers", cfg.BatchSize, cfg.NumWorkers)
	}
	return cfg, nil
}

// initializeWorkers creates clones of the network with per-worker buffers
func initializeWorkers(nw *NeuralNetwork, numWorkers, localBatchSize int) []*worker {
	nw.logger.Debug("initializing workers", "workers", numWorkers, "worker_batch", localBatchSize)

	workers := make([]*worker, numWorkers)
	for i := range workers {
		workers[i] = &worker{
			nw: nw.CloneStructure(),
			x:  NewMatrix(nw.InputSize(), localBatchSize),
			y:  NewMatrix(nw.OutputSize(), localBatchSize),
		}
	}
	return workers
}

// initializeMasterGradients allocates the buffer for aggregated gradients
func initializeMasterGradients(nw *NeuralNetwork) []GradientSet {
	finalGrads := make([]GradientSet, len(nw.Layers))
	for l, layer := range nw.Layers {
		finalGrads[l].DW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
		finalGrads[l].DB = NewMatrix(layer.Biases.rows, layer.Biases.cols)
	}
	return finalGrads
}

// ------ DATA HANDLING HELPERS ------
func NewIndexList(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func ShuffleIndices(rng *rand.Rand, indices []int) {
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
}

// Gather copies the sample columns listed in batchIndices from the global X
// and Y into the worker's contiguous buffers, column k of the destination
// taking sample batchIndices[k].
func Gather(batchIndices []int, globalX, globalY, destX, destY *Matrix) {
	gatherColumns(batchIndices, globalX, destX)
	gatherColumns(batchIndices, globalY, destY)
}

func gatherColumns(batchIndices []int, src, dst *Matrix) {
	if dst.rows != src.rows || dst.cols != len(batchIndices) {
		shapePanic("Gather", src.rows, len(batchIndices), dst.rows, dst.cols)
	}
	for r := 0; r < src.rows; r++ {
		srcRow := src.data[r*src.cols : (r+1)*src.cols]
		dstRow := dst.data[r*dst.cols : (r+1)*dst.cols]
		for k, idx := range batchIndices {
			dstRow[k] = srcRow[idx]
		}
	}
}
