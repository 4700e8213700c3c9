package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	. "github.com/b0tShaman/backprop/ml"
)

// -------- MAIN -------- //
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger, "assets/xor.gob", 2000); err != nil {
		logger.Error("xor demo failed", "err", err)
		os.Exit(1)
	}
}

// run trains a 2-4-1 network on XOR and prints its predictions.
func run(logger *slog.Logger, modelFile string, epochs int) error {
	G := runtime.GOMAXPROCS(0)

	// 1. Data: one sample per column
	X := NewMatrixFromRows([][]float64{
		{0, 0, 1, 1},
		{0, 1, 0, 1},
	})
	Y := NewMatrixFromRows([][]float64{
		{0, 1, 1, 0},
	})

	// 2. Initialize Network
	acts, err := ParseActivations("tanh", "sigmoid")
	if err != nil {
		return err
	}
	nw, err := NewNetwork([]int{2, 4, 1}, acts,
		WithSeed(7),
		WithLogger(logger),
		WithAnalyticDerivatives(),
	)
	if err != nil {
		return err
	}
	fmt.Print(nw)

	// Auto-Load weights if they exist
	if modelFile != "" {
		if _, err := os.Stat(modelFile); err == nil {
			if err := nw.LoadFromFile(modelFile); err != nil {
				logger.Warn("model mismatch, starting from scratch", "err", err)
			}
		}
	}

	// 3. Configure & Train
	config := TrainingConfig{
		Epochs:       epochs,
		BatchSize:    4,
		LearningRate: 0.05,
		NumWorkers:   min(G, 2),
		Loss:         LossCrossEntropy,
		Optimizer:    OptAdam,
		VerboseEvery: epochs / 4,
	}
	if modelFile != "" {
		if err := os.MkdirAll(filepath.Dir(modelFile), 0o755); err != nil {
			return err
		}
		config.ModelPath = modelFile
	}

	loss, err := Train(nw, X, Y, config)
	if err != nil {
		return err
	}
	fmt.Printf("final loss: %.4f\n", loss)

	// 4. Inference
	for j := 0; j < X.Cols(); j++ {
		_, score, err := nw.Predict(X.Column(j))
		if err != nil {
			return err
		}
		fmt.Printf("%v -> %.3f\n", X.Column(j), score)
	}
	return nil
}
