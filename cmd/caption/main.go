package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/neuralsnap/captioner/neural/nnu/caption"
	"github.com/neuralsnap/captioner/neural/tensor"
)

var (
	modelPath    = flag.String("model_path", "gob_models/captioning_model.gob", "Path to the trained captioning model")
	featuresPath = flag.String("features_path", "", "Path to a JSON file holding one feature vector per image")
	maxLen       = flag.Int("max_len", 16, "Maximum number of tokens to generate per caption")
)

func main() {
	flag.Parse()
	if *featuresPath == "" {
		log.Fatal("features_path is required")
	}

	model, err := caption.Load(*modelPath)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	log.Printf("Loaded model (vocabulary size %d, feature dim %d)", model.Vocab.Size(), model.FeatureDim)

	features, err := loadFeatures(*featuresPath, model.FeatureDim)
	if err != nil {
		log.Fatalf("Failed to load features: %v", err)
	}

	captions, err := model.Caption(features, *maxLen)
	if err != nil {
		log.Fatalf("Captioning failed: %v", err)
	}
	for i, c := range captions {
		fmt.Printf("%d: %s\n", i, c)
	}
}

// loadFeatures reads a JSON array of feature vectors and packs them into a
// single [N, featureDim] tensor.
func loadFeatures(filePath string, featureDim int) (*tensor.Tensor, error) {
	fileContent, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var vectors [][]float64
	if err := json.Unmarshal(fileContent, &vectors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("feature file %s holds no vectors", filePath)
	}

	data := make([]float64, 0, len(vectors)*featureDim)
	for i, vec := range vectors {
		if len(vec) != featureDim {
			return nil, fmt.Errorf("feature vector %d has %d values, want %d", i, len(vec), featureDim)
		}
		data = append(data, vec...)
	}
	return tensor.NewTensor([]int{len(vectors), featureDim}, data, false), nil
}
