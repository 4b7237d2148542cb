package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/neuralsnap/captioner/neural/nn"
	"github.com/neuralsnap/captioner/neural/nnu/caption"
	"github.com/neuralsnap/captioner/neural/nnu/vocab"
	"github.com/neuralsnap/captioner/neural/tensor"
)

// Example represents one entry in the training data JSON file: a precomputed
// image feature vector paired with its ground-truth caption.
type Example struct {
	Features []float64 `json:"features"`
	Caption  string    `json:"caption"`
}

var (
	trainingDataPath = flag.String("training_data_path", "trainingdata/captions.json", "Path to the training data JSON file")
	modelSavePath    = flag.String("model_save_path", "gob_models/captioning_model.gob", "Path to save the trained captioning model")

	wordDim      = flag.Int("word_dim", 64, "Dimension of word embeddings")
	hiddenDim    = flag.Int("hidden_dim", 128, "Dimension of LSTM hidden states")
	learningRate = flag.Float64("learning_rate", 0.001, "Learning rate for the Adam optimizer")
	clipValue    = flag.Float64("clip_value", 5.0, "Gradient clipping value")
	epochs       = flag.Int("epochs", 10, "Number of training epochs")
	batchSize    = flag.Int("batch_size", 32, "Batch size for training")
	maxSeqLen    = flag.Int("max_seq_len", 16, "Maximum caption length including START and END")
	minWordCount = flag.Int("min_word_count", 1, "Minimum occurrences for a word to enter the vocabulary")
	seed         = flag.Uint64("seed", 42, "Seed for parameter initialization")
)

func main() {
	flag.Parse()
	rand.Seed(time.Now().UnixNano())

	log.Printf("Loading training data from %s", *trainingDataPath)
	examples, err := loadTrainingData(*trainingDataPath)
	if err != nil {
		log.Fatalf("Failed to load training data: %v", err)
	}
	if len(examples) == 0 {
		log.Fatal("Training data is empty")
	}
	featureDim := len(examples[0].Features)
	for i, ex := range examples {
		if len(ex.Features) != featureDim {
			log.Fatalf("Example %d has %d features, want %d", i, len(ex.Features), featureDim)
		}
	}
	log.Printf("Loaded %d examples with %d-dimensional features", len(examples), featureDim)

	log.Println("Building vocabulary...")
	captions := make([]string, len(examples))
	for i, ex := range examples {
		captions[i] = ex.Caption
	}
	v := vocab.Build(captions, *minWordCount)
	log.Printf("Vocabulary size: %d", v.Size())

	log.Println("Initializing captioning model...")
	model, err := caption.NewCaptioningModel(v, featureDim, *wordDim, *hiddenDim, *seed)
	if err != nil {
		log.Fatalf("Failed to create captioning model: %v", err)
	}

	optimizer := nn.NewOptimizer(model.Parameters(), *learningRate, *clipValue)

	log.Println("Starting training...")
	for epoch := 0; epoch < *epochs; epoch++ {
		rand.Shuffle(len(examples), func(i, j int) {
			examples[i], examples[j] = examples[j], examples[i]
		})

		totalLoss := 0.0
		numBatches := (len(examples) + *batchSize - 1) / *batchSize

		for b := 0; b < numBatches; b++ {
			start := b * *batchSize
			end := start + *batchSize
			if end > len(examples) {
				end = len(examples)
			}
			batch := examples[start:end]

			features, encoded, err := prepareBatch(batch, v, featureDim, *maxSeqLen)
			if err != nil {
				log.Fatalf("Failed to prepare batch: %v", err)
			}

			optimizer.ZeroGrad()
			loss, err := model.Loss(features, encoded)
			if err != nil {
				log.Fatalf("Training step failed: %v", err)
			}
			optimizer.Step()

			totalLoss += loss
		}
		log.Printf("Epoch %d/%d Loss: %.4f", epoch+1, *epochs, totalLoss/float64(numBatches))
	}

	log.Printf("Training complete. Saving model to %s", *modelSavePath)
	if err := model.Save(*modelSavePath); err != nil {
		log.Fatalf("Failed to save model: %v", err)
	}
}

func loadTrainingData(filePath string) ([]Example, error) {
	fileContent, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var examples []Example
	if err := json.Unmarshal(fileContent, &examples); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return examples, nil
}

func prepareBatch(batch []Example, v *vocab.Vocabulary, featureDim, maxSeqLen int) (*tensor.Tensor, [][]int, error) {
	batchSize := len(batch)

	featureData := make([]float64, batchSize*featureDim)
	encoded := make([][]int, batchSize)
	for i, ex := range batch {
		copy(featureData[i*featureDim:(i+1)*featureDim], ex.Features)
		ids, err := v.Encode(ex.Caption, maxSeqLen)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode caption %q: %w", ex.Caption, err)
		}
		encoded[i] = ids
	}

	features := tensor.NewTensor([]int{batchSize, featureDim}, featureData, false)
	return features, encoded, nil
}
