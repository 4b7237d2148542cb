// Package caption implements an image-captioning model: image feature vectors
// condition an LSTM decoder through its initial hidden state, and the decoder
// emits one vocabulary distribution per timestep. Training uses teacher
// forcing against ground-truth captions; inference samples greedily.
package caption

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/rand"

	"github.com/neuralsnap/captioner/neural/nn"
	"github.com/neuralsnap/captioner/neural/nnu/vocab"
	"github.com/neuralsnap/captioner/neural/tensor"
)

// CaptioningModel holds every learnable parameter of the decoder.
type CaptioningModel struct {
	Vocab *vocab.Vocabulary

	FeatureDim int // image feature width
	WordDim    int // word embedding width
	HiddenDim  int // LSTM hidden width

	Embedding   *nn.Embedding // token IDs -> word vectors
	FeatureProj *nn.Linear    // image features -> initial hidden state
	Output      *nn.Linear    // hidden states -> vocabulary scores

	Wx *tensor.Tensor // (WordDim, 4*HiddenDim)
	Wh *tensor.Tensor // (HiddenDim, 4*HiddenDim)
	B  *tensor.Tensor // (4*HiddenDim)
}

// NewCaptioningModel creates a model with randomly initialized parameters.
// The seed makes initialization reproducible.
func NewCaptioningModel(v *vocab.Vocabulary, featureDim, wordDim, hiddenDim int, seed uint64) (*CaptioningModel, error) {
	if v == nil {
		return nil, fmt.Errorf("captioning model requires a vocabulary")
	}
	if featureDim <= 0 || wordDim <= 0 || hiddenDim <= 0 {
		return nil, fmt.Errorf("model dimensions must be positive, got feature=%d word=%d hidden=%d", featureDim, wordDim, hiddenDim)
	}

	embedding, err := nn.NewEmbedding(v.Size(), wordDim)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	featureProj, err := nn.NewLinear(featureDim, hiddenDim)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature projection: %w", err)
	}
	output, err := nn.NewLinear(hiddenDim, v.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to create output layer: %w", err)
	}

	rng := rand.New(rand.NewSource(seed))
	wx := randomWeights([]int{wordDim, 4 * hiddenDim}, 1.0/math.Sqrt(float64(wordDim)), rng)
	wh := randomWeights([]int{hiddenDim, 4 * hiddenDim}, 1.0/math.Sqrt(float64(hiddenDim)), rng)
	b := tensor.NewTensor([]int{4 * hiddenDim}, nil, true)

	return &CaptioningModel{
		Vocab:       v,
		FeatureDim:  featureDim,
		WordDim:     wordDim,
		HiddenDim:   hiddenDim,
		Embedding:   embedding,
		FeatureProj: featureProj,
		Output:      output,
		Wx:          wx,
		Wh:          wh,
		B:           b,
	}, nil
}

func randomWeights(shape []int, scale float64, rng *rand.Rand) *tensor.Tensor {
	t := tensor.NewTensor(shape, nil, true)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * scale
	}
	return t
}

// Parameters returns every learnable tensor, for the optimizer.
func (m *CaptioningModel) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{m.Wx, m.Wh, m.B}
	params = append(params, m.Embedding.Parameters()...)
	params = append(params, m.FeatureProj.Parameters()...)
	params = append(params, m.Output.Parameters()...)
	return params
}

// Loss runs a full teacher-forced training pass over a batch and accumulates
// parameter gradients.
//
// features has shape (N, FeatureDim) and captions holds N encoded token
// sequences of equal length T. The decoder consumes captions[:, :T-1] as
// input and is scored against captions[:, 1:]; positions whose target is the
// NULL padding token contribute nothing to the loss or the gradients.
func (m *CaptioningModel) Loss(features *tensor.Tensor, captions [][]int) (float64, error) {
	if features == nil || len(features.Shape) != 2 || features.Shape[1] != m.FeatureDim {
		return 0, fmt.Errorf("features must have shape [N, %d], got %v", m.FeatureDim, shapeOf(features))
	}
	batchSize := features.Shape[0]
	if len(captions) != batchSize {
		return 0, fmt.Errorf("got %d captions for a batch of %d feature vectors", len(captions), batchSize)
	}
	seqLen := 0
	for i, c := range captions {
		if i == 0 {
			seqLen = len(c)
		} else if len(c) != seqLen {
			return 0, fmt.Errorf("caption %d has length %d, want %d; encode captions to a fixed length first", i, len(c), seqLen)
		}
	}
	if seqLen < 2 {
		return 0, fmt.Errorf("captions must hold at least two tokens, got %d", seqLen)
	}

	// Teacher forcing: shift the captions by one position.
	steps := seqLen - 1
	inputIDs := make([]int, 0, batchSize*steps)
	targetIDs := make([]int, 0, batchSize*steps)
	for _, c := range captions {
		inputIDs = append(inputIDs, c[:steps]...)
		targetIDs = append(targetIDs, c[1:]...)
	}

	h0, err := m.FeatureProj.Forward(features)
	if err != nil {
		return 0, fmt.Errorf("feature projection failed: %w", err)
	}

	embedded, err := m.Embedding.Forward(inputIDs, batchSize, steps)
	if err != nil {
		return 0, fmt.Errorf("caption embedding failed: %w", err)
	}

	hidden, caches, err := nn.SequenceForward(embedded, h0, m.Wx, m.Wh, m.B)
	if err != nil {
		return 0, fmt.Errorf("decoder forward failed: %w", err)
	}
	hidden.RequiresGrad = true

	logits, err := m.Output.Forward(hidden)
	if err != nil {
		return 0, fmt.Errorf("output projection failed: %w", err)
	}

	loss, dLogits, err := nn.TemporalSoftmaxLoss(logits, targetIDs, m.Vocab.NullID)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %w", err)
	}

	// Backward pass, output layer first.
	if err := m.Output.Backward(dLogits); err != nil {
		return 0, fmt.Errorf("output backward failed: %w", err)
	}
	if hidden.Grad == nil {
		return 0, fmt.Errorf("output backward produced no hidden-state gradient")
	}

	dEmbedded, dH0, dWx, dWh, dB, err := nn.SequenceBackward(hidden.Grad, caches)
	if err != nil {
		return 0, fmt.Errorf("decoder backward failed: %w", err)
	}
	if err := m.Wx.AccumulateGrad(dWx); err != nil {
		return 0, err
	}
	if err := m.Wh.AccumulateGrad(dWh); err != nil {
		return 0, err
	}
	if err := m.B.AccumulateGrad(dB); err != nil {
		return 0, err
	}

	if err := m.Embedding.Backward(dEmbedded); err != nil {
		return 0, fmt.Errorf("embedding backward failed: %w", err)
	}
	if err := m.FeatureProj.Backward(dH0); err != nil {
		return 0, fmt.Errorf("feature projection backward failed: %w", err)
	}

	return loss, nil
}

// Sample generates a caption for every feature vector by greedy decoding:
// each step feeds the single most likely token back in as the next input.
// Decoding is fully deterministic. Once a sequence emits the END token its
// remaining positions are filled with NULL padding.
func (m *CaptioningModel) Sample(features *tensor.Tensor, maxLen int) ([][]int, error) {
	if features == nil || len(features.Shape) != 2 || features.Shape[1] != m.FeatureDim {
		return nil, fmt.Errorf("features must have shape [N, %d], got %v", m.FeatureDim, shapeOf(features))
	}
	if maxLen < 1 {
		return nil, fmt.Errorf("maximum caption length must be positive, got %d", maxLen)
	}
	batchSize := features.Shape[0]

	h, err := m.FeatureProj.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("feature projection failed: %w", err)
	}
	c := tensor.NewTensor([]int{batchSize, m.HiddenDim}, nil, false)

	current := make([]int, batchSize)
	ended := make([]bool, batchSize)
	for i := range current {
		current[i] = m.Vocab.StartID
	}

	sampled := make([][]int, batchSize)
	for i := range sampled {
		sampled[i] = make([]int, maxLen)
	}

	for t := 0; t < maxLen; t++ {
		embedded, err := m.Embedding.Forward(current, batchSize, 1)
		if err != nil {
			return nil, fmt.Errorf("embedding failed at step %d: %w", t, err)
		}
		x, err := embedded.Reshape([]int{batchSize, m.WordDim})
		if err != nil {
			return nil, err
		}

		h, c, _, err = nn.StepForward(x, h, c, m.Wx, m.Wh, m.B)
		if err != nil {
			return nil, fmt.Errorf("decoder step %d failed: %w", t, err)
		}

		logits, err := m.Output.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("output projection failed at step %d: %w", t, err)
		}
		best, err := logits.Argmax(-1)
		if err != nil {
			return nil, err
		}

		for i := 0; i < batchSize; i++ {
			token := int(best.Data[i])
			if ended[i] {
				token = m.Vocab.NullID
			}
			sampled[i][t] = token
			current[i] = token
			if token == m.Vocab.EndID {
				ended[i] = true
			}
		}
	}

	return sampled, nil
}

// Caption generates and decodes captions for a batch of feature vectors.
func (m *CaptioningModel) Caption(features *tensor.Tensor, maxLen int) ([]string, error) {
	sampled, err := m.Sample(features, maxLen)
	if err != nil {
		return nil, err
	}
	captions := make([]string, len(sampled))
	for i, ids := range sampled {
		captions[i] = m.Vocab.Decode(ids)
	}
	return captions, nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}

// Save writes the model to a gob file. Gradients are not persisted.
func (m *CaptioningModel) Save(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create model file %s: %w", filePath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(m); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return nil
}

// Load reads a model from a gob file.
func Load(filePath string) (*CaptioningModel, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file %s: %w", filePath, err)
	}
	defer file.Close()

	m := new(CaptioningModel)
	if err := gob.NewDecoder(file).Decode(m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return m, nil
}
