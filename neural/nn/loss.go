package nn

import (
	"fmt"
	"math"

	. "github.com/neuralsnap/captioner/neural/tensor"
)

// TemporalSoftmaxLoss computes the mean softmax cross-entropy over a batch of
// score sequences, skipping every position whose target equals nullID.
//
// logits has shape [batch, seqLen, vocabSize] and targets holds batch*seqLen
// token IDs in row-major order. Positions with target == nullID contribute
// neither to the loss nor to the returned gradient, and the loss is averaged
// over the remaining positions only. The returned gradient has the same shape
// as logits.
func TemporalSoftmaxLoss(logits *Tensor, targets []int, nullID int) (float64, *Tensor, error) {
	if logits == nil || len(logits.Shape) != 3 {
		return 0, nil, fmt.Errorf("temporal softmax loss expects 3D logits, got %v", shapeOf(logits))
	}
	batchSize := logits.Shape[0]
	seqLen := logits.Shape[1]
	vocabSize := logits.Shape[2]
	if len(targets) != batchSize*seqLen {
		return 0, nil, fmt.Errorf("temporal softmax loss expects %d targets, got %d", batchSize*seqLen, len(targets))
	}

	grad := NewTensor(logits.Shape, nil, false)

	totalLoss := 0.0
	numValid := 0
	probs := make([]float64, vocabSize)

	for pos := 0; pos < batchSize*seqLen; pos++ {
		target := targets[pos]
		if target == nullID {
			continue
		}
		if target < 0 || target >= vocabSize {
			return 0, nil, fmt.Errorf("target id %d out of range for vocabulary of size %d", target, vocabSize)
		}

		row := logits.Data[pos*vocabSize : (pos+1)*vocabSize]

		// Shift by the row max for numerical stability.
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sumExp := 0.0
		for i, v := range row {
			probs[i] = math.Exp(v - maxLogit)
			sumExp += probs[i]
		}
		for i := range probs {
			probs[i] /= sumExp
		}

		totalLoss += -math.Log(probs[target])
		numValid++

		gradRow := grad.Data[pos*vocabSize : (pos+1)*vocabSize]
		copy(gradRow, probs)
		gradRow[target] -= 1.0
	}

	if numValid == 0 {
		return 0, grad, nil
	}

	scale := 1.0 / float64(numValid)
	for i := range grad.Data {
		grad.Data[i] *= scale
	}
	return totalLoss * scale, grad, nil
}

func shapeOf(t *Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
