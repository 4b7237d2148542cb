package nn

import (
	"math"
	"math/rand"
	"testing"

	. "github.com/neuralsnap/captioner/neural/tensor"
)

func TestTemporalSoftmaxLossUniformScores(t *testing.T) {
	const N, T, V = 2, 3, 4
	logits := NewTensor([]int{N, T, V}, nil, false)
	targets := []int{0, 1, 2, 3, 0, 1}

	loss, grad, err := TemporalSoftmaxLoss(logits, targets, -1)
	if err != nil {
		t.Fatalf("TemporalSoftmaxLoss failed: %v", err)
	}

	// With all-zero scores every position contributes log(V).
	want := math.Log(V)
	if math.Abs(loss-want) > 1e-12 {
		t.Fatalf("loss = %v, want %v", loss, want)
	}
	if len(grad.Data) != N*T*V {
		t.Fatalf("gradient has %d elements, want %d", len(grad.Data), N*T*V)
	}
}

func TestTemporalSoftmaxLossMasksNullPositions(t *testing.T) {
	const N, T, V, nullID = 2, 3, 5, 0
	rng := rand.New(rand.NewSource(17))
	logits := randomUpstream([]int{N, T, V}, rng)
	targets := []int{2, 4, nullID, 3, nullID, nullID}

	loss, grad, err := TemporalSoftmaxLoss(logits, targets, nullID)
	if err != nil {
		t.Fatalf("TemporalSoftmaxLoss failed: %v", err)
	}
	if loss <= 0 {
		t.Fatalf("expected a positive loss, got %v", loss)
	}

	// Masked positions contribute nothing to the gradient, even where the
	// score row happens to favor the null token.
	for _, pos := range []int{2, 4, 5} {
		row := grad.Data[pos*V : (pos+1)*V]
		for i, v := range row {
			if v != 0 {
				t.Fatalf("masked position %d has nonzero gradient %v at element %d", pos, v, i)
			}
		}
	}

	// Unmasked gradient rows sum to zero (softmax minus one-hot).
	for _, pos := range []int{0, 1, 3} {
		sum := 0.0
		for _, v := range grad.Data[pos*V : (pos+1)*V] {
			sum += v
		}
		if math.Abs(sum) > 1e-12 {
			t.Fatalf("gradient row %d sums to %v, want 0", pos, sum)
		}
	}
}

func TestTemporalSoftmaxLossAllMasked(t *testing.T) {
	const N, T, V, nullID = 1, 2, 3, 0
	rng := rand.New(rand.NewSource(3))
	logits := randomUpstream([]int{N, T, V}, rng)

	loss, grad, err := TemporalSoftmaxLoss(logits, []int{nullID, nullID}, nullID)
	if err != nil {
		t.Fatalf("TemporalSoftmaxLoss failed: %v", err)
	}
	if loss != 0 {
		t.Fatalf("loss = %v, want 0 when every position is masked", loss)
	}
	for i, v := range grad.Data {
		if v != 0 {
			t.Fatalf("gradient element %d is %v, want 0", i, v)
		}
	}
}

func TestTemporalSoftmaxLossGradient(t *testing.T) {
	const N, T, V, nullID = 2, 4, 6, 0
	rng := rand.New(rand.NewSource(1234))
	logits := randomUpstream([]int{N, T, V}, rng)
	targets := make([]int, N*T)
	for i := range targets {
		targets[i] = rng.Intn(V)
	}
	targets[3] = nullID
	targets[6] = nullID

	_, grad, err := TemporalSoftmaxLoss(logits, targets, nullID)
	if err != nil {
		t.Fatalf("TemporalSoftmaxLoss failed: %v", err)
	}

	numeric := numericGradient(t, logits, func() float64 {
		loss, _, err := TemporalSoftmaxLoss(logits, targets, nullID)
		if err != nil {
			t.Fatalf("TemporalSoftmaxLoss failed: %v", err)
		}
		return loss
	})
	assertClose(t, "loss gradient", grad, numeric, 1e-6)
}

func TestTemporalSoftmaxLossLargeScoresStable(t *testing.T) {
	const N, T, V = 1, 1, 3
	logits := NewTensor([]int{N, T, V}, []float64{1000, 1000, 1000}, false)

	loss, _, err := TemporalSoftmaxLoss(logits, []int{1}, -1)
	if err != nil {
		t.Fatalf("TemporalSoftmaxLoss failed: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss is not finite: %v", loss)
	}
	want := math.Log(V)
	if math.Abs(loss-want) > 1e-9 {
		t.Fatalf("loss = %v, want %v", loss, want)
	}
}
