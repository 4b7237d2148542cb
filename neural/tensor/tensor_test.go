package tensor

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"testing"
)

func TestNewTensorZeroFills(t *testing.T) {
	tsr := NewTensor([]int{2, 3}, nil, false)
	if tsr.Size() != 6 {
		t.Fatalf("Size() = %d, want 6", tsr.Size())
	}
	for i, v := range tsr.Data {
		if v != 0 {
			t.Fatalf("element %d = %v, want 0", i, v)
		}
	}
}

func TestNewTensorPanicsOnSizeMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for mismatched data length")
		}
	}()
	NewTensor([]int{2, 2}, []float64{1, 2, 3}, false)
}

func TestMatMulSmall(t *testing.T) {
	a := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, false)
	b := NewTensor([]int{3, 2}, []float64{7, 8, 9, 10, 11, 12}, false)

	got, err := a.MatMul(b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	want := []float64{58, 64, 139, 154}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("element %d = %v, want %v", i, got.Data[i], want[i])
		}
	}

	if _, err := a.MatMul(NewTensor([]int{2, 2}, nil, false)); err == nil {
		t.Fatal("expected an error for incompatible inner dimensions")
	}
}

// The BLAS-backed path above the size threshold must agree with the plain
// loop used for small products.
func TestMatMulLargeMatchesNaive(t *testing.T) {
	const rows, inner, cols = 70, 70, 9
	rng := rand.New(rand.NewSource(5))
	a := NewTensor([]int{rows, inner}, nil, false)
	b := NewTensor([]int{inner, cols}, nil, false)
	for i := range a.Data {
		a.Data[i] = rng.NormFloat64()
	}
	for i := range b.Data {
		b.Data[i] = rng.NormFloat64()
	}

	got, err := a.MatMul(b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			sum := 0.0
			for k := 0; k < inner; k++ {
				sum += a.Data[i*inner+k] * b.Data[k*cols+j]
			}
			if math.Abs(got.Data[i*cols+j]-sum) > 1e-9 {
				t.Fatalf("element (%d,%d) = %v, want %v", i, j, got.Data[i*cols+j], sum)
			}
		}
	}
}

func TestTranspose2D(t *testing.T) {
	a := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, false)
	got, err := a.Transpose(0, 1)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if got.Shape[0] != 3 || got.Shape[1] != 2 {
		t.Fatalf("shape = %v, want [3 2]", got.Shape)
	}
	want := []float64{1, 4, 2, 5, 3, 6}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("element %d = %v, want %v", i, got.Data[i], want[i])
		}
	}
}

func TestAddWithBroadcastBias(t *testing.T) {
	a := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, false)
	bias := NewTensor([]int{3}, []float64{10, 20, 30}, false)

	got, err := a.AddWithBroadcast(bias)
	if err != nil {
		t.Fatalf("AddWithBroadcast failed: %v", err)
	}
	want := []float64{11, 22, 33, 14, 25, 36}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("element %d = %v, want %v", i, got.Data[i], want[i])
		}
	}

	bad := NewTensor([]int{4}, nil, false)
	if _, err := a.AddWithBroadcast(bad); err == nil {
		t.Fatal("expected an error for unbroadcastable shapes")
	}
}

func TestSliceAndSetSliceMiddleAxis(t *testing.T) {
	a := NewTensor([]int{2, 3, 2}, []float64{
		0, 1, 2, 3, 4, 5,
		6, 7, 8, 9, 10, 11,
	}, false)

	got, err := a.Slice(1, 1, 2)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if got.Shape[0] != 2 || got.Shape[1] != 1 || got.Shape[2] != 2 {
		t.Fatalf("slice shape = %v, want [2 1 2]", got.Shape)
	}
	want := []float64{2, 3, 8, 9}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("slice element %d = %v, want %v", i, got.Data[i], want[i])
		}
	}

	repl := NewTensor([]int{2, 1, 2}, []float64{-1, -2, -3, -4}, false)
	if err := a.SetSlice(1, 1, repl); err != nil {
		t.Fatalf("SetSlice failed: %v", err)
	}
	roundTrip, err := a.Slice(1, 1, 2)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	for i := range repl.Data {
		if roundTrip.Data[i] != repl.Data[i] {
			t.Fatalf("round-trip element %d = %v, want %v", i, roundTrip.Data[i], repl.Data[i])
		}
	}
	// Elements outside the written slice are untouched.
	if a.Data[0] != 0 || a.Data[4] != 4 || a.Data[10] != 10 {
		t.Fatalf("SetSlice clobbered data outside the target slice: %v", a.Data)
	}
}

func TestConcatAndSplitRoundTrip(t *testing.T) {
	a := NewTensor([]int{2, 2}, []float64{1, 2, 3, 4}, false)
	b := NewTensor([]int{2, 3}, []float64{5, 6, 7, 8, 9, 10}, false)

	joined, err := Concat([]*Tensor{a, b}, 1)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if joined.Shape[0] != 2 || joined.Shape[1] != 5 {
		t.Fatalf("shape = %v, want [2 5]", joined.Shape)
	}
	want := []float64{1, 2, 5, 6, 7, 3, 4, 8, 9, 10}
	for i := range want {
		if joined.Data[i] != want[i] {
			t.Fatalf("element %d = %v, want %v", i, joined.Data[i], want[i])
		}
	}

	parts, err := Split(joined, 1, []int{2, 3})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("Split returned %d parts, want 2", len(parts))
	}
	for i := range a.Data {
		if parts[0].Data[i] != a.Data[i] {
			t.Fatalf("first part element %d = %v, want %v", i, parts[0].Data[i], a.Data[i])
		}
	}
	for i := range b.Data {
		if parts[1].Data[i] != b.Data[i] {
			t.Fatalf("second part element %d = %v, want %v", i, parts[1].Data[i], b.Data[i])
		}
	}
}

func TestSumAxis(t *testing.T) {
	a := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, false)

	cols, err := a.Sum(0)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	wantCols := []float64{5, 7, 9}
	for i := range wantCols {
		if cols.Data[i] != wantCols[i] {
			t.Fatalf("column sum %d = %v, want %v", i, cols.Data[i], wantCols[i])
		}
	}

	rows, err := a.Sum(1)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	wantRows := []float64{6, 15}
	for i := range wantRows {
		if rows.Data[i] != wantRows[i] {
			t.Fatalf("row sum %d = %v, want %v", i, rows.Data[i], wantRows[i])
		}
	}
}

func TestArgmaxLastAxis(t *testing.T) {
	a := NewTensor([]int{2, 4}, []float64{
		0.1, 0.9, 0.3, 0.2,
		5, 1, 7, 2,
	}, false)

	got, err := a.Argmax(-1)
	if err != nil {
		t.Fatalf("Argmax failed: %v", err)
	}
	if got.Data[0] != 1 || got.Data[1] != 2 {
		t.Fatalf("argmax = %v, want [1 2]", got.Data)
	}
}

func TestActivationBackwards(t *testing.T) {
	const eps = 1e-6
	xs := []float64{-2, -0.5, 0, 0.3, 1.7}
	x := NewTensor([]int{len(xs)}, xs, false)
	up := NewTensor([]int{len(xs)}, []float64{1, 1, 1, 1, 1}, false)

	s, err := x.Sigmoid()
	if err != nil {
		t.Fatalf("Sigmoid failed: %v", err)
	}
	ds, err := up.SigmoidBackward(s)
	if err != nil {
		t.Fatalf("SigmoidBackward failed: %v", err)
	}
	y, err := x.Tanh()
	if err != nil {
		t.Fatalf("Tanh failed: %v", err)
	}
	dy, err := up.TanhBackward(y)
	if err != nil {
		t.Fatalf("TanhBackward failed: %v", err)
	}

	for i, v := range xs {
		sigSlope := (sigmoidAt(v+eps) - sigmoidAt(v-eps)) / (2 * eps)
		if math.Abs(ds.Data[i]-sigSlope) > 1e-8 {
			t.Fatalf("sigmoid derivative at %v = %v, want %v", v, ds.Data[i], sigSlope)
		}
		tanhSlope := (math.Tanh(v+eps) - math.Tanh(v-eps)) / (2 * eps)
		if math.Abs(dy.Data[i]-tanhSlope) > 1e-8 {
			t.Fatalf("tanh derivative at %v = %v, want %v", v, dy.Data[i], tanhSlope)
		}
	}
}

func sigmoidAt(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func TestAccumulateGrad(t *testing.T) {
	p := NewTensor([]int{2}, []float64{1, 2}, true)
	if err := p.AccumulateGrad(NewTensor([]int{2}, []float64{0.5, -0.5}, false)); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if err := p.AccumulateGrad(NewTensor([]int{2}, []float64{1, 1}, false)); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if p.Grad.Data[0] != 1.5 || p.Grad.Data[1] != 0.5 {
		t.Fatalf("accumulated gradient = %v, want [1.5 0.5]", p.Grad.Data)
	}

	if err := p.AccumulateGrad(NewTensor([]int{3}, nil, false)); err == nil {
		t.Fatal("expected an error for mismatched gradient shape")
	}

	p.ZeroGrad()
	if p.Grad.Data[0] != 0 || p.Grad.Data[1] != 0 {
		t.Fatalf("ZeroGrad left gradient %v", p.Grad.Data)
	}
}

func TestGobRoundTripDropsGrad(t *testing.T) {
	p := NewTensor([]int{2, 2}, []float64{1, 2, 3, 4}, true)
	if err := p.AccumulateGrad(NewTensor([]int{2, 2}, []float64{9, 9, 9, 9}, false)); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		t.Fatalf("gob encode failed: %v", err)
	}
	var back Tensor
	if err := gob.NewDecoder(&buf).Decode(&back); err != nil {
		t.Fatalf("gob decode failed: %v", err)
	}

	if !compareShapes(back.Shape, p.Shape) {
		t.Fatalf("decoded shape = %v, want %v", back.Shape, p.Shape)
	}
	for i := range p.Data {
		if back.Data[i] != p.Data[i] {
			t.Fatalf("decoded element %d = %v, want %v", i, back.Data[i], p.Data[i])
		}
	}
	if !back.RequiresGrad {
		t.Fatal("decoded tensor lost its RequiresGrad flag")
	}
	if back.Grad != nil {
		t.Fatal("gradients must not survive serialization")
	}
}
