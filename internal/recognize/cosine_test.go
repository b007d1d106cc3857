package recognize

import (
	"math"
	"testing"
)

func TestCosineDistance_Identical(t *testing.T) {
	a := []float32{0.5, 0.3, 0.2}
	if d := CosineDistance(a, a); math.Abs(d) > 1e-9 {
		t.Errorf("expected distance 0 for identical vectors, got %g", d)
	}
}

func TestCosineDistance_Orthogonal(t *testing.T) {
	if d := CosineDistance([]float32{1, 0}, []float32{0, 1}); math.Abs(d-1) > 1e-9 {
		t.Errorf("expected distance 1 for orthogonal vectors, got %g", d)
	}
}

func TestCosineDistance_Opposite(t *testing.T) {
	if d := CosineDistance([]float32{1, 0}, []float32{-1, 0}); math.Abs(d-2) > 1e-9 {
		t.Errorf("expected distance 2 for opposite vectors, got %g", d)
	}
}

func TestCosineDistance_InvalidInput(t *testing.T) {
	if d := CosineDistance([]float32{1, 0}, []float32{1}); d != 2.0 {
		t.Errorf("expected max distance for mismatched lengths, got %g", d)
	}
	if d := CosineDistance(nil, nil); d != 2.0 {
		t.Errorf("expected max distance for empty vectors, got %g", d)
	}
	if d := CosineDistance([]float32{0, 0}, []float32{1, 0}); d != 2.0 {
		t.Errorf("expected max distance for zero vector, got %g", d)
	}
}

func TestCosineDistance_ScaleInvariant(t *testing.T) {
	a := []float32{0.2, 0.7}
	b := []float32{0.4, 1.4}
	if d := CosineDistance(a, b); math.Abs(d) > 1e-6 {
		t.Errorf("expected distance 0 for scaled vectors, got %g", d)
	}
}

func TestIdentityID(t *testing.T) {
	cases := map[string]string{
		"Jiří Novák":    "jiri_novak",
		"  Anna-Marie ": "anna_marie",
		"BERT":          "bert",
		"a  b":          "a_b",
		"":              "",
	}
	for in, want := range cases {
		if got := IdentityID(in); got != want {
			t.Errorf("IdentityID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRemoveDiacritics(t *testing.T) {
	if got := RemoveDiacritics("Jiří"); got != "Jiri" {
		t.Errorf("expected Jiri, got %q", got)
	}
}
