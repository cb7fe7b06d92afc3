package mm1k

import (
	"errors"
	"math"
	"testing"
)

func TestDelayMonotoneAndFinite(t *testing.T) {
	const mu = 833.0 // ~10 Mb/s at 1500 B packets

	for _, k := range []int{1, 5, 10, 50} {
		prev := -1.0
		for rho := 0.0; rho < 1.0; rho += 0.001 {
			w, err := Delay(rho, mu, k)
			if err != nil {
				t.Fatalf("Delay(%v, %v, %d): %v", rho, mu, k, err)
			}
			if math.IsInf(w, 0) || math.IsNaN(w) {
				t.Fatalf("Delay(%v, %v, %d) is not finite: %v", rho, mu, k, w)
			}
			if w < prev {
				t.Fatalf("delay decreased at rho=%v k=%d: %v -> %v", rho, k, prev, w)
			}
			prev = w
		}
	}
}

func TestDelaySaturationBoundary(t *testing.T) {
	const mu = 1000.0
	const k = 10

	w, err := Delay(1.0, mu, k)
	if err != nil {
		t.Fatalf("Delay at rho=1: %v", err)
	}
	want := float64(k+1) / (2 * mu)
	if math.Abs(w-want) > 1e-12 {
		t.Fatalf("boundary delay = %v, want %v", w, want)
	}

	// The general formula must approach the boundary value from below.
	near, err := Delay(0.9999, mu, k)
	if err != nil {
		t.Fatalf("Delay near rho=1: %v", err)
	}
	if math.Abs(near-want) > want*0.01 {
		t.Fatalf("delay near saturation = %v, boundary = %v", near, want)
	}
}

func TestDelayIncreasingLoadScenario(t *testing.T) {
	// Single 10 Mb/s link, K=5: rho 0.0, 0.5, 0.9 must give strictly
	// increasing delay once the zero-load floor is applied by the caller.
	const mu = 10e6 / (8 * 1500)
	const k = 5

	var last float64
	for _, rho := range []float64{0.0, 0.5, 0.9} {
		w, err := Delay(rho, mu, k)
		if err != nil {
			t.Fatalf("Delay(%v): %v", rho, err)
		}
		if rho > 0 && w <= last {
			t.Fatalf("delay not strictly increasing: %v after %v at rho=%v", w, last, rho)
		}
		last = w
	}
}

func TestDelayRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name string
		rho  float64
		mu   float64
		k    int
	}{
		{"negative utilization", -0.1, 100, 5},
		{"utilization above one", 1.5, 100, 5},
		{"zero service rate", 0.5, 0, 5},
		{"zero queue capacity", 0.5, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Delay(tc.rho, tc.mu, tc.k)
			var mie *ModelInputError
			if !errors.As(err, &mie) {
				t.Fatalf("expected ModelInputError, got %v", err)
			}
		})
	}
}

func TestBlocking(t *testing.T) {
	// rho=0.5, K=2: P_K = 0.5 * 0.25 / (1 - 0.125) = 1/7.
	p, err := Blocking(0.5, 2)
	if err != nil {
		t.Fatalf("Blocking: %v", err)
	}
	if math.Abs(p-1.0/7.0) > 1e-12 {
		t.Fatalf("Blocking(0.5, 2) = %v, want %v", p, 1.0/7.0)
	}

	p, err = Blocking(1.0, 9)
	if err != nil {
		t.Fatalf("Blocking at rho=1: %v", err)
	}
	if math.Abs(p-0.1) > 1e-12 {
		t.Fatalf("Blocking(1, 9) = %v, want 0.1", p)
	}
}
