// Package mm1k estimates per-link queueing delay with an M/M/1/K model:
// a single-server queue with exponential arrivals and service and a finite
// buffer of K slots. Unlike plain M/M/1 the expected delay stays finite as
// utilization approaches 1, which is what makes it usable as a routing
// weight near saturation.
package mm1k

import "fmt"

// saturationEpsilon is the band around rho = 1 treated as the boundary
// case, where the closed-form occupancy distribution degenerates to
// uniform 1/(K+1).
const saturationEpsilon = 1e-9

// ModelInputError reports an argument outside the model's domain.
type ModelInputError struct {
	Param string
	Value float64
}

func (e *ModelInputError) Error() string {
	return fmt.Sprintf("mm1k: invalid %s: %v", e.Param, e.Value)
}

// Delay returns the expected sojourn time W in seconds for a link with
// utilization rho (0 <= rho <= 1), service rate mu in packets per second
// and queue capacity k in packets.
//
// The arrival rate is taken as lambda = rho * mu. With
//
//	P_K     = (1-rho) * rho^K / (1 - rho^(K+1))   (blocking probability)
//	lamEff  = lambda * (1 - P_K)
//	L       = rho/(1-rho) - (K+1) rho^(K+1) / (1 - rho^(K+1))
//
// Little's law gives W = L / lamEff. At rho = 1 the occupancy distribution
// is uniform over {0..K}, so L = K/2, P_K = 1/(K+1) and W = (K+1)/(2 mu).
// At rho = 0 the queue is empty and W is 0; callers floor the result at
// the link's propagation delay.
func Delay(rho, mu float64, k int) (float64, error) {
	if rho < 0 || rho > 1 {
		return 0, &ModelInputError{Param: "utilization", Value: rho}
	}
	if mu <= 0 {
		return 0, &ModelInputError{Param: "service rate", Value: mu}
	}
	if k < 1 {
		return 0, &ModelInputError{Param: "queue capacity", Value: float64(k)}
	}

	kf := float64(k)
	if rho > 1-saturationEpsilon {
		// Saturation boundary: uniform occupancy over K+1 states.
		return (kf + 1) / (2 * mu), nil
	}
	if rho < saturationEpsilon {
		return 0, nil
	}

	rhoK := pow(rho, k)        // rho^K
	rhoK1 := rhoK * rho        // rho^(K+1)
	denom := 1 - rhoK1         // > 0 since rho < 1
	blocking := (1 - rho) * rhoK / denom
	lamEff := rho * mu * (1 - blocking)

	l := rho/(1-rho) - (kf+1)*rhoK1/denom
	return l / lamEff, nil
}

// Blocking returns the loss probability P_K for the same parameterization
// as Delay. Exposed for the operator API.
func Blocking(rho float64, k int) (float64, error) {
	if rho < 0 || rho > 1 {
		return 0, &ModelInputError{Param: "utilization", Value: rho}
	}
	if k < 1 {
		return 0, &ModelInputError{Param: "queue capacity", Value: float64(k)}
	}
	if rho > 1-saturationEpsilon {
		return 1 / (float64(k) + 1), nil
	}
	rhoK := pow(rho, k)
	return (1 - rho) * rhoK / (1 - rhoK*rho), nil
}

// pow computes rho^k by repeated multiplication; k is small (queue slots)
// and this avoids the math.Pow edge cases at rho = 0.
func pow(rho float64, k int) float64 {
	p := 1.0
	for i := 0; i < k; i++ {
		p *= rho
	}
	return p
}
