package models

import "math"

// tpdexBreakpoint is the elapsed-milliseconds value where the polynomial
// branch hands over to the logarithmic branch.
const tpdexBreakpoint = 1328

// Tpdex converts an elapsed time in milliseconds into the 0-100 performance
// score. The coefficients are empirically tuned and must not be changed:
// below the breakpoint a cubic polynomial, above it a dampened logarithm of
// the square root, both clamped to [0, 100] and floored to an integer.
func Tpdex(elapsedMS float64) int {
	if elapsedMS < tpdexBreakpoint {
		v := 1 - 7.22e-4*elapsedMS + 2.44e-7*elapsedMS*elapsedMS - 3e-11*elapsedMS*elapsedMS*elapsedMS
		return int(math.Floor(math.Min(v, 1) * 100))
	}
	v := -0.4211598*math.Log(math.Sqrt(elapsedMS)+1) + 1.9270516
	return int(math.Floor(math.Max(v, 0) * 100))
}

// TpdexFromElapsed scores an elapsed duration expressed in seconds.
func TpdexFromElapsed(elapsedSeconds float64) int {
	return Tpdex(elapsedSeconds * 1000)
}
