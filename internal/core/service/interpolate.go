package service

// Interpolate looks x up in the piecewise-linear curve given by the breakpoints xs and the values
// ys. Outside the breakpoint range the nearest end value is returned. xs must be strictly
// increasing and have the same length as ys.
func Interpolate(xs, ys []float64, x float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	if x <= xs[0] {
		return ys[0]
	}
	last := len(xs) - 1
	if x >= xs[last] {
		return ys[last]
	}
	for i := 0; i < last; i++ {
		if xs[i] <= x && x <= xs[i+1] {
			return linearInterpolation(xs[i], ys[i], xs[i+1], ys[i+1], x)
		}
	}
	return ys[last]
}

func linearInterpolation(x1, y1, x2, y2, x float64) float64 {
	return y1 + (x-x1)*((y2-y1)/(x2-x1))
}
