package ipol

// The long vector of a centred scaled point t holds, in order: the constant
// 1, the linear terms t_i, the products t_i*t_j for i <= j and, for cubic
// fits, t_i*(t_j*t_k) for i <= j <= k. Products are listed lexicographically.
// Coefficient files depend on this order.

// NumCoeffs returns the length of the long vector for a polynomial of the
// given order (2 or 3) in dim parameters.
func NumCoeffs(order, dim int) int {
	n := 1 + dim + dim*(dim+1)/2
	if order >= 3 {
		n += dim * (dim + 1) * (dim + 2) / 6
	}
	return n
}

// MinAnchors returns the fewest anchor runs needed for a well-posed fit.
func MinAnchors(order, dim int) int {
	return NumCoeffs(order, dim)
}

// LongVectorFunc fills dst with the long vector of t and returns it. dst is
// grown when its capacity is too small.
type LongVectorFunc func(dst, t []float64, order int) []float64

func resize(dst []float64, n int) []float64 {
	if cap(dst) < n {
		return make([]float64, n)
	}
	return dst[:n]
}

// LongVectorNested builds the long vector with nested loops over the index
// tuples.
func LongVectorNested(dst, t []float64, order int) []float64 {
	d := len(t)
	dst = resize(dst, NumCoeffs(order, d))
	n := 0
	dst[n] = 1
	n++
	for i := 0; i < d; i++ {
		dst[n] = t[i]
		n++
	}
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			dst[n] = t[i] * t[j]
			n++
		}
	}
	if order < 3 {
		return dst
	}
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			for k := j; k < d; k++ {
				dst[n] = t[i] * (t[j] * t[k])
				n++
			}
		}
	}
	return dst
}

// LongVectorFlat builds the long vector from running offsets into the
// linear and bilinear blocks already written. For fixed i the trilinear
// entries are t_i times the tail of the bilinear block starting at row i.
func LongVectorFlat(dst, t []float64, order int) []float64 {
	d := len(t)
	dst = resize(dst, NumCoeffs(order, d))
	dst[0] = 1
	lin := 1
	copy(dst[lin:lin+d], t)
	bil := lin + d
	pos := bil
	for i := 0; i < d; i++ {
		ti := t[i]
		for q := lin + i; q < bil; q++ {
			dst[pos] = ti * dst[q]
			pos++
		}
	}
	if order < 3 {
		return dst
	}
	tri := pos
	row := bil
	for i := 0; i < d; i++ {
		ti := t[i]
		for q := row; q < tri; q++ {
			dst[pos] = ti * dst[q]
			pos++
		}
		row += d - i
	}
	return dst
}
