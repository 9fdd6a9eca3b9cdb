package simd

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// Axpby performs y = alpha*x + beta*y
func Axpby(alpha float32, x []float32, beta float32, y []float32) {
	i := 0
	for ; i <= len(y)-4; i += 4 {
		y[i] = alpha*x[i] + beta*y[i]
		y[i+1] = alpha*x[i+1] + beta*y[i+1]
		y[i+2] = alpha*x[i+2] + beta*y[i+2]
		y[i+3] = alpha*x[i+3] + beta*y[i+3]
	}
	for ; i < len(y); i++ {
		y[i] = alpha*x[i] + beta*y[i]
	}
}

// Fill sets every element of dst to v.
func Fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}

// Sum returns the sum of all elements.
func Sum(a []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] + a[i+1] + a[i+2] + a[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i]
	}
	return sum
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
