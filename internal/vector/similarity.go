package vector

// InnerProduct returns the inner product of two equal-length vectors.
func InnerProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// ranksBefore reports whether a sorts before b: higher score first, then lower id.
func ranksBefore(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}
