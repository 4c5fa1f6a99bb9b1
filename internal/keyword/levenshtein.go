package keyword

// EditDistance returns the optimal string alignment distance between a and b:
// insertions, deletions, substitutions and swaps of two adjacent runes each cost
// one. It stops early and returns limit+1 once every alignment exceeds limit; a
// negative limit disables the cutoff.
func EditDistance(a, b string, limit int) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	if limit >= 0 && abs(len(ra)-len(rb)) > limit {
		return limit + 1
	}

	// Three rows: two back for transpositions, one back, current.
	prev2 := make([]int, len(rb)+1)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			d := min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] && prev2[j-2]+1 < d {
				d = prev2[j-2] + 1
			}
			curr[j] = d
			if d < rowMin {
				rowMin = d
			}
		}
		if limit >= 0 && rowMin > limit {
			return limit + 1
		}
		prev2, prev, curr = prev, curr, prev2
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if a <= b && a <= c {
		return a
	}
	if b <= c {
		return b
	}
	return c
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
