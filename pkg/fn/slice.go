package fn

// Map applies f to each element.
func Map[T, U any](items []T, f func(T) U) []U {
	out := make([]U, len(items))
	for i, v := range items {
		out[i] = f(v)
	}
	return out
}

// MapIndexed applies f to each element along with its position.
func MapIndexed[T, U any](items []T, f func(int, T) U) []U {
	out := make([]U, len(items))
	for i, v := range items {
		out[i] = f(i, v)
	}
	return out
}

// Filter returns elements where pred is true.
func Filter[T any](items []T, pred func(T) bool) []T {
	var out []T
	for _, v := range items {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// Chunk splits items into chunks of size n. Returns nil if n <= 0.
func Chunk[T any](items []T, n int) [][]T {
	if n <= 0 {
		return nil
	}
	var out [][]T
	for i := 0; i < len(items); i += n {
		end := min(i+n, len(items))
		out = append(out, items[i:end])
	}
	return out
}

// Take returns at most the first n elements.
func Take[T any](items []T, n int) []T {
	if n <= 0 {
		return items[:0]
	}
	if n < len(items) {
		return items[:n]
	}
	return items
}
