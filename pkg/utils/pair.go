package utils

// Pair is a key/value tuple streamed out of sorted structures.
type Pair[K any, V any] struct {
	Key   K
	Value V
}
