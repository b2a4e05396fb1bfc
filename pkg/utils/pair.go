// Nothing to see here in this module. Couldn't find a better place for Pair.

package utils

type Pair[K any, V any] struct {
	Key   K
	Value V
}

type BytePair Pair[[]byte /*key*/, []byte /*value*/]

// Clone returns a deep copy of the pair, detached from any shared buffer.
func (p BytePair) Clone() BytePair {
	return BytePair{Key: append([]byte(nil), p.Key...), Value: append([]byte(nil), p.Value...)}
}
