package fullmac

import "golang.org/x/exp/constraints"

// alignup rounds v up to the next multiple of align, which must be a
// power of two.
func alignup[T constraints.Unsigned | constraints.Signed](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}
