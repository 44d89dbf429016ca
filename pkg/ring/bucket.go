package ring

import "math/bits"

// NumBuckets is the number of size classes in the bucket pool.
const NumBuckets = 11

// Size classes are powers of two: class 0 holds up to 4 bytes, each class
// doubles, class 10 holds up to 4096 bytes. Anything larger goes to the
// direct store.
const (
	minBucketShift = 2

	// MaxBucketedSize is the largest entry the bucket pool accepts.
	MaxBucketedSize = 1 << (minBucketShift + NumBuckets - 1)
)

// SizeToBucket returns the smallest size class whose slot length is >= n.
// Sizes beyond the largest class return NumBuckets; callers treat that as
// "use the direct store".
func SizeToBucket(n uint32) uint8 {
	if n <= 1<<minBucketShift {
		return 0
	}

	return uint8(bits.Len32(n-1)) - minBucketShift
}

// BucketToLength returns the slot length of a size class.
func BucketToLength(class uint8) uint32 {
	return 1 << (minBucketShift + uint32(class))
}
