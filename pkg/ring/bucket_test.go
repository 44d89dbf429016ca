package ring

import "testing"

func TestSizeToBucket(t *testing.T) {
	t.Parallel()

	cases := []struct {
		size uint32
		want uint8
	}{
		{0, 0},
		{1, 0},
		{4, 0},
		{5, 1},
		{8, 1},
		{9, 2},
		{2048, 9},
		{2049, 10},
		{4096, 10},
		{4097, NumBuckets},
	}

	for _, tc := range cases {
		if got := SizeToBucket(tc.size); got != tc.want {
			t.Errorf("SizeToBucket(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestBucketToLength(t *testing.T) {
	t.Parallel()

	if got := BucketToLength(0); got != 4 {
		t.Errorf("BucketToLength(0) = %d, want 4", got)
	}

	if got := BucketToLength(NumBuckets - 1); got != 4096 {
		t.Errorf("BucketToLength(10) = %d, want 4096", got)
	}
}

func TestClassAlwaysFits(t *testing.T) {
	t.Parallel()

	for size := uint32(1); size <= MaxBucketedSize; size++ {
		class := SizeToBucket(size)
		if class >= NumBuckets {
			t.Fatalf("SizeToBucket(%d) = %d out of range", size, class)
		}

		if length := BucketToLength(class); length < size {
			t.Fatalf("class %d length %d < size %d", class, length, size)
		}

		if class > 0 {
			if prev := BucketToLength(class - 1); prev >= size {
				t.Fatalf("class %d is not minimal for size %d (class %d length %d fits)", class, size, class-1, prev)
			}
		}
	}
}
