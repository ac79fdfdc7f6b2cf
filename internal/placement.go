package internal

import "github.com/zeebo/xxh3"

// PickByName deterministically picks one of n candidates for a filter name.
// The same name always lands on the same index for a given n.
func PickByName(name string, n int) int {
	return jump(xxh3.HashString(name), n)
}

// jump is Lamping and Veach's jump consistent hash (arXiv:1406.2294).
// Returns 0 when there are no buckets.
func jump(key uint64, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	bucket, next := int64(-1), int64(0)
	for next < int64(buckets) {
		bucket = next
		key = key*2862933555777941757 + 1
		next = int64(float64(bucket+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(bucket)
}
