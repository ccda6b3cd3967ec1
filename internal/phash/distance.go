package phash

// popcount4 holds the number of set bits for every 4-bit value.
var popcount4 = [16]int{0, 1, 1, 2, 1, 2, 2, 3, 1, 2, 2, 3, 2, 3, 3, 4}

// Distance returns the Hamming distance between two fingerprints, in [0, 64].
// Fingerprints of different lengths are compared over their common prefix only.
// Characters that are not lowercase hex digits count as zero nibbles.
func Distance(a, b Fingerprint) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	d := 0
	for i := 0; i < n; i++ {
		d += popcount4[nibbleOrZero(a[i])^nibbleOrZero(b[i])]
	}
	return d
}

func nibbleOrZero(c byte) int {
	if v := nibble(c); v >= 0 {
		return v
	}
	return 0
}
