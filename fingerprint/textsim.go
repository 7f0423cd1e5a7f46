package fingerprint

import (
	"fmt"
	"math/bits"
	"strings"
)

// 128-bit FNV-1a constants, split across two uint64 words.
const (
	fnvOffsetHi = 0x6c62272e07bb0142
	fnvOffsetLo = 0x62b821756295c58d
	fnvPrimeHi  = 0x0000000001000000
	fnvPrimeLo  = 0x000000000000013b
)

// SimHash computes a 128-bit simhash over character 3-shingles of the
// lowercased, trimmed text and returns it as 32 lowercase hex characters.
// Each shingle's FNV-1a-128 hash votes +1/-1 per bit lane; the sign of each
// lane's total sets the output bit. Near-identical texts therefore produce
// hashes at small Hamming distance, while the source text itself is not
// recoverable.
func SimHash(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return strings.Repeat("0", 32)
	}

	var lanes [128]int
	vote := func(hi, lo uint64) {
		for b := 0; b < 64; b++ {
			if lo&(1<<uint(b)) != 0 {
				lanes[b]++
			} else {
				lanes[b]--
			}
			if hi&(1<<uint(b)) != 0 {
				lanes[64+b]++
			} else {
				lanes[64+b]--
			}
		}
	}

	runes := []rune(t)
	if len(runes) < 3 {
		vote(fnv128a(t))
	} else {
		for i := 0; i+3 <= len(runes); i++ {
			vote(fnv128a(string(runes[i : i+3])))
		}
	}

	var outHi, outLo uint64
	for b := 0; b < 64; b++ {
		if lanes[b] > 0 {
			outLo |= 1 << uint(b)
		}
		if lanes[64+b] > 0 {
			outHi |= 1 << uint(b)
		}
	}
	return fmt.Sprintf("%016x%016x", outHi, outLo)
}

// fnv128a computes the 128-bit FNV-1a hash of s on (hi, lo) uint64 pairs.
func fnv128a(s string) (hi, lo uint64) {
	hi, lo = fnvOffsetHi, fnvOffsetLo
	for i := 0; i < len(s); i++ {
		lo ^= uint64(s[i])
		hi, lo = mul128(hi, lo, fnvPrimeHi, fnvPrimeLo)
	}
	return hi, lo
}

// mul128 multiplies two 128-bit values modulo 2^128.
// (aHi·2^64 + aLo)(bHi·2^64 + bLo) ≡ (aHi·bLo + aLo·bHi)·2^64 + aLo·bLo.
func mul128(aHi, aLo, bHi, bLo uint64) (hi, lo uint64) {
	carry, low := bits.Mul64(aLo, bLo)
	high := carry + aHi*bLo + aLo*bHi
	return high, low
}
