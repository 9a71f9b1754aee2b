// Package shamir implements Shamir secret sharing over GF(2^8).
//
// A secret byte string is split into n shares such that any k of them
// reconstruct it and any k-1 reveal nothing. Each byte of the secret
// is shared independently: a random polynomial of degree k-1 with the
// secret byte as constant term is sampled, and share x (x in 1..n)
// holds the polynomial evaluated at x for every secret byte. Field
// arithmetic uses the AES reduction polynomial 0x11B with precomputed
// log/exp tables.
package shamir

import (
	"crypto/rand"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// ShareOverhead is the single index byte prepended to each share in
// its transport form.
const ShareOverhead = 1

var (
	expTable [256]byte
	logTable [256]byte
)

func init() {
	// Generator 3 is primitive for 0x11B, covering all 255 non-zero
	// field elements.
	x := byte(1)
	for i := 0; i < 255; i++ {
		expTable[i] = x
		logTable[x] = byte(i)
		x = mulSlow(x, 3)
	}
	// Wrap the exp table so mul can skip an explicit mod 255.
	expTable[255] = expTable[0]
}

// mulSlow is carry-less peasant multiplication, used only to build the
// tables at init time.
func mulSlow(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1B // low byte of 0x11B
		}
		b >>= 1
	}
	return p
}

func mul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	sum := int(logTable[a]) + int(logTable[b])
	if sum >= 255 {
		sum -= 255
	}
	return expTable[sum]
}

func div(a, b byte) byte {
	if b == 0 {
		panic("shamir: division by zero")
	}
	if a == 0 {
		return 0
	}
	diff := int(logTable[a]) - int(logTable[b])
	if diff < 0 {
		diff += 255
	}
	return expTable[diff]
}

// evaluate computes the polynomial with the given coefficients
// (constant term first) at point x using Horner's method.
func evaluate(coefficients []byte, x byte) byte {
	out := coefficients[len(coefficients)-1]
	for i := len(coefficients) - 2; i >= 0; i-- {
		out = mul(out, x) ^ coefficients[i]
	}
	return out
}

// Split divides secret into parts shares with the given threshold.
// Each returned share is the 1-byte x-coordinate followed by one
// evaluation byte per secret byte, the transport form minus base64.
func Split(secret []byte, parts, threshold int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, vaulterrors.InvalidInput("shamir: cannot split an empty secret")
	}
	if parts < 1 || parts > 255 {
		return nil, vaulterrors.InvalidInputf("shamir: parts must be in [1, 255], got %d", parts)
	}
	if threshold < 1 || threshold > parts {
		return nil, vaulterrors.InvalidInputf("shamir: threshold must be in [1, %d], got %d", parts, threshold)
	}

	shares := make([][]byte, parts)
	for i := range shares {
		shares[i] = make([]byte, len(secret)+ShareOverhead)
		shares[i][0] = byte(i + 1)
	}

	coefficients := make([]byte, threshold)
	for idx, b := range secret {
		coefficients[0] = b
		if _, err := rand.Read(coefficients[1:]); err != nil {
			return nil, vaulterrors.Internal("shamir: sampling polynomial coefficients", err)
		}
		for i := range shares {
			shares[i][idx+1] = evaluate(coefficients, byte(i+1))
		}
	}

	return shares, nil
}

// Combine reconstructs the secret from shares in transport form
// (index byte followed by evaluation bytes). Any threshold-sized
// subset of a Split result recovers the original bytes; fewer shares,
// or shares from a different split, yield garbage rather than an
// error; callers must verify the result.
func Combine(shares [][]byte) ([]byte, error) {
	if len(shares) < 1 {
		return nil, vaulterrors.InvalidInput("shamir: at least one share is required")
	}

	length := len(shares[0])
	if length < 2 {
		return nil, vaulterrors.InvalidInput("shamir: shares must carry an index byte and at least one data byte")
	}

	xs := make([]byte, len(shares))
	seen := make(map[byte]bool, len(shares))
	for i, share := range shares {
		if len(share) != length {
			return nil, vaulterrors.InvalidInput("shamir: shares have inconsistent lengths")
		}
		x := share[0]
		if x == 0 {
			return nil, vaulterrors.InvalidInput("shamir: share index must be non-zero")
		}
		if seen[x] {
			return nil, vaulterrors.InvalidInputf("shamir: duplicate share index %d", x)
		}
		seen[x] = true
		xs[i] = x
	}

	secret := make([]byte, length-1)
	ys := make([]byte, len(shares))
	for idx := range secret {
		for i, share := range shares {
			ys[i] = share[idx+1]
		}
		secret[idx] = interpolateAtZero(xs, ys)
	}

	return secret, nil
}

// interpolateAtZero evaluates the Lagrange interpolation of the
// points (xs[i], ys[i]) at x = 0.
func interpolateAtZero(xs, ys []byte) byte {
	var result byte
	for i := range xs {
		basis := byte(1)
		for j := range xs {
			if i == j {
				continue
			}
			// At x=0 the basis term is x_j / (x_j ^ x_i).
			basis = mul(basis, div(xs[j], xs[j]^xs[i]))
		}
		result ^= mul(basis, ys[i])
	}
	return result
}
