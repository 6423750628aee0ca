// Package base62 encodes non-negative integers into the base62 alphabet used
// for short URL identifiers.
package base62

import (
	"errors"
	"fmt"
)

// Alphabet is the base62 alphabet; digit values grow left to right.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = int64(len(Alphabet))

// ErrNegativeNumber is returned when a negative integer is given to Encode.
var ErrNegativeNumber = errors.New("number must be non-negative")

// Encode converts n into its base62 representation. The most significant
// digit comes first; Encode(0) returns "0".
func Encode(n int64) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: %d", ErrNegativeNumber, n)
	}

	if n == 0 {
		return "0", nil
	}

	// 64-bit integers never need more than 11 base62 digits.
	buf := make([]byte, 0, 11)

	for n > 0 {
		buf = append(buf, Alphabet[n%base])
		n /= base
	}

	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}

	return string(buf), nil
}

// EncodeAll converts each number in ns via Encode, preserving order.
func EncodeAll(ns []int64) ([]string, error) {
	out := make([]string, 0, len(ns))

	for _, n := range ns {
		s, err := Encode(n)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, nil
}
