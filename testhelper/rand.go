package testhelper

import (
	"crypto/rand"
	"math/big"
)

// keyChars is the alphabet random key suffixes are drawn from.
const keyChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandString returns a random string of length n drawn from keyChars using
// crypto/rand.
func RandString(n int) (string, error) {
	limit := big.NewInt(int64(len(keyChars)))

	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}

		out[i] = keyChars[idx.Int64()]
	}

	return string(out), nil
}

// MustRandString is RandString, panicking on failure.
func MustRandString(n int) string {
	str, err := RandString(n)
	if err != nil {
		panic(err)
	}

	return str
}
