package testhelper

import (
	"crypto/rand"
	"math/big"
)

const nameChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandString returns a random string of length n drawn from lowercase
// letters and digits, safe for use in object keys and lock names.
func RandString(n int) (string, error) {
	ret := make([]byte, n)

	for i := range n {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(nameChars))))
		if err != nil {
			return "", err
		}

		ret[i] = nameChars[num.Int64()]
	}

	return string(ret), nil
}

// MustRandString returns the string returned by RandString. If RandString
// returns an error, it will panic.
func MustRandString(n int) string {
	str, err := RandString(n)
	if err != nil {
		panic(err)
	}

	return str
}
