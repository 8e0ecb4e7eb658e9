package meetings

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O or 1/I
	codeLength = 6

	minCustomCode = 4
	maxCustomCode = 32
)

// generateCode returns a random meeting code.
func generateCode() (string, error) {
	code := make([]byte, codeLength)
	limit := big.NewInt(int64(len(codeChars)))
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}

// validCode reports whether a host-chosen code is usable in a URL path.
func validCode(code string) bool {
	if len(code) < minCustomCode || len(code) > maxCustomCode {
		return false
	}
	return strings.IndexFunc(code, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-')
	}) < 0
}
