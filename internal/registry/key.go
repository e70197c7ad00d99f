package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	KeyLength = 12

	// No I, O, 0 or 1 so keys survive being read aloud or retyped.
	KeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// KeyGenerator produces candidate room keys.
type KeyGenerator interface {
	NewKey() (string, error)
}

type KeyGeneratorFunc func() (string, error)

func (f KeyGeneratorFunc) NewKey() (string, error) { return f() }

type randomKeys struct{}

func (randomKeys) NewKey() (string, error) {
	max := big.NewInt(int64(len(KeyAlphabet)))
	var b strings.Builder
	b.Grow(KeyLength)
	for i := 0; i < KeyLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room key: %w", err)
		}
		b.WriteByte(KeyAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeKey applies the lookup normalization used everywhere keys are compared.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
