package registry

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrHashFailed = errors.New("password hashing failed")

// Hasher turns passwords into salted one-way hashes and checks them.
type Hasher interface {
	Hash(password string) ([]byte, error)
	// Compare returns nil on a match. It must not short-circuit on content.
	Compare(hash []byte, password string) error
}

type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return BcryptHasher{Cost: cost}
}

func (h BcryptHasher) Hash(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashFailed, err)
	}
	return hash, nil
}

func (h BcryptHasher) Compare(hash []byte, password string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(password))
}
