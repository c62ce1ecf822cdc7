package common

import "github.com/kades/kades/util"

// RNG draws random integers, used for ping nonces and request correlation
// tokens.
type RNG interface {
	Uint64() uint64
}

// CryptoRNG draws from crypto/rand.
type CryptoRNG struct{}

func (CryptoRNG) Uint64() uint64 {
	n, err := util.CryptoRandUint64()

	if err != nil {
		panic(err)
	}

	return n
}
