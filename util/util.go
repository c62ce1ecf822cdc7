package util

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
)

func CryptoRandBytes(size int) ([]byte, error) {
	buf := make([]byte, size)
	_, err := rand.Read(buf)

	if err != nil {
		return nil, err
	}

	return buf, nil
}

func CryptoRandInt(min, max int64) int64 {
	num, err := rand.Int(rand.Reader, big.NewInt(max-min))

	if err != nil {
		panic(err)
	}

	return num.Int64() + min
}

// CryptoRandUint64 draws a uniformly random 64 bit integer, used for
// request nonces.
func CryptoRandUint64() (uint64, error) {
	buf, err := CryptoRandBytes(8)

	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(buf), nil
}
