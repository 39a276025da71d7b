package crypto

import (
	"golang.org/x/crypto/sha3"
)

// Keccak256 计算 Keccak256 哈希
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
