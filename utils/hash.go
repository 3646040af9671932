package utils

import "crypto/sha256"

// Sha256Hash returns the SHA-256 digest of data.
func Sha256Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
