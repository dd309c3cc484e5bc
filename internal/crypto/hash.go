// Package crypto provides key hashing for privileged-credential checks.
package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Scrypt parameters. N=16384 (2^14), r=8, p=1 are recommended for
// interactive verification.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// keyHashCache caches HashKey results so repeated checks of the same
// presented credential skip the scrypt work. Bounded in practice by the
// number of distinct credentials presented.
var keyHashCache sync.Map

// HashWithScrypt hashes an input string using scrypt with the given salt and
// returns the hex-encoded digest.
func HashWithScrypt(input, salt string) (string, error) {
	dk, err := scrypt.Key([]byte(input), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	return hex.EncodeToString(dk), nil
}

// HashKey hashes a credential with the service salt, caching the result per
// distinct input.
func HashKey(key, salt string) (string, error) {
	cacheKey := salt + ":" + key
	if cached, ok := keyHashCache.Load(cacheKey); ok {
		return cached.(string), nil
	}

	hash, err := HashWithScrypt(key, salt)
	if err != nil {
		return "", err
	}
	keyHashCache.Store(cacheKey, hash)
	return hash, nil
}

// VerifyKey reports whether the presented credential matches the expected
// hash, comparing digests in constant time.
func VerifyKey(presented, salt, expectedHash string) bool {
	hash, err := HashKey(presented, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(expectedHash)) == 1
}
