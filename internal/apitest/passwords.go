package apitest

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters, kept small so fixtures stay fast.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 8 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
	saltLen             = 16
)

// secret is a salted password hash as the backend stores it.
type secret struct {
	salt []byte
	hash []byte
}

func hashPassword(password string) secret {
	salt := make([]byte, saltLen)
	_, _ = rand.Read(salt)
	return secret{salt: salt, hash: argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)}
}

func (s secret) matches(password string) bool {
	got := argon2.IDKey([]byte(password), s.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, s.hash) == 1
}
