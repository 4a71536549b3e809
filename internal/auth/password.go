package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/argon2"
)

var ErrPasswordPolicy = errors.New("password does not meet policy")

// Tuned for low-memory servers while still using Argon2id.
const (
	argonMemory      = 32 * 1024 // 32 MiB
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLen      = 32
	saltLen          = 16
)

// CheckPolicy enforces the local length bounds before anything reaches the
// directory. Lengths are counted in runes.
func CheckPolicy(pw string, min, max int) error {
	n := utf8.RuneCountInString(pw)
	switch {
	case strings.TrimSpace(pw) == "":
		return fmt.Errorf("%w: empty", ErrPasswordPolicy)
	case n < min:
		return fmt.Errorf("%w: shorter than %d characters", ErrPasswordPolicy, min)
	case max > 0 && n > max:
		return fmt.Errorf("%w: longer than %d characters", ErrPasswordPolicy, max)
	}
	return nil
}

// HashPassword returns an Argon2id PHC string.
func HashPassword(pw string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(pw), salt, argonIterations, argonMemory, argonParallelism, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func VerifyPassword(encoded, pw string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var mem, it uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(pw), salt, it, mem, par, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1
}

// CryptPassword returns a sha512-crypt ($6$) hash for {CRYPT} userPassword
// values.
func CryptPassword(pw string) (string, error) {
	return sha512_crypt.New().Generate([]byte(pw), nil)
}

func VerifyCrypt(hash, pw string) bool {
	return sha512_crypt.New().Verify(hash, []byte(pw)) == nil
}
