/*
Tern Mail Server - Multi-protocol mail server with a shared message store.
Copyright © 2023-2025 Tern Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Key secrets are stored as "<hash>:<encoding>" where the encoding format
// is specific to the hash function. The same registry backs 'tern keys
// create' and 'tern hash'.

const (
	HashSHA256 = "sha256"
	HashBcrypt = "bcrypt"
	HashArgon2 = "argon2"

	DefaultHash = HashBcrypt

	argon2Salt = 16
	argon2Size = 64
	sha256Salt = 32
)

type (
	// HashOpts holds the cost parameters used when hashing new secrets.
	// They are encoded into the hash string so verification does not
	// depend on the values configured at that time.
	HashOpts struct {
		// Bcrypt cost value to use. Should be at least 10.
		BcryptCost int

		Argon2Time    uint32
		Argon2Memory  uint32
		Argon2Threads uint8
	}

	FuncHashCompute func(opts HashOpts, secret string) (string, error)
	FuncHashVerify  func(secret, hashSalt string) error
)

var (
	HashCompute = map[string]FuncHashCompute{
		HashBcrypt: computeBcrypt,
		HashArgon2: computeArgon2,
		HashSHA256: computeSHA256,
	}
	HashVerify = map[string]FuncHashVerify{
		HashBcrypt: verifyBcrypt,
		HashArgon2: verifyArgon2,
		HashSHA256: verifySHA256,
	}

	Hashes = []string{HashSHA256, HashBcrypt, HashArgon2}
)

// FormatHash computes the prefixed encoding stored in the key_hash column.
func FormatHash(hashName string, opts HashOpts, secret string) (string, error) {
	compute := HashCompute[hashName]
	if compute == nil {
		return "", fmt.Errorf("auth.keys: unknown hash function: %s", hashName)
	}
	encoded, err := compute(opts, secret)
	if err != nil {
		return "", err
	}
	return hashName + ":" + encoded, nil
}

// VerifySecret checks secret against a prefixed hash encoding.
func VerifySecret(keyHash, secret string) error {
	parts := strings.SplitN(keyHash, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("auth.keys: no hash tag")
	}
	verify := HashVerify[parts[0]]
	if verify == nil {
		return fmt.Errorf("auth.keys: unknown hash: %s", parts[0])
	}
	return verify(secret, parts[1])
}

func computeArgon2(opts HashOpts, secret string) (string, error) {
	salt := make([]byte, argon2Salt)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("auth.keys: failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, opts.Argon2Time, opts.Argon2Memory, opts.Argon2Threads, argon2Size)
	var out strings.Builder
	out.WriteString(strconv.FormatUint(uint64(opts.Argon2Time), 10))
	out.WriteRune(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Argon2Memory), 10))
	out.WriteRune(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Argon2Threads), 10))
	out.WriteRune(':')
	out.WriteString(base64.StdEncoding.EncodeToString(salt))
	out.WriteRune(':')
	out.WriteString(base64.StdEncoding.EncodeToString(hash))
	return out.String(), nil
}

func verifyArgon2(secret, hashSalt string) error {
	parts := strings.SplitN(hashSalt, ":", 5)
	if len(parts) != 5 {
		return fmt.Errorf("auth.keys: malformed argon2 hash string")
	}

	time, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return fmt.Errorf("auth.keys: malformed hash string: %w", err)
	}
	memory, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("auth.keys: malformed hash string: %w", err)
	}
	threads, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return fmt.Errorf("auth.keys: malformed hash string: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("auth.keys: malformed hash string: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("auth.keys: malformed hash string: %w", err)
	}

	secretHash := argon2.IDKey([]byte(secret), salt, uint32(time), uint32(memory), uint8(threads), argon2Size)
	if subtle.ConstantTimeCompare(secretHash, hash) != 1 {
		return fmt.Errorf("auth.keys: hash mismatch")
	}
	return nil
}

func computeSHA256(_ HashOpts, secret string) (string, error) {
	salt := make([]byte, sha256Salt)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("auth.keys: failed to generate salt: %w", err)
	}

	hashInput := salt
	hashInput = append(hashInput, []byte(secret)...)
	sum := sha256.Sum256(hashInput)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

func verifySHA256(secret, hashSalt string) error {
	parts := strings.Split(hashSalt, ":")
	if len(parts) != 2 {
		return fmt.Errorf("auth.keys: malformed hash string, no salt")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("auth.keys: malformed hash string: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("auth.keys: malformed hash string: %w", err)
	}

	hashInput := salt
	hashInput = append(hashInput, []byte(secret)...)
	sum := sha256.Sum256(hashInput)

	if subtle.ConstantTimeCompare(sum[:], hash) != 1 {
		return fmt.Errorf("auth.keys: hash mismatch")
	}
	return nil
}

func computeBcrypt(opts HashOpts, secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), opts.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyBcrypt(secret, hashSalt string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashSalt), []byte(secret))
}
