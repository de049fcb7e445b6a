package service

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// CodeLength gives log2(62^32) ≈ 190 bits of entropy.
	CodeLength = 32
	// maxUnbiasedByte is the largest multiple of len(codeAlphabet) that fits
	// in a byte. Bytes at or above it are rejected to keep the draw uniform.
	maxUnbiasedByte = 256 - 256%len(codeAlphabet)
)

// CodeGenerator produces plaintext codes and their one-way hashes.
type CodeGenerator struct {
	random io.Reader
}

func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{random: rand.Reader}
}

func (g *CodeGenerator) Generate() (string, error) {
	code := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)

	for len(code) < CodeLength {
		_, err := io.ReadFull(g.random, buf)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiasedByte {
				continue
			}
			code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(code) == CodeLength {
				break
			}
		}
	}

	return string(code), nil
}

// Hash returns the lowercase hex SHA-256 digest of the plaintext.
func (g *CodeGenerator) Hash(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

func (g *CodeGenerator) Verify(plain, digest string) bool {
	computed := g.Hash(plain)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
