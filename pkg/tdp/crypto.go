package tdp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/argon2"
)

// GCM standard nonce size; also used when a caller passes an out-of-range one.
const defaultNonceSize = 12

// DeriveEncryptionKey hashes a passphrase and salt into the AES key the value
// codec seals stored values with, using the Argon2id cost settings from the
// encryption config. Returns nil when passphrase or salt is empty; store the
// result in EncryptionConfig.Hashkey.
func DeriveEncryptionKey(passphrase, salt string, encryption *EncryptionConfig, hashLength uint32) []byte {

	if passphrase == "" || salt == "" || encryption == nil {
		return nil
	}

	timeConsideration := encryption.TimeConsideration
	if timeConsideration == 0 {
		timeConsideration = 1
	}

	threads := encryption.Threads
	if threads == 0 {
		threads = 1
	}

	multiplier := encryption.MemoryMultiplier
	if multiplier == 0 {
		multiplier = 64
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), timeConsideration, multiplier*1024, threads, hashLength)
}

// EncryptWithAes seals value bytes with AES-GCM under a key derived by
// DeriveEncryptionKey. The nonce is prepended to the returned ciphertext.
func EncryptWithAes(data, hashedKey []byte, nonceSize int) ([]byte, error) {

	if len(data) == 0 || len(hashedKey) == 0 {
		return nil, NewCodecError("value or encryption key is empty", nil)
	}

	if nonceSize < defaultNonceSize || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil { // key must be 16, 24, or 32 bytes
		return nil, NewCodecError("bad encryption key", err)
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, NewCodecError("aes gcm setup failed", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, NewCodecError("nonce generation failed", err)
	}

	return aesGcm.Seal(nonce, nonce, data, nil), nil
}

// DecryptWithAes opens ciphertext produced by EncryptWithAes, reading the
// nonce from its leading bytes.
func DecryptWithAes(cipherDataWithNonce, hashedKey []byte, nonceSize int) ([]byte, error) {

	if nonceSize < defaultNonceSize || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	if len(hashedKey) == 0 || len(cipherDataWithNonce) <= nonceSize {
		return nil, NewCodecError("ciphertext shorter than its nonce or key is empty", nil)
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, NewCodecError("bad encryption key", err)
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, NewCodecError("aes gcm setup failed", err)
	}

	plain, err := aesGcm.Open(nil, cipherDataWithNonce[:nonceSize], cipherDataWithNonce[nonceSize:], nil)
	if err != nil {
		return nil, NewCodecError("value decryption failed", err)
	}

	return plain, nil
}
