// Package seal encrypts small payloads under a key derived from a user passphrase.
//
// Blob format: "v1:" followed by the standard base64 encoding of
//
//	logN(1) | r(1) | p(1) | salt(16) | nonce(12) | AES-256-GCM ciphertext+tag
//
// The scrypt parameters travel with the blob, so blobs stay readable when the defaults change.
// The header bytes are bound to the ciphertext as additional authenticated data.
package seal

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"credlayer/internal/types"

	"golang.org/x/crypto/scrypt"
)

const (
	versionPrefix = "v1:"
	saltSize      = 16
	nonceSize     = 12
	keySize       = 32
	headerSize    = 3 + saltSize + nonceSize

	minLogN = 10
	maxLogN = 20
	maxR    = 16
	maxP    = 4
)

// Params are the scrypt cost parameters used when encrypting.
type Params struct {
	LogN uint8
	R    uint8
	P    uint8
}

var DefaultParams = Params{LogN: 15, R: 8, P: 1}

func (p Params) valid() bool {
	return p.LogN >= minLogN && p.LogN <= maxLogN &&
		p.R > 0 && p.R <= maxR &&
		p.P > 0 && p.P <= maxP
}

// Sealer implements ports.Cipher. It keeps no passphrase or derived key between calls.
type Sealer struct {
	params Params
}

func New(params Params) (*Sealer, error) {
	if !params.valid() {
		return nil, fmt.Errorf("seal: invalid scrypt params %+v", params)
	}
	return &Sealer{params: params}, nil
}

func (s *Sealer) Encrypt(ctx context.Context, plaintext []byte, passphrase string) ([]byte, error) {
	header := make([]byte, headerSize)
	header[0], header[1], header[2] = s.params.LogN, s.params.R, s.params.P
	if _, err := io.ReadFull(rand.Reader, header[3:]); err != nil {
		return nil, fmt.Errorf("seal: failed to generate salt and nonce: %w", err)
	}
	salt := header[3 : 3+saltSize]
	nonce := header[3+saltSize:]

	gcm, err := deriveAEAD(ctx, passphrase, salt, s.params)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, header)

	raw := append(header, sealed...)
	out := make([]byte, len(versionPrefix)+base64.StdEncoding.EncodedLen(len(raw)))
	copy(out, versionPrefix)
	base64.StdEncoding.Encode(out[len(versionPrefix):], raw)
	return out, nil
}

func (s *Sealer) Decrypt(ctx context.Context, blob []byte, passphrase string) ([]byte, error) {
	if !bytes.HasPrefix(blob, []byte(versionPrefix)) {
		return nil, types.Err(types.ErrMalformedBlob, nil, "unknown blob version")
	}
	raw, err := base64.StdEncoding.DecodeString(string(blob[len(versionPrefix):]))
	if err != nil {
		return nil, types.Err(types.ErrMalformedBlob, err, "")
	}
	// A GCM tag is 16 bytes, so even an empty plaintext yields that much ciphertext.
	if len(raw) < headerSize+16 {
		return nil, types.Err(types.ErrMalformedBlob, nil, "blob too short")
	}
	header := raw[:headerSize]
	params := Params{LogN: header[0], R: header[1], P: header[2]}
	if !params.valid() {
		return nil, types.Err(types.ErrMalformedBlob, nil, "unsupported scrypt params")
	}

	gcm, err := deriveAEAD(ctx, passphrase, header[3:3+saltSize], params)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, header[3+saltSize:], raw[headerSize:], header)
	if err != nil {
		return nil, types.Err(types.ErrDecryption, err, "")
	}
	return plaintext, nil
}

func deriveAEAD(ctx context.Context, passphrase string, salt []byte, p Params) (cipher.AEAD, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, 1<<p.LogN, int(p.R), int(p.P), keySize)
	if err != nil {
		return nil, fmt.Errorf("seal: failed to derive key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: failed to create GCM: %w", err)
	}
	return gcm, nil
}
