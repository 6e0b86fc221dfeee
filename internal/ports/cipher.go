package ports

import "context"

// Cipher is a passphrase-authenticated symmetric primitive.
// Decrypt MUST fail with types.ErrMalformedBlob when the input cannot be parsed and with
// types.ErrDecryption when authentication fails (wrong passphrase or tampered data).
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte, passphrase string) ([]byte, error)
	Decrypt(ctx context.Context, blob []byte, passphrase string) ([]byte, error)
}
