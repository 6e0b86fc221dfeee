package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidConfig = errors.New("invalid config")

	ErrInvalidBackend     = errors.New("invalid backend")
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrNoCredentials      = errors.New("no credentials")
	ErrInvalidCredentials = errors.New("identity key and access key are required")
	ErrWeakPassphrase     = errors.New("weak passphrase")

	// ErrDecryption covers a wrong passphrase as well as a tampered ciphertext; the two are
	// indistinguishable by construction of the AEAD.
	ErrDecryption = errors.New("decryption failed")
	// ErrMalformedBlob is returned when the stored blob cannot even be parsed.
	ErrMalformedBlob = errors.New("malformed blob")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}
