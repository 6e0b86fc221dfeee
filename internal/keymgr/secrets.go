package keymgr

import "credlayer/internal/types"

// secretSet is the resident form of a CredentialSet. The secret fields are byte slices so they
// can be zeroed when the session ends.
type secretSet struct {
	identityKey []byte
	accessKey   []byte
	displayName string
	fullName    string
}

func newSecretSet(c types.CredentialSet) *secretSet {
	return &secretSet{
		identityKey: []byte(c.IdentityKey),
		accessKey:   []byte(c.AccessKey),
		displayName: c.DisplayName,
		fullName:    c.FullName,
	}
}

func (s *secretSet) export() types.CredentialSet {
	return types.CredentialSet{
		IdentityKey: string(s.identityKey),
		AccessKey:   string(s.accessKey),
		DisplayName: s.displayName,
		FullName:    s.fullName,
	}
}

func (s *secretSet) wipe() {
	clear(s.identityKey)
	clear(s.accessKey)
}
