package secret

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Keyring holds the application key and hands out per-team ciphers.
type Keyring struct {
	app *Encryption
}

func NewKeyring(appKey Secret) *Keyring {
	return &Keyring{app: NewEncryption(appKey)}
}

// NewTeamKey generates a fresh team key and returns it encrypted under the application key,
// ready to be stored on the team row.
func (k *Keyring) NewTeamKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate team key: %w", err)
	}
	return k.app.Encrypt(hex.EncodeToString(raw))
}

// ForTeam unwraps the stored team key and returns a cipher for that team's data.
func (k *Keyring) ForTeam(encryptedTeamKey string) (*Encryption, error) {
	teamKey, err := k.app.Decrypt(encryptedTeamKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt team key: %w", err)
	}
	return NewEncryption(New(teamKey)), nil
}
