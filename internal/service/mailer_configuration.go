package service

import (
	"encoding/json"
	"fmt"

	"github.com/unclebandit/broadcast-mailer/internal/provider"
	"github.com/unclebandit/broadcast-mailer/internal/secret"
)

// MailerConfiguration is the decrypted form of Mailer.Configuration.
type MailerConfiguration struct {
	AccessKey    secret.Secret
	AccessSecret secret.Secret
	Region       string
	Domain       string
	Email        string
	// DefaultSender is the team's preferred From address.
	DefaultSender string
}

type mailerConfigurationJSON struct {
	AccessKey     string `json:"accessKey"`
	AccessSecret  string `json:"accessSecret"`
	Region        string `json:"region"`
	Domain        string `json:"domain,omitempty"`
	Email         string `json:"email,omitempty"`
	DefaultSender string `json:"defaultSender,omitempty"`
}

func (c MailerConfiguration) credentials() provider.Credentials {
	return provider.Credentials{AccessKey: c.AccessKey, AccessSecret: c.AccessSecret, Region: c.Region}
}

func (c MailerConfiguration) hasSendingIdentity() bool {
	return c.Domain != "" || c.Email != ""
}

// EncryptConfiguration serializes c and encrypts it under the team key.
func EncryptConfiguration(enc *secret.Encryption, c MailerConfiguration) (string, error) {
	b, err := json.Marshal(mailerConfigurationJSON{
		AccessKey:     c.AccessKey.Release(),
		AccessSecret:  c.AccessSecret.Release(),
		Region:        c.Region,
		Domain:        c.Domain,
		Email:         c.Email,
		DefaultSender: c.DefaultSender,
	})
	if err != nil {
		return "", err
	}
	return enc.Encrypt(string(b))
}

// DecryptConfiguration reverses EncryptConfiguration. It treats an empty column as an empty configuration.
func DecryptConfiguration(enc *secret.Encryption, ciphertext string) (MailerConfiguration, error) {
	if ciphertext == "" {
		return MailerConfiguration{}, nil
	}
	plain, err := enc.Decrypt(ciphertext)
	if err != nil {
		return MailerConfiguration{}, fmt.Errorf("decrypt mailer configuration: %w", err)
	}
	var raw mailerConfigurationJSON
	if err := json.Unmarshal([]byte(plain), &raw); err != nil {
		return MailerConfiguration{}, fmt.Errorf("decode mailer configuration: %w", err)
	}
	return MailerConfiguration{
		AccessKey:     secret.New(raw.AccessKey),
		AccessSecret:  secret.New(raw.AccessSecret),
		Region:        raw.Region,
		Domain:        raw.Domain,
		Email:         raw.Email,
		DefaultSender: raw.DefaultSender,
	}, nil
}
