package service

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

const dkimKeyBits = 2048

// dkimKeyPair returns a base64 PKCS#1 private key and a base64 PKIX public key,
// the forms SES BYODKIM and the DNS p= tag expect.
func dkimKeyPair() (privateKey, publicKey string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, dkimKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("generate dkim key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal dkim public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(key)),
		base64.StdEncoding.EncodeToString(pub), nil
}
