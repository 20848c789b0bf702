package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/marcopeereboom/sbox"
	"golang.org/x/crypto/argon2"
)

// ErrWrongPassword is returned whenever a protected private key cannot be
// opened, whether the password is wrong or the blob was tampered with. The
// secretbox MAC makes the two indistinguishable on purpose.
var ErrWrongPassword = errors.New("wrong password")

const (
	minKeyBits  = 2048
	saltSize    = 16
	blobVersion = 1
)

// GenerateKeyPair creates an RSA key pair sized for both OAEP encryption and
// PSS signatures. The public half is returned PKIX DER encoded, which is the
// only form keys cross the storage boundary in.
func GenerateKeyPair() (publicDER []byte, priv *rsa.PrivateKey, err error) {
	priv, err = rsa.GenerateKey(rand.Reader, minKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	publicDER, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encode public key: %w", err)
	}
	return publicDER, priv, nil
}

// MarshalPrivateKey encodes a private key as PKCS#8 DER.
func MarshalPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey parses a PKCS#8 DER blob into an RSA private key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return priv, nil
}

// ParsePublicKey parses a PKIX DER blob into an RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	if pub.Size()*8 < minKeyBits {
		return nil, fmt.Errorf("public key is %d bits, need at least %d", pub.Size()*8, minKeyBits)
	}
	return pub, nil
}

// ValidatePublicKey reports whether the byte blob parses as a well-formed
// RSA public key of acceptable size. Used to vet uploaded keys before they
// are persisted.
func ValidatePublicKey(der []byte) bool {
	_, err := ParsePublicKey(der)
	return err == nil
}

// ProtectPrivateKey encrypts the private key material under a key derived
// from password. The output is salt || secretbox blob; the box carries a MAC
// so UnprotectPrivateKey detects a wrong password deterministically instead
// of inferring it from a downstream parse failure.
func ProtectPrivateKey(priv *rsa.PrivateKey, password string) ([]byte, error) {
	der, err := MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(password, salt)
	blob, err := sbox.Encrypt(blobVersion, key, der)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}
	return append(salt, blob...), nil
}

// UnprotectPrivateKey reverses ProtectPrivateKey. Any failure to open or
// parse the blob is reported as ErrWrongPassword.
func UnprotectPrivateKey(ciphertext []byte, password string) (*rsa.PrivateKey, error) {
	if len(ciphertext) <= saltSize {
		return nil, ErrWrongPassword
	}
	key := deriveKey(password, ciphertext[:saltSize])
	der, _, err := sbox.Decrypt(key, ciphertext[saltSize:])
	if err != nil {
		return nil, ErrWrongPassword
	}
	priv, err := ParsePrivateKey(der)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return priv, nil
}

func deriveKey(password string, salt []byte) *[32]byte {
	raw := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	var key [32]byte
	copy(key[:], raw)
	return &key
}
