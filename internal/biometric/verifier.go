// Package biometric verifies device signatures over server-issued challenges. The device
// keeps the private key in its secure enclave; only the public key is registered.
package biometric

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedKey = errors.New("malformed biometric public key")

const minRSABits = 2048

type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// ParsePublicKey accepts a PEM "PUBLIC KEY" block holding an ECDSA P-256/P-384,
// Ed25519 or RSA (2048 bits or more) key.
func ParsePublicKey(publicKeyPEM string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(publicKeyPEM)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrMalformedKey)
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedKey, block.Type)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	switch k := key.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() && k.Curve != elliptic.P384() {
			return nil, fmt.Errorf("%w: unsupported curve %s", ErrMalformedKey, k.Curve.Params().Name)
		}
	case ed25519.PublicKey:
	case *rsa.PublicKey:
		if k.N.BitLen() < minRSABits {
			return nil, fmt.Errorf("%w: RSA key shorter than %d bits", ErrMalformedKey, minRSABits)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrMalformedKey, key)
	}
	return key, nil
}

// ValidatePublicKey is ParsePublicKey without the result.
func ValidatePublicKey(publicKeyPEM string) error {
	_, err := ParsePublicKey(publicKeyPEM)
	return err
}

// Verify reports whether signature (base64, standard or URL alphabet) is a valid signature
// of challenge under the key. Malformed input verifies as false.
func (v *Verifier) Verify(signature, challenge, publicKeyPEM string) bool {
	if signature == "" || challenge == "" {
		return false
	}
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return false
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256([]byte(challenge))

	switch k := key.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, digest[:], sig)
	case ed25519.PublicKey:
		return ed25519.Verify(k, []byte(challenge), sig)
	case *rsa.PublicKey:
		// PKCS#1 v1.5 and PSS padding are both accepted
		if rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil {
			return true
		}
		return rsa.VerifyPSS(k, crypto.SHA256, digest[:], sig, nil) == nil
	}
	return false
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("signature is not base64")
}
