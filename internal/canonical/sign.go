package canonical

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// Ed25519 signatures in this platform are computed over the raw SHA-256
// digest bytes of the canonical form, never over the JSON text itself.
// Verification mirrors that choice.

// SignHashHex signs the raw digest bytes behind a lowercase-hex SHA-256
// string and returns the signature base64-encoded.
func SignHashHex(priv ed25519.PrivateKey, hashHex string) (string, error) {
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	sig := ed25519.Sign(priv, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyHashHex verifies a base64 signature over the digest bytes behind
// hashHex.
func VerifyHashHex(pub ed25519.PublicKey, hashHex, signatureB64 string) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid Ed25519 public key size: got %d, want %d",
			len(pub), ed25519.PublicKeySize)
	}
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return false, fmt.Errorf("invalid hash hex: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return ed25519.Verify(pub, digest, sig), nil
}

// GenerateKeyPair mints a fresh Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	return pub, priv, nil
}

// EncodePublicKeyPEM returns the PKIX PEM encoding of an Ed25519 public key,
// the format stored on AgentIdentity.keys and published in the keyset file.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal Ed25519 public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePublicKeyPEM parses a PKIX PEM public key and requires Ed25519.
func DecodePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not Ed25519")
	}
	return edPub, nil
}

// EncodePrivateKeyPEM returns the PKCS#8 PEM encoding of an Ed25519 private
// key. Used only by the keyring and test fixtures; private keys never leave
// the process.
func EncodePrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal Ed25519 private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePrivateKeyPEM parses a PKCS#8 PEM private key and requires Ed25519.
func DecodePrivateKeyPEM(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	edPriv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not Ed25519")
	}
	return edPriv, nil
}
