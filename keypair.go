package logtrust

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	cferr "github.com/cloudflare/cfssl/errors"
	"github.com/cloudflare/cfssl/helpers"
	"golang.org/x/crypto/ssh"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for client or server keys.
const MinRSAKeyBits = 1024

// ErrInvalidPublicKey is returned when public key material cannot be parsed
// as an RSA key of acceptable size.
var ErrInvalidPublicKey = errors.New("invalid public key")

// KeyPair holds an RSA key pair. The private half is optional; a KeyPair
// built from a public key alone can only verify and encrypt.
type KeyPair struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// NewKeyPair wraps an existing private key.
func NewKeyPair(priv *rsa.PrivateKey) *KeyPair {
	return &KeyPair{private: priv, public: &priv.PublicKey}
}

// GenerateKeyPair creates a fresh RSA key pair of the given size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinRSAKeyBits {
		return nil, fmt.Errorf("key size %d below minimum %d", bits, MinRSAKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, cferr.Wrap(cferr.PrivateKeyError, cferr.GenerationFailed, err)
	}
	return NewKeyPair(priv), nil
}

// LoadKeyPair reads a PEM private key (optionally encrypted with secret) and,
// when publicPath is non-empty, checks that the public key file matches it.
func LoadKeyPair(publicPath, privatePath string, secret []byte) (*KeyPair, error) {
	keyPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, cferr.Wrap(cferr.PrivateKeyError, cferr.ReadFailed, err)
	}

	var signer crypto.Signer
	if len(secret) > 0 {
		signer, err = helpers.ParsePrivateKeyPEMWithPassword(keyPEM, secret)
	} else {
		signer, err = helpers.ParsePrivateKeyPEM(keyPEM)
	}
	if err != nil {
		return nil, err
	}
	priv, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, cferr.New(cferr.PrivateKeyError, cferr.NotRSAOrECC)
	}
	if helpers.KeyLength(priv) < MinRSAKeyBits {
		return nil, cferr.Wrap(cferr.PrivateKeyError, cferr.ParseFailed,
			fmt.Errorf("key size %d below minimum %d", helpers.KeyLength(priv), MinRSAKeyBits))
	}
	kp := NewKeyPair(priv)

	if publicPath == "" {
		return kp, nil
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(kp.public) {
		return nil, cferr.New(cferr.PrivateKeyError, cferr.KeyMismatch)
	}
	return kp, nil
}

// ParsePublicKey accepts a PEM encoded PKIX or PKCS#1 public key, a PEM
// certificate, or an OpenSSH authorized_keys line, and returns the RSA key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidPublicKey)
	}

	var pub any
	if block, _ := pem.Decode(data); block != nil {
		var err error
		switch block.Type {
		case "PUBLIC KEY":
			pub, err = x509.ParsePKIXPublicKey(block.Bytes)
		case "RSA PUBLIC KEY":
			pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
		case "CERTIFICATE":
			var cert *x509.Certificate
			cert, err = helpers.ParseCertificatePEM(data)
			if err == nil {
				pub = cert.PublicKey
			}
		default:
			err = fmt.Errorf("unsupported PEM block %q", block.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
	} else {
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		ck, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported ssh key type %s", ErrInvalidPublicKey, sshKey.Type())
		}
		pub = ck.CryptoPublicKey()
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	if rsaPub.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: %d bits is below minimum %d", ErrInvalidPublicKey, rsaPub.N.BitLen(), MinRSAKeyBits)
	}
	return rsaPub, nil
}

// EncodePublicKeyPEM returns the PKIX PEM encoding of pub.
func EncodePublicKeyPEM(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// an *rsa.PublicKey always marshals
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// Public returns the public half.
func (k *KeyPair) Public() *rsa.PublicKey { return k.public }

// HasPrivate reports whether the pair can sign and decrypt.
func (k *KeyPair) HasPrivate() bool { return k.private != nil }

// Bits returns the modulus size.
func (k *KeyPair) Bits() int { return helpers.KeyLength(k.public) }

// Sign signs SHA-256(data) with RSA PKCS#1 v1.5.
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	if k.private == nil {
		return nil, cferr.New(cferr.PrivateKeyError, cferr.Unknown)
	}
	sum := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, sum[:])
}

// Verify checks a signature produced by Sign.
func (k *KeyPair) Verify(data, sig []byte) bool {
	return verifySignature(k.public, data, sig)
}

// Encrypt encrypts plain with RSA-OAEP (SHA-256).
func (k *KeyPair) Encrypt(plain []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, k.public, plain, nil)
}

// Decrypt reverses Encrypt.
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.private == nil {
		return nil, cferr.New(cferr.PrivateKeyError, cferr.Unknown)
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, ciphertext, nil)
}

func verifySignature(pub *rsa.PublicKey, data, sig []byte) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	sum := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig) == nil
}

// decodeSignature accepts hex or standard base64.
func decodeSignature(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}

// looksLikeKeyMaterial distinguishes inline keys from file paths in the
// configuration document.
func looksLikeKeyMaterial(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "-----BEGIN ") || strings.HasPrefix(s, "ssh-rsa ")
}
