package logtrust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParsePublicKeyFormats(t *testing.T) {
	kp := testKeyPair(t, 0)
	pub := kp.Public()

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)})

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	authorized := ssh.MarshalAuthorizedKey(sshPub)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "c1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, kp.private)
	require.NoError(t, err)
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	for name, data := range map[string][]byte{
		"pkix":        EncodePublicKeyPEM(pub),
		"pkcs1":       pkcs1,
		"openssh":     authorized,
		"certificate": cert,
	} {
		got, err := ParsePublicKey(data)
		require.NoError(t, err, name)
		assert.True(t, got.Equal(pub), name)
	}
}

func TestParsePublicKeyRejects(t *testing.T) {
	small := &rsa.PublicKey{N: new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 511), big.NewInt(1)), E: 65537}

	for name, data := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("not a key"),
		"bad pem":   []byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"),
		"wrong pem": pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}),
		"too small": EncodePublicKeyPEM(small),
	} {
		_, err := ParsePublicKey(data)
		assert.ErrorIs(t, err, ErrInvalidPublicKey, name)
	}
}

func TestKeyPairSignEncrypt(t *testing.T) {
	kp := testKeyPair(t, 0)
	other := testKeyPair(t, 1)

	sig, err := kp.Sign([]byte("challenge"))
	require.NoError(t, err)
	assert.True(t, kp.Verify([]byte("challenge"), sig))
	assert.False(t, kp.Verify([]byte("other"), sig))
	assert.False(t, other.Verify([]byte("challenge"), sig))

	ct, err := kp.Encrypt([]byte("session key"))
	require.NoError(t, err)
	pt, err := kp.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "session key", string(pt))

	assert.Equal(t, 2048, kp.Bits())
	assert.True(t, kp.HasPrivate())
	public := &KeyPair{public: kp.Public()}
	_, err = public.Sign([]byte("x"))
	assert.Error(t, err)
}

func TestLoadKeyPair(t *testing.T) {
	dir := t.TempDir()
	kp := testKeyPair(t, 0)
	privPath := writeTestFile(t, dir, "server.key", pemPrivateKey(kp))
	pubPath := writeTestFile(t, dir, "server.pub", EncodePublicKeyPEM(kp.Public()))
	otherPath := writeTestFile(t, dir, "other.pub", EncodePublicKeyPEM(testKeyPair(t, 1).Public()))

	loaded, err := LoadKeyPair(pubPath, privPath, nil)
	require.NoError(t, err)
	assert.True(t, loaded.Public().Equal(kp.Public()))

	loaded, err = LoadKeyPair("", privPath, nil)
	require.NoError(t, err)
	assert.True(t, loaded.HasPrivate())

	_, err = LoadKeyPair(otherPath, privPath, nil)
	assert.Error(t, err)

	_, err = LoadKeyPair(pubPath, dir+"/missing.key", nil)
	assert.Error(t, err)
}

func TestDecodeSignature(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	b, ok := decodeSignature("deadbeef")
	require.True(t, ok)
	assert.Equal(t, raw, b)

	b, ok = decodeSignature(base64.StdEncoding.EncodeToString([]byte("signature!")))
	require.True(t, ok)
	assert.Equal(t, []byte("signature!"), b)

	_, ok = decodeSignature("")
	assert.False(t, ok)
	_, ok = decodeSignature("@@@")
	assert.False(t, ok)
}
