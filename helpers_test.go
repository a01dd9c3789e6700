package logtrust

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testKeys     [2]*KeyPair
)

// testKeyPair returns one of two RSA key pairs shared by the package tests.
func testKeyPair(t *testing.T, n int) *KeyPair {
	t.Helper()
	testKeysOnce.Do(func() {
		for i := range testKeys {
			kp, err := GenerateKeyPair(2048)
			if err != nil {
				panic(err)
			}
			testKeys[i] = kp
		}
	})
	return testKeys[n]
}

// challengeSignature signs the challenge of clientID and hex encodes it.
func challengeSignature(t *testing.T, kp *KeyPair, clientID string) string {
	t.Helper()
	sig, err := kp.Sign([]byte(clientID))
	require.NoError(t, err)
	return hex.EncodeToString(sig)
}

func pemPrivateKey(kp *KeyPair) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(kp.private)})
}

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// appDocument is the reference document used across tests.
func appDocument(t *testing.T) map[string]any {
	t.Helper()
	return map[string]any{
		"admin_port":       9001,
		"connect_port":     9002,
		"logging_port":     9003,
		"flags":            []string{"ALLOW_BULK_LOG_REQUEST"},
		"default_key_size": 256,
		"key_sizes":        map[string]int{"c1": 128},
		"loggers": map[string]any{
			"app": map[string]any{
				"rotation_freq":         "DAILY",
				"flags":                 []string{"IMMEDIATE_FLUSH"},
				"archived_log_filename": "%logger-%year%month%day.log",
				"user":                  "alice",
			},
			"audit": map[string]any{
				"rotation_freq":      "HOURLY",
				"configuration_file": "/etc/logtrust/audit.json",
			},
		},
		"blacklist": []string{"banned"},
		"known_clients": []map[string]any{
			{
				"client_id":      "c1",
				"public_key":     string(EncodePublicKeyPEM(testKeyPair(t, 0).Public())),
				"loggers":        []string{"app", "audit"},
				"default_logger": "app",
				"user":           "alice",
			},
		},
		"file_mode": "0640",
	}
}
