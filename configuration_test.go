package logtrust

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cferr "github.com/cloudflare/cfssl/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadApp(t *testing.T) *Configuration {
	t.Helper()
	c := New()
	require.NoError(t, c.LoadFromInput(mustJSON(t, appDocument(t))))
	require.True(t, c.IsValid(), c.Errors())
	return c
}

func TestNewHasDefaults(t *testing.T) {
	c := New()
	assert.True(t, c.IsValid())
	assert.False(t, c.IsMalformedJSON())
	assert.Empty(t, c.Errors())
	assert.Equal(t, DefaultAdminPort, c.AdminPort())
	assert.Equal(t, DefaultKeySize, c.DefaultKeySize())
	assert.Equal(t, DefaultClientAge, c.ClientAge())
	assert.Equal(t, DefaultFileMode, c.FileMode())
	assert.Equal(t, DefaultMaxItemsInBulk, c.MaxItemsInBulk())
	assert.Equal(t, DefaultArchivedLogDirectory, c.GetArchivedLogDirectory("any"))
}

func TestLoadAppScenario(t *testing.T) {
	c := loadApp(t)

	assert.Equal(t, Daily, c.GetRotationFrequency("app"))
	assert.True(t, c.HasLoggerFlag("app", ImmediateFlush))
	assert.False(t, c.HasLoggerFlag("audit", ImmediateFlush))
	assert.True(t, c.HasLoggerFlag("audit", AllowBulkLogRequest), "global flags apply to every logger")
	assert.Equal(t, Hourly, c.GetRotationFrequency("audit"))
	assert.Equal(t, map[string]RotationFrequency{"app": Daily, "audit": Hourly}, c.RotationFrequencies())

	assert.Equal(t, 9001, c.AdminPort())
	assert.Equal(t, 9002, c.ConnectPort())
	assert.Equal(t, 9003, c.LoggingPort())
	assert.Equal(t, os.FileMode(0o640), c.FileMode())
	assert.Equal(t, "alice", c.FindLoggerUser("app"))
	assert.Equal(t, "/etc/logtrust/audit.json", c.GetConfigurationFile("audit"))
	assert.Equal(t, "app", c.DefaultLogger("c1"))
	assert.True(t, c.IsKnownLoggerForClient("c1", "audit"))
	assert.False(t, c.IsKnownLoggerForClient("c1", "banned"))
	assert.Equal(t, []string{"banned"}, c.Blacklist())
}

func TestUnknownLoggerProperties(t *testing.T) {
	c := loadApp(t)
	for _, id := range []string{"nope", "", "banned"} {
		assert.Equal(t, Never, c.GetRotationFrequency(id))
		assert.False(t, c.IsKnownLogger(id))
	}
	assert.True(t, c.IsBlacklisted("banned"))
	assert.False(t, c.IsBlacklisted("app"))
	assert.False(t, c.IsBlacklisted("nope"))
}

func TestMalformedLoadKeepsState(t *testing.T) {
	c := loadApp(t)

	err := c.LoadFromInput([]byte(`{"loggers": {"app": `))
	require.Error(t, err)
	assert.True(t, c.IsMalformedJSON())
	assert.False(t, c.IsValid())
	assert.NotEmpty(t, c.Errors())

	assert.Equal(t, Daily, c.GetRotationFrequency("app"))
	assert.True(t, c.IsKnownClient("c1"))
	assert.Equal(t, 9001, c.AdminPort())

	require.NoError(t, c.LoadFromInput(mustJSON(t, appDocument(t))))
	assert.True(t, c.IsValid())
	assert.False(t, c.IsMalformedJSON())
}

func TestSemanticErrorsAccumulate(t *testing.T) {
	c := loadApp(t)

	doc := appDocument(t)
	doc["connect_port"] = 9001
	doc["extensions"] = []string{"archiver", "archiver"}
	doc["known_clients"] = []map[string]any{
		{"client_id": "c2", "public_key": "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"},
		{"client_id": "c3", "public_key": string(EncodePublicKeyPEM(testKeyPair(t, 1).Public())), "loggers": []string{"ghost"}},
	}
	err := c.LoadFromInput(mustJSON(t, doc))
	require.Error(t, err)

	assert.False(t, c.IsValid())
	assert.False(t, c.IsMalformedJSON())
	msgs := c.Errors()
	assert.Contains(t, msgs, "ports must be distinct")
	assert.Contains(t, msgs, "duplicate extension could not be loaded: archiver")
	assert.Contains(t, msgs, "invalid public key")
	assert.Contains(t, msgs, `logger "ghost" is not declared`)
	assert.GreaterOrEqual(t, len(c.ErrorList()), 4)

	// the previous configuration is still in effect
	assert.Equal(t, 9002, c.ConnectPort())
	assert.True(t, c.IsKnownClient("c1"))
	assert.False(t, c.IsKnownClient("c3"))
}

func TestSchemaViolations(t *testing.T) {
	c := New()
	err := c.LoadFromInput([]byte(`{"admin_port": 70000, "flags": ["FLY"], "dispatch_delay": 0}`))
	require.Error(t, err)
	assert.False(t, c.IsValid())
	assert.False(t, c.IsMalformedJSON())
	assert.Len(t, c.ErrorList(), 3)

	require.Error(t, c.LoadFromInput([]byte(`[1, 2]`)))
	assert.False(t, c.IsMalformedJSON())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeTestFile(t, dir, "c9.pub", EncodePublicKeyPEM(testKeyPair(t, 1).Public()))

	doc := appDocument(t)
	clients := doc["known_clients"].([]map[string]any)
	doc["known_clients"] = append(clients, map[string]any{
		"client_id":  "c9",
		"public_key": filepath.Base(keyPath),
		"key_size":   192,
		"loggers":    []string{"audit"},
	})
	doc["extension_config"] = map[string]any{"archiver": map[string]any{"keep": 3}}
	src := writeTestFile(t, dir, "logtrust.json", mustJSON(t, doc))

	c, err := NewFromFile(src)
	require.NoError(t, err, c.Errors())
	assert.Equal(t, 192, c.KeySize("c9"))

	out := filepath.Join(dir, "saved.json")
	require.NoError(t, c.Save(out))
	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())

	saved, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"public_key": "`+keyPath+`"`, "key files stay referenced by path")

	d, err := NewFromFile(out)
	require.NoError(t, err, d.Errors())
	require.NoError(t, c.ValidateConfigFile(out))

	assert.Equal(t, c.KnownClients(), d.KnownClients())
	for _, id := range c.KnownClients() {
		a, _ := c.ClientInfo(id)
		b, _ := d.ClientInfo(id)
		assert.True(t, a.PublicKey.Equal(b.PublicKey), id)
		assert.Equal(t, a.Loggers, b.Loggers, id)
		assert.Equal(t, a.DefaultLogger, b.DefaultLogger, id)
		assert.Equal(t, a.KeySize, b.KeySize, id)
	}
	for _, id := range []string{"app", "audit", "ghost"} {
		assert.Equal(t, c.GetRotationFrequency(id), d.GetRotationFrequency(id), id)
		assert.Equal(t, c.LoggerFlags(id), d.LoggerFlags(id), id)
		assert.Equal(t, c.GetArchivedLogFilename(id), d.GetArchivedLogFilename(id), id)
		assert.Equal(t, c.FindLoggerUser(id), d.FindLoggerUser(id), id)
	}
	assert.Equal(t, c.Blacklist(), d.Blacklist())
	assert.Equal(t, c.Flags(), d.Flags())
	assert.Equal(t, c.FileMode(), d.FileMode())
	assert.Equal(t, c.DispatchDelay(), d.DispatchDelay())
	assert.Equal(t, c.ExtensionModules(), d.ExtensionModules())
}

func TestSaveToAnotherDirectory(t *testing.T) {
	dir := t.TempDir()
	server := testKeyPair(t, 0)
	writeTestFile(t, dir, "c9.pub", EncodePublicKeyPEM(testKeyPair(t, 1).Public()))
	writeTestFile(t, dir, "server.key", pemPrivateKey(server))
	writeTestFile(t, dir, "server.pub", EncodePublicKeyPEM(server.Public()))

	doc := appDocument(t)
	clients := doc["known_clients"].([]map[string]any)
	doc["known_clients"] = append(clients, map[string]any{"client_id": "c9", "public_key": "c9.pub"})
	doc["server_rsa_public_key"] = "server.pub"
	doc["server_rsa_private_key"] = "server.key"
	c, err := NewFromFile(writeTestFile(t, dir, "logtrust.json", mustJSON(t, doc)))
	require.NoError(t, err, c.Errors())

	out := filepath.Join(t.TempDir(), "copy.json")
	require.NoError(t, c.Save(out))
	require.NoError(t, c.ValidateConfigFile(out))

	d, err := NewFromFile(out)
	require.NoError(t, err, d.Errors())
	a, _ := c.ClientInfo("c9")
	b, ok := d.ClientInfo("c9")
	require.True(t, ok)
	assert.True(t, a.PublicKey.Equal(b.PublicKey))
	assert.Equal(t, filepath.Join(dir, "c9.pub"), b.PublicKeyPath)
	require.NotNil(t, d.ServerKeyPair())
	assert.True(t, d.ServerKeyPair().Public().Equal(server.Public()))
}

func TestSaveOmitsProvisionedState(t *testing.T) {
	c := loadApp(t)
	c.AddFlag(AllowUnknownLoggers)
	require.True(t, c.UpdateUnknownLoggerUserFromRequest("adhoc", fakeRequest{user: "bob"}))
	c.AddLoggerFlag("adhoc", Compression)
	assert.True(t, c.HasLoggerFlag("adhoc", Compression))

	out := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, c.Save(out))
	saved, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(saved), "adhoc")
	assert.Contains(t, string(saved), "ALLOW_UNKNOWN_LOGGERS")
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	doc := appDocument(t)
	path := writeTestFile(t, dir, "logtrust.json", mustJSON(t, doc))

	c, err := NewFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.ConfigurationFile())

	doc["blacklist"] = []string{"banned", "app2"}
	writeTestFile(t, dir, "logtrust.json", mustJSON(t, doc))
	require.NoError(t, c.Reload())
	assert.True(t, c.IsBlacklisted("app2"))

	writeTestFile(t, dir, "logtrust.json", []byte("{oops"))
	require.Error(t, c.Reload())
	assert.True(t, c.IsMalformedJSON())
	assert.True(t, c.IsBlacklisted("app2"))

	assert.Error(t, New().Reload())
}

func TestReloadIsAtomicForReaders(t *testing.T) {
	c := loadApp(t)
	daily := mustJSON(t, appDocument(t))
	doc := appDocument(t)
	doc["loggers"].(map[string]any)["app"].(map[string]any)["rotation_freq"] = "WEEKLY"
	doc["blacklist"] = []string{"weekly-only"}
	weekly := mustJSON(t, doc)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := c.cur.Load()
				rot := s.loggers["app"].rotation
				if (rot == Weekly) != s.isBlacklisted("weekly-only") {
					t.Error("reader observed a mixed configuration")
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		input := daily
		if i%2 == 0 {
			input = weekly
		}
		require.NoError(t, c.LoadFromInput(input))
	}
	close(stop)
	wg.Wait()
}

func TestFailedLoadKeepsReloadPath(t *testing.T) {
	dir := t.TempDir()
	good := writeTestFile(t, dir, "logtrust.json", mustJSON(t, appDocument(t)))
	c, err := NewFromFile(good)
	require.NoError(t, err, c.Errors())

	require.Error(t, c.Load(filepath.Join(dir, "typo.json")))
	require.Error(t, c.Load(writeTestFile(t, dir, "broken.json", []byte("{"))))
	assert.Equal(t, good, c.ConfigurationFile())

	require.NoError(t, c.Reload(), c.Errors())
	assert.True(t, c.IsValid())
}

func TestValidateConfigFile(t *testing.T) {
	dir := t.TempDir()
	c := New()

	good := writeTestFile(t, dir, "good.json", mustJSON(t, appDocument(t)))
	assert.NoError(t, c.ValidateConfigFile(good))

	bad := writeTestFile(t, dir, "bad.json", []byte(`{"extensions": ["a", "a"]}`))
	err := c.ValidateConfigFile(bad)
	require.Error(t, err)
	var ce *cferr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int(cferr.PolicyError)+int(cferr.InvalidPolicy), ce.ErrorCode)
	assert.True(t, strings.Contains(ce.Message, "duplicate extension"))

	// validation never touches the store
	assert.True(t, c.IsValid())
	assert.Empty(t, c.ConfigurationFile())
}

func TestServerKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	kp := testKeyPair(t, 0)
	writeTestFile(t, dir, "server.key", pemPrivateKey(kp))
	writeTestFile(t, dir, "server.pub", EncodePublicKeyPEM(kp.Public()))

	doc := map[string]any{
		"server_key":             strings.Repeat("ab", 32),
		"server_rsa_public_key":  "server.pub",
		"server_rsa_private_key": "server.key",
	}
	path := writeTestFile(t, dir, "logtrust.json", mustJSON(t, doc))
	c, err := NewFromFile(path)
	require.NoError(t, err, c.Errors())
	require.NotNil(t, c.ServerKeyPair())
	assert.True(t, c.ServerKeyPair().Public().Equal(kp.Public()))
	assert.Equal(t, strings.Repeat("ab", 32), c.ServerKey())

	doc["server_rsa_public_key"] = "other.pub"
	writeTestFile(t, dir, "other.pub", EncodePublicKeyPEM(testKeyPair(t, 1).Public()))
	writeTestFile(t, dir, "logtrust.json", mustJSON(t, doc))
	require.Error(t, c.Reload())
	assert.Contains(t, c.Errors(), "server_rsa_private_key")
	assert.True(t, c.ServerKeyPair().Public().Equal(kp.Public()))
}

func TestGlobalFlags(t *testing.T) {
	c := New()
	assert.False(t, c.HasFlag(Compression))
	c.AddFlag(Compression | EnableCLI)
	assert.True(t, c.HasFlag(Compression))
	assert.True(t, c.HasLoggerFlag("anything", EnableCLI))
	c.RemoveFlag(Compression)
	assert.False(t, c.HasFlag(Compression))
	assert.True(t, c.HasFlag(EnableCLI))
}

func TestDurations(t *testing.T) {
	doc := map[string]any{
		"client_age":                     600,
		"non_acknowledged_client_age":    120,
		"client_integrity_task_interval": 60,
		"timestamp_validity":             30,
		"dispatch_delay":                 20,
		"max_items_in_bulk":              10,
	}
	c := New()
	require.NoError(t, c.LoadFromInput(mustJSON(t, doc)))
	assert.Equal(t, 10*time.Minute, c.ClientAge())
	assert.Equal(t, 2*time.Minute, c.NonAcknowledgedClientAge())
	assert.Equal(t, time.Minute, c.ClientIntegrityTaskInterval())
	assert.Equal(t, 30*time.Second, c.TimestampValidity())
	assert.Equal(t, 20*time.Millisecond, c.DispatchDelay())
	assert.Equal(t, 10, c.MaxItemsInBulk())

	doc["client_integrity_task_interval"] = 900
	require.Error(t, c.LoadFromInput(mustJSON(t, doc)))
	assert.Contains(t, c.Errors(), "must not exceed client_age")
}
