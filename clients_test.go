package logtrust

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddVerifyRemoveClient(t *testing.T) {
	c := loadApp(t)
	kp := testKeyPair(t, 1)
	good := challengeSignature(t, kp, "c2")
	garbage := "00112233"

	require.NoError(t, c.AddKnownClient("c2", EncodePublicKeyPEM(kp.Public())))
	assert.True(t, c.IsKnownClient("c2"))
	assert.True(t, c.VerifyKnownClient("c2", good))
	assert.False(t, c.VerifyKnownClient("c2", garbage))
	assert.False(t, c.VerifyKnownClient("c2", "not a signature"))
	assert.False(t, c.VerifyKnownClient("c2", challengeSignature(t, kp, "c3")), "signature over another challenge")

	assert.True(t, c.RemoveKnownClient("c2"))
	assert.False(t, c.IsKnownClient("c2"))
	assert.False(t, c.VerifyKnownClient("c2", good))
	assert.False(t, c.VerifyKnownClient("c2", garbage))
	assert.False(t, c.RemoveKnownClient("c2"))
}

func TestVerifyDocumentClient(t *testing.T) {
	c := loadApp(t)
	assert.True(t, c.VerifyKnownClient("c1", challengeSignature(t, testKeyPair(t, 0), "c1")))
	assert.False(t, c.VerifyKnownClient("c1", challengeSignature(t, testKeyPair(t, 1), "c1")))
	assert.False(t, c.VerifyKnownClient("nobody", challengeSignature(t, testKeyPair(t, 0), "nobody")))
}

func TestAddKnownClientRejects(t *testing.T) {
	c := loadApp(t)

	err := c.AddKnownClient("c1", EncodePublicKeyPEM(testKeyPair(t, 1).Public()))
	assert.ErrorIs(t, err, ErrClientExists)
	assert.True(t, c.VerifyKnownClient("c1", challengeSignature(t, testKeyPair(t, 0), "c1")), "existing key kept")

	assert.ErrorIs(t, c.AddKnownClient("c2", []byte("junk")), ErrInvalidPublicKey)
	assert.False(t, c.IsKnownClient("c2"))
	assert.Error(t, c.AddKnownClient("", EncodePublicKeyPEM(testKeyPair(t, 1).Public())))
}

func TestSetClientLoggers(t *testing.T) {
	c := loadApp(t)
	require.NoError(t, c.AddKnownClient("c2", EncodePublicKeyPEM(testKeyPair(t, 1).Public())))
	assert.Empty(t, c.DefaultLogger("c2"))

	require.NoError(t, c.SetClientLoggers("c2", "audit", "app", "audit"))
	info, ok := c.ClientInfo("c2")
	require.True(t, ok)
	assert.Equal(t, []string{"app", "audit"}, info.Loggers)
	assert.Equal(t, "audit", info.DefaultLogger)
	assert.Equal(t, "audit", c.DefaultLogger("c2"))

	assert.Error(t, c.SetClientLoggers("c2", "", "ghost"))
	assert.Error(t, c.SetClientLoggers("c2", "banned", "app"))
	assert.ErrorIs(t, c.SetClientLoggers("nobody", ""), ErrUnknownClient)

	info, _ = c.ClientInfo("c2")
	assert.Equal(t, []string{"app", "audit"}, info.Loggers, "failed updates leave the set alone")
}

func TestKeySize(t *testing.T) {
	c := loadApp(t)
	assert.Equal(t, 128, c.KeySize("c1"))
	assert.Equal(t, 256, c.KeySize("unknown-client"))
	assert.Equal(t, 256, c.DefaultKeySize())

	require.NoError(t, c.AddKnownClient("c2", EncodePublicKeyPEM(testKeyPair(t, 1).Public())))
	assert.Equal(t, 256, c.KeySize("c2"))
}

func TestDynamicClientsDroppedOnReload(t *testing.T) {
	c := loadApp(t)
	require.NoError(t, c.AddKnownClient("c2", EncodePublicKeyPEM(testKeyPair(t, 1).Public())))
	require.NoError(t, c.LoadFromInput(mustJSON(t, appDocument(t))))
	assert.False(t, c.IsKnownClient("c2"))
	assert.Equal(t, []string{"c1"}, c.KnownClients())
}

func TestExpiredClients(t *testing.T) {
	clk := clock.NewFake()
	c := New(WithClock(clk))
	doc := appDocument(t)
	doc["client_age"] = 600
	doc["non_acknowledged_client_age"] = 120
	require.NoError(t, c.LoadFromInput(mustJSON(t, doc)))

	pub := EncodePublicKeyPEM(testKeyPair(t, 1).Public())
	require.NoError(t, c.AddKnownClient("quiet", pub))
	require.NoError(t, c.AddKnownClient("chatty", pub))
	enrolled := clk.Now()

	clk.Add(time.Minute)
	assert.True(t, c.VerifyKnownClient("chatty", challengeSignature(t, testKeyPair(t, 1), "chatty")))
	assert.Empty(t, c.ExpiredClients())

	clk.Add(90 * time.Second)
	assert.Equal(t, []string{"quiet"}, c.ExpiredClients())

	require.NoError(t, c.Acknowledge("quiet"))
	assert.Empty(t, c.ExpiredClients())

	clk.Add(11 * time.Minute)
	assert.Equal(t, []string{"chatty", "quiet"}, c.ExpiredClients())

	info, ok := c.ClientInfo("chatty")
	require.True(t, ok)
	assert.Equal(t, enrolled, info.Enrolled)
	assert.Equal(t, enrolled.Add(time.Minute), info.Acknowledged)

	// clients from the document never expire
	assert.NotContains(t, c.ExpiredClients(), "c1")
	assert.ErrorIs(t, c.Acknowledge("nobody"), ErrUnknownClient)

	for _, id := range c.ExpiredClients() {
		c.RemoveKnownClient(id)
	}
	assert.Equal(t, []string{"c1"}, c.KnownClients())
}

func TestAuthorize(t *testing.T) {
	c := loadApp(t)
	require.NoError(t, c.AddKnownClient("bare", EncodePublicKeyPEM(testKeyPair(t, 1).Public())))

	cases := []struct {
		name     string
		setup    func()
		client   string
		logger   string
		allowed  bool
		resolved string
		reason   DenyReason
	}{
		{name: "granted", client: "c1", logger: "audit", allowed: true, resolved: "audit"},
		{name: "default logger", client: "c1", logger: "", allowed: true, resolved: "app"},
		{name: "no default", client: "bare", logger: "", reason: ReasonNoLogger},
		{name: "unknown client without logger", client: "ghost", logger: "", reason: ReasonNoLogger},
		{name: "blacklisted", client: "c1", logger: "banned", reason: ReasonBlacklisted, resolved: "banned"},
		{name: "declared but not granted", client: "bare", logger: "app", reason: ReasonNotAuthorized, resolved: "app"},
		{name: "undeclared", client: "c1", logger: "adhoc", reason: ReasonUnknownLogger, resolved: "adhoc"},
		{name: "unknown client", client: "ghost", logger: "app", reason: ReasonUnknownClient, resolved: "app"},
		{
			name:     "undeclared with unknown loggers allowed",
			setup:    func() { c.AddLoggerFlag("adhoc", AllowUnknownLoggers) },
			client:   "c1",
			logger:   "adhoc",
			allowed:  true,
			resolved: "adhoc",
		},
		{
			name:     "unknown client allowed",
			setup:    func() { c.AddFlag(AllowUnknownClients) },
			client:   "ghost",
			logger:   "app",
			allowed:  true,
			resolved: "app",
		},
		{name: "unknown client still needs a known logger", client: "ghost", logger: "other", reason: ReasonUnknownLogger, resolved: "other"},
		{name: "blacklist wins over everything", client: "ghost", logger: "banned", reason: ReasonBlacklisted, resolved: "banned"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			d := c.Authorize(tc.client, tc.logger)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.resolved, d.LoggerID)
		})
	}
}

func TestTrustChangesAreJournaled(t *testing.T) {
	st, err := OpenSQLiteJournalStore(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	k0, err := DeriveJournalKey([]byte("operator secret"), []byte("salt"))
	require.NoError(t, err)
	j, err := OpenJournal(st, k0, clock.NewFake())
	require.NoError(t, err)
	defer j.Close()

	c := New(WithJournal(j))
	require.NoError(t, c.LoadFromInput(mustJSON(t, appDocument(t))))
	require.NoError(t, c.AddKnownClient("c2", EncodePublicKeyPEM(testKeyPair(t, 1).Public())))
	require.NoError(t, c.SetClientLoggers("c2", "", "app"))
	c.AddFlag(Compression)
	c.AddFlag(Compression)
	c.RemoveKnownClient("c2")
	require.Error(t, c.LoadFromInput([]byte("{")))

	events, err := j.Events(1)
	require.NoError(t, err)
	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{
		EventConfigLoaded,
		EventClientAdded,
		EventClientLoggers,
		EventFlagAdded,
		EventClientRemoved,
		EventConfigRejected,
	}, kinds)
	assert.Equal(t, "c2", events[1].Subject)
	assert.Equal(t, "COMPRESSION", events[3].Subject)
	require.NoError(t, j.Verify())
}

func TestClientErrorsWrap(t *testing.T) {
	c := New()
	err := c.SetClientLoggers("x", "")
	assert.True(t, errors.Is(err, ErrUnknownClient))
	assert.Contains(t, err.Error(), "x")
}

func TestAcknowledgementAfterRevocationIsDropped(t *testing.T) {
	c := loadApp(t)
	require.True(t, c.RemoveKnownClient("c1"))

	// a verification that raced the revocation lands afterwards
	c.touch("c1")
	_, ok := c.activity.Load("c1")
	assert.False(t, ok)
	_, ok = c.ClientInfo("c1")
	assert.False(t, ok)

	c.touch("c1")
	require.NoError(t, c.AddKnownClient("c1", EncodePublicKeyPEM(testKeyPair(t, 0).Public())))
	info, ok := c.ClientInfo("c1")
	require.True(t, ok)
	assert.True(t, info.Acknowledged.IsZero())
}
