package logtrust

import (
	"crypto/rsa"
	"encoding/json"
	"maps"
	"os"
	"time"
)

// Defaults applied when the document omits a setting.
const (
	DefaultAdminPort                   = 8776
	DefaultConnectPort                 = 8777
	DefaultLoggingPort                 = 8778
	DefaultKeySize                     = 256
	DefaultClientAge                   = 259200 * time.Second
	DefaultNonAcknowledgedClientAge    = 300 * time.Second
	DefaultClientIntegrityTaskInterval = 300 * time.Second
	DefaultTimestampValidity           = 120 * time.Second
	DefaultDispatchDelay               = time.Millisecond
	DefaultMaxItemsInBulk              = 5
	DefaultFileMode        os.FileMode = 0o640

	DefaultArchivedLogDirectory          = "archives/%logger"
	DefaultArchivedLogFilename           = "%logger-%year-%month-%day-%hour%min.log"
	DefaultArchivedLogCompressedFilename = "%logger-%year-%month-%day-%hour%min.tar.gz"
)

// MaxBlacklistLoggers bounds the blacklist size.
const MaxBlacklistLoggers = 1000

// UnknownClientID identifies records not attributable to an enrolled client.
const UnknownClientID = "unknown"

// knownClient is immutable once placed in a snapshot; changes replace it.
type knownClient struct {
	id            string
	publicKeyPath string
	publicKey     *rsa.PublicKey
	loggers       map[string]struct{}
	defaultLogger string
	user          string
	remote        bool
}

// loggerPolicy is immutable once placed in a snapshot.
type loggerPolicy struct {
	id                            string
	flags                         Flag
	rotation                      RotationFrequency
	archivedLogDirectory          string
	archivedLogFilename           string
	archivedLogCompressedFilename string
	configurationFile             string
	user                          string
	remote                        bool
}

// snapshot is one fully validated configuration. Published snapshots are
// never mutated; writers clone, modify and swap.
type snapshot struct {
	adminPort   int
	connectPort int
	loggingPort int

	flags          Flag
	defaultKeySize int
	keySizes       map[string]int

	clientAge                   time.Duration
	nonAcknowledgedClientAge    time.Duration
	clientIntegrityTaskInterval time.Duration
	timestampValidity           time.Duration
	dispatchDelay               time.Duration
	maxItemsInBulk              int
	fileMode                    os.FileMode

	archivedLogDirectory          string
	archivedLogFilename           string
	archivedLogCompressedFilename string

	loggers            map[string]*loggerPolicy
	loggerFlags        map[string]Flag
	blacklist          map[string]struct{}
	unknownLoggerUsers map[string]string
	clients            map[string]*knownClient

	knownClientsEndpoint string
	knownLoggersEndpoint string

	serverKey               string
	serverKeyPair           *KeyPair
	serverRSAPublicKeyFile  string
	serverRSAPrivateKeyFile string
	serverRSASecret         string

	extensionModules []string
	extensionConfig  map[string]json.RawMessage
	extensions       []string // ids of active extensions, in document order
}

func newSnapshot() *snapshot {
	return &snapshot{
		adminPort:                     DefaultAdminPort,
		connectPort:                   DefaultConnectPort,
		loggingPort:                   DefaultLoggingPort,
		defaultKeySize:                DefaultKeySize,
		keySizes:                      map[string]int{},
		clientAge:                     DefaultClientAge,
		nonAcknowledgedClientAge:      DefaultNonAcknowledgedClientAge,
		clientIntegrityTaskInterval:   DefaultClientIntegrityTaskInterval,
		timestampValidity:             DefaultTimestampValidity,
		dispatchDelay:                 DefaultDispatchDelay,
		maxItemsInBulk:                DefaultMaxItemsInBulk,
		fileMode:                      DefaultFileMode,
		archivedLogDirectory:          DefaultArchivedLogDirectory,
		archivedLogFilename:           DefaultArchivedLogFilename,
		archivedLogCompressedFilename: DefaultArchivedLogCompressedFilename,
		loggers:                       map[string]*loggerPolicy{},
		loggerFlags:                   map[string]Flag{},
		blacklist:                     map[string]struct{}{},
		unknownLoggerUsers:            map[string]string{},
		clients:                       map[string]*knownClient{},
		extensionConfig:               map[string]json.RawMessage{},
	}
}

// clone returns a shallow copy whose maps may be modified without affecting
// the receiver. Map values are immutable and shared.
func (s *snapshot) clone() *snapshot {
	c := *s
	c.keySizes = maps.Clone(s.keySizes)
	c.loggers = maps.Clone(s.loggers)
	c.loggerFlags = maps.Clone(s.loggerFlags)
	c.blacklist = maps.Clone(s.blacklist)
	c.unknownLoggerUsers = maps.Clone(s.unknownLoggerUsers)
	c.clients = maps.Clone(s.clients)
	c.extensionConfig = maps.Clone(s.extensionConfig)
	c.extensionModules = append([]string(nil), s.extensionModules...)
	c.extensions = append([]string(nil), s.extensions...)
	return &c
}

// keySize honours overrides only for enrolled clients.
func (s *snapshot) keySize(clientID string) int {
	if _, ok := s.clients[clientID]; !ok {
		return s.defaultKeySize
	}
	if ks, ok := s.keySizes[clientID]; ok {
		return ks
	}
	return s.defaultKeySize
}

func (s *snapshot) hasLoggerFlag(loggerID string, f Flag) bool {
	return (s.flags | s.loggerFlags[loggerID]).Has(f)
}

func (s *snapshot) isBlacklisted(loggerID string) bool {
	_, ok := s.blacklist[loggerID]
	return ok
}

func (s *snapshot) isKnownLogger(loggerID string) bool {
	_, ok := s.loggers[loggerID]
	return ok
}

func (s *snapshot) isKnownLoggerForClient(clientID, loggerID string) bool {
	c, ok := s.clients[clientID]
	if !ok {
		return false
	}
	_, ok = c.loggers[loggerID]
	return ok
}
