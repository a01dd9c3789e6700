package logtrust

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cloudflare/cfssl/log"
	"go.uber.org/multierr"
)

// document is the on-disk JSON form of a configuration.
type document struct {
	AdminPort   *int `json:"admin_port,omitempty"`
	ConnectPort *int `json:"connect_port,omitempty"`
	LoggingPort *int `json:"logging_port,omitempty"`

	Flags          []string       `json:"flags,omitempty"`
	DefaultKeySize *int           `json:"default_key_size,omitempty"`
	KeySizes       map[string]int `json:"key_sizes,omitempty"`

	ClientAge                   *int64    `json:"client_age,omitempty"`
	NonAcknowledgedClientAge    *int64    `json:"non_acknowledged_client_age,omitempty"`
	ClientIntegrityTaskInterval *int64    `json:"client_integrity_task_interval,omitempty"`
	TimestampValidity           *int64    `json:"timestamp_validity,omitempty"`
	DispatchDelay               *int64    `json:"dispatch_delay,omitempty"`
	MaxItemsInBulk              *int      `json:"max_items_in_bulk,omitempty"`
	FileMode                    *fileMode `json:"file_mode,omitempty"`

	ArchivedLogDirectory          string `json:"archived_log_directory,omitempty"`
	ArchivedLogFilename           string `json:"archived_log_filename,omitempty"`
	ArchivedLogCompressedFilename string `json:"archived_log_compressed_filename,omitempty"`

	Loggers   map[string]loggerDoc `json:"loggers,omitempty"`
	Blacklist []string             `json:"blacklist,omitempty"`

	KnownClients         []clientDoc `json:"known_clients,omitempty"`
	KnownClientsEndpoint string      `json:"known_clients_endpoint,omitempty"`
	KnownLoggersEndpoint string      `json:"known_loggers_endpoint,omitempty"`

	Extensions      []string                   `json:"extensions,omitempty"`
	ExtensionConfig map[string]json.RawMessage `json:"extension_config,omitempty"`

	ServerKey           string `json:"server_key,omitempty"`
	ServerRSAPublicKey  string `json:"server_rsa_public_key,omitempty"`
	ServerRSAPrivateKey string `json:"server_rsa_private_key,omitempty"`
	ServerRSASecret     string `json:"server_rsa_secret,omitempty"`
}

type loggerDoc struct {
	Flags                         []string `json:"flags,omitempty"`
	RotationFreq                  string   `json:"rotation_freq,omitempty"`
	ArchivedLogDirectory          string   `json:"archived_log_directory,omitempty"`
	ArchivedLogFilename           string   `json:"archived_log_filename,omitempty"`
	ArchivedLogCompressedFilename string   `json:"archived_log_compressed_filename,omitempty"`
	ConfigurationFile             string   `json:"configuration_file,omitempty"`
	User                          string   `json:"user,omitempty"`
}

type clientDoc struct {
	ClientID      string   `json:"client_id"`
	PublicKey     string   `json:"public_key"`
	KeySize       int      `json:"key_size,omitempty"`
	Loggers       []string `json:"loggers,omitempty"`
	DefaultLogger string   `json:"default_logger,omitempty"`
	User          string   `json:"user,omitempty"`
}

// fileMode accepts either a JSON number or an octal string such as "0640".
type fileMode os.FileMode

func (m *fileMode) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		*m = fileMode(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("file_mode: %w", err)
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("file_mode %q: %w", s, err)
	}
	*m = fileMode(v)
	return nil
}

func (m fileMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%04o", uint32(m)))
}

// parseError carries whether the failure was a syntax error.
type parseError struct {
	malformed bool
	err       error
}

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// decodeDocument checks syntax and shape, then decodes data.
func decodeDocument(data []byte) (*document, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		var se *json.SyntaxError
		if errors.As(err, &se) {
			return nil, &parseError{malformed: true, err: fmt.Errorf("malformed JSON at offset %d: %w", se.Offset, err)}
		}
		return nil, &parseError{malformed: true, err: fmt.Errorf("malformed JSON: %w", err)}
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, &parseError{err: errors.New("configuration must be a JSON object")}
	}
	if err := validateSchema(data); err != nil {
		return nil, &parseError{err: err}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &parseError{err: fmt.Errorf("decode configuration: %w", err)}
	}
	return &doc, nil
}

// buildOptions controls the side effects of turning a document into a
// snapshot.
type buildOptions struct {
	baseDir string
	fetcher *remoteFetcher // nil skips remote endpoints
}

// resolvePath makes p absolute, relative to base or to the working directory
// when base is empty. Snapshots keep resolved paths so a document saved
// elsewhere still points at the same files.
func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if base != "" {
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func seconds(v *int64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v) * time.Second
}

// buildSnapshot validates the semantics of doc and returns the resulting
// snapshot together with every problem found. Shape checks were already done
// by the schema.
func buildSnapshot(ctx context.Context, doc *document, opts buildOptions) (*snapshot, error) {
	s := newSnapshot()
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if doc.AdminPort != nil {
		s.adminPort = *doc.AdminPort
	}
	if doc.ConnectPort != nil {
		s.connectPort = *doc.ConnectPort
	}
	if doc.LoggingPort != nil {
		s.loggingPort = *doc.LoggingPort
	}
	if s.adminPort == s.connectPort || s.adminPort == s.loggingPort || s.connectPort == s.loggingPort {
		fail("ports must be distinct: admin=%d connect=%d logging=%d", s.adminPort, s.connectPort, s.loggingPort)
	}

	flags, ferrs := parseFlags(doc.Flags)
	for _, err := range ferrs {
		fail("flags: %v", err)
	}
	s.flags = flags

	if doc.DefaultKeySize != nil {
		s.defaultKeySize = *doc.DefaultKeySize
	}
	for id, ks := range doc.KeySizes {
		s.keySizes[id] = ks
	}

	s.clientAge = seconds(doc.ClientAge, DefaultClientAge)
	s.nonAcknowledgedClientAge = seconds(doc.NonAcknowledgedClientAge, DefaultNonAcknowledgedClientAge)
	s.clientIntegrityTaskInterval = seconds(doc.ClientIntegrityTaskInterval, DefaultClientIntegrityTaskInterval)
	s.timestampValidity = seconds(doc.TimestampValidity, DefaultTimestampValidity)
	if doc.DispatchDelay != nil {
		s.dispatchDelay = time.Duration(*doc.DispatchDelay) * time.Millisecond
	}
	if doc.MaxItemsInBulk != nil {
		s.maxItemsInBulk = *doc.MaxItemsInBulk
	}
	if s.clientAge > 0 && s.clientIntegrityTaskInterval > s.clientAge {
		fail("client_integrity_task_interval (%s) must not exceed client_age (%s)",
			s.clientIntegrityTaskInterval, s.clientAge)
	}
	if doc.FileMode != nil {
		s.fileMode = os.FileMode(*doc.FileMode)
		if s.fileMode&0o600 != 0o600 {
			fail("file_mode %04o must grant the owner read and write", uint32(s.fileMode))
		}
	}

	if doc.ArchivedLogDirectory != "" {
		s.archivedLogDirectory = doc.ArchivedLogDirectory
	}
	if doc.ArchivedLogFilename != "" {
		s.archivedLogFilename = doc.ArchivedLogFilename
	}
	if doc.ArchivedLogCompressedFilename != "" {
		s.archivedLogCompressedFilename = doc.ArchivedLogCompressedFilename
	}

	for id, ld := range doc.Loggers {
		lp, err := buildLogger(id, ld)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.loggers[id] = lp
		if lp.flags != FlagNone {
			s.loggerFlags[id] = lp.flags
		}
	}

	s.knownLoggersEndpoint = doc.KnownLoggersEndpoint
	if doc.KnownLoggersEndpoint != "" && opts.fetcher != nil {
		remote, err := opts.fetcher.fetchLoggers(ctx, doc.KnownLoggersEndpoint)
		if err != nil {
			fail("known_loggers_endpoint: %v", err)
		}
		for id, ld := range remote {
			if _, dup := s.loggers[id]; dup {
				log.Warningf("remote logger [%s] shadowed by local declaration", id)
				continue
			}
			lp, err := buildLogger(id, ld)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			lp.remote = true
			s.loggers[id] = lp
			if lp.flags != FlagNone {
				s.loggerFlags[id] = lp.flags
			}
		}
	}

	if len(doc.Blacklist) > MaxBlacklistLoggers {
		fail("blacklist has %d entries, maximum is %d", len(doc.Blacklist), MaxBlacklistLoggers)
	}
	for _, id := range doc.Blacklist {
		s.blacklist[id] = struct{}{}
	}

	// loggers the skipped endpoint would declare cannot be checked
	lenient := doc.KnownLoggersEndpoint != "" && opts.fetcher == nil
	for i, cd := range doc.KnownClients {
		kc, err := buildClient(s, cd, opts.baseDir, lenient)
		if err != nil {
			fail("known_clients[%d]: %v", i, err)
			continue
		}
		if _, dup := s.clients[kc.id]; dup {
			fail("known_clients[%d]: duplicate client id %q", i, kc.id)
			continue
		}
		s.clients[kc.id] = kc
		if cd.KeySize != 0 {
			s.keySizes[kc.id] = cd.KeySize
		}
	}

	s.knownClientsEndpoint = doc.KnownClientsEndpoint
	if doc.KnownClientsEndpoint != "" && opts.fetcher != nil {
		remote, err := opts.fetcher.fetchClients(ctx, doc.KnownClientsEndpoint)
		if err != nil {
			fail("known_clients_endpoint: %v", err)
		}
		for i, cd := range remote {
			// remote entries carry key material inline, never a local path
			if !looksLikeKeyMaterial(cd.PublicKey) {
				fail("known_clients_endpoint[%d]: public key must be inline", i)
				continue
			}
			kc, err := buildClient(s, cd, "", false)
			if err != nil {
				fail("known_clients_endpoint[%d]: %v", i, err)
				continue
			}
			if _, dup := s.clients[kc.id]; dup {
				fail("known_clients_endpoint[%d]: duplicate client id %q", i, kc.id)
				continue
			}
			kc.remote = true
			s.clients[kc.id] = kc
			if cd.KeySize != 0 {
				s.keySizes[kc.id] = cd.KeySize
			}
		}
	}

	seen := map[string]bool{}
	for _, m := range doc.Extensions {
		if seen[m] {
			fail("duplicate extension could not be loaded: %s", m)
			continue
		}
		seen[m] = true
		s.extensionModules = append(s.extensionModules, m)
	}
	for id, raw := range doc.ExtensionConfig {
		s.extensionConfig[id] = raw
	}

	if doc.ServerKey != "" {
		if _, err := hex.DecodeString(doc.ServerKey); err != nil {
			fail("server_key: %v", err)
		}
		s.serverKey = doc.ServerKey
	}
	s.serverRSAPublicKeyFile = resolvePath(opts.baseDir, doc.ServerRSAPublicKey)
	s.serverRSAPrivateKeyFile = resolvePath(opts.baseDir, doc.ServerRSAPrivateKey)
	s.serverRSASecret = doc.ServerRSASecret
	switch {
	case doc.ServerRSAPrivateKey != "":
		kp, err := LoadKeyPair(s.serverRSAPublicKeyFile, s.serverRSAPrivateKeyFile, []byte(doc.ServerRSASecret))
		if err != nil {
			fail("server_rsa_private_key: %v", err)
		} else {
			s.serverKeyPair = kp
		}
	case doc.ServerRSAPublicKey != "":
		fail("server_rsa_public_key given without server_rsa_private_key")
	case doc.ServerRSASecret != "":
		fail("server_rsa_secret given without server_rsa_private_key")
	}

	return s, errs
}

func buildLogger(id string, ld loggerDoc) (*loggerPolicy, error) {
	var errs error
	flags, ferrs := parseFlags(ld.Flags)
	for _, err := range ferrs {
		errs = multierr.Append(errs, fmt.Errorf("loggers[%s].flags: %w", id, err))
	}
	rot, err := ParseRotationFrequency(ld.RotationFreq)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("loggers[%s].rotation_freq: %w", id, err))
	}
	if errs != nil {
		return nil, errs
	}
	return &loggerPolicy{
		id:                            id,
		flags:                         flags,
		rotation:                      rot,
		archivedLogDirectory:          ld.ArchivedLogDirectory,
		archivedLogFilename:           ld.ArchivedLogFilename,
		archivedLogCompressedFilename: ld.ArchivedLogCompressedFilename,
		configurationFile:             ld.ConfigurationFile,
		user:                          ld.User,
	}, nil
}

// buildClient reads and validates one client entry against the loggers
// already present in s. With lenient set, undeclared loggers are accepted.
func buildClient(s *snapshot, cd clientDoc, baseDir string, lenient bool) (*knownClient, error) {
	if cd.ClientID == "" {
		return nil, errors.New("missing client_id")
	}
	kc := &knownClient{
		id:            cd.ClientID,
		loggers:       map[string]struct{}{},
		defaultLogger: cd.DefaultLogger,
		user:          cd.User,
	}

	material := []byte(cd.PublicKey)
	if !looksLikeKeyMaterial(cd.PublicKey) {
		kc.publicKeyPath = resolvePath(baseDir, cd.PublicKey)
		b, err := os.ReadFile(kc.publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("client %q: read public key: %w", cd.ClientID, err)
		}
		material = b
	}
	pub, err := ParsePublicKey(material)
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", cd.ClientID, err)
	}
	kc.publicKey = pub

	var errs error
	for _, l := range cd.Loggers {
		if !s.isKnownLogger(l) && !lenient {
			errs = multierr.Append(errs, fmt.Errorf("client %q: logger %q is not declared", cd.ClientID, l))
			continue
		}
		kc.loggers[l] = struct{}{}
	}
	if cd.DefaultLogger != "" {
		if _, ok := kc.loggers[cd.DefaultLogger]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("client %q: default logger %q is not in its logger list",
				cd.ClientID, cd.DefaultLogger))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return kc, nil
}

// toDocument renders s in document form. Remote entries and auto-provisioned
// unknown loggers are omitted; private keys are referenced by path only.
func (s *snapshot) toDocument() *document {
	doc := &document{
		AdminPort:                     intPtr(s.adminPort),
		ConnectPort:                   intPtr(s.connectPort),
		LoggingPort:                   intPtr(s.loggingPort),
		Flags:                         s.flags.Names(),
		DefaultKeySize:                intPtr(s.defaultKeySize),
		ClientAge:                     int64Ptr(int64(s.clientAge / time.Second)),
		NonAcknowledgedClientAge:      int64Ptr(int64(s.nonAcknowledgedClientAge / time.Second)),
		ClientIntegrityTaskInterval:   int64Ptr(int64(s.clientIntegrityTaskInterval / time.Second)),
		TimestampValidity:             int64Ptr(int64(s.timestampValidity / time.Second)),
		DispatchDelay:                 int64Ptr(int64(s.dispatchDelay / time.Millisecond)),
		MaxItemsInBulk:                intPtr(s.maxItemsInBulk),
		ArchivedLogDirectory:          s.archivedLogDirectory,
		ArchivedLogFilename:           s.archivedLogFilename,
		ArchivedLogCompressedFilename: s.archivedLogCompressedFilename,
		KnownClientsEndpoint:          s.knownClientsEndpoint,
		KnownLoggersEndpoint:          s.knownLoggersEndpoint,
		Extensions:                    append([]string(nil), s.extensionModules...),
		ServerKey:                     s.serverKey,
		ServerRSAPublicKey:            s.serverRSAPublicKeyFile,
		ServerRSAPrivateKey:           s.serverRSAPrivateKeyFile,
		ServerRSASecret:               s.serverRSASecret,
	}
	fm := fileMode(s.fileMode)
	doc.FileMode = &fm

	remoteClient := map[string]bool{}
	for id, c := range s.clients {
		if c.remote {
			remoteClient[id] = true
		}
	}
	for id, ks := range s.keySizes {
		if remoteClient[id] {
			continue
		}
		if doc.KeySizes == nil {
			doc.KeySizes = map[string]int{}
		}
		doc.KeySizes[id] = ks
	}

	for id, lp := range s.loggers {
		if lp.remote {
			continue
		}
		if doc.Loggers == nil {
			doc.Loggers = map[string]loggerDoc{}
		}
		doc.Loggers[id] = loggerDoc{
			Flags:                         s.loggerFlags[id].Names(),
			RotationFreq:                  rotationName(lp.rotation),
			ArchivedLogDirectory:          lp.archivedLogDirectory,
			ArchivedLogFilename:           lp.archivedLogFilename,
			ArchivedLogCompressedFilename: lp.archivedLogCompressedFilename,
			ConfigurationFile:             lp.configurationFile,
			User:                          lp.user,
		}
	}

	for id := range s.blacklist {
		doc.Blacklist = append(doc.Blacklist, id)
	}
	sort.Strings(doc.Blacklist)

	ids := make([]string, 0, len(s.clients))
	for id, c := range s.clients {
		if !c.remote {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := s.clients[id]
		key := c.publicKeyPath
		if key == "" {
			key = string(EncodePublicKeyPEM(c.publicKey))
		}
		doc.KnownClients = append(doc.KnownClients, clientDoc{
			ClientID:      id,
			PublicKey:     key,
			Loggers:       sortedKeys(c.loggers),
			DefaultLogger: c.defaultLogger,
			User:          c.user,
		})
	}

	if len(s.extensionConfig) > 0 {
		doc.ExtensionConfig = map[string]json.RawMessage{}
		for id, raw := range s.extensionConfig {
			doc.ExtensionConfig[id] = raw
		}
	}
	return doc
}

func rotationName(r RotationFrequency) string {
	if r == Never {
		return ""
	}
	return r.String()
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
