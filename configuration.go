package logtrust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cferr "github.com/cloudflare/cfssl/errors"
	"github.com/cloudflare/cfssl/log"
	"github.com/jmhodges/clock"
	"go.uber.org/multierr"
)

// loadStatus is the outcome of the last load attempt.
type loadStatus struct {
	valid     bool
	malformed bool
	errs      []error
}

// Configuration owns the trust store, the logger policy table and the global
// settings of a log server. Readers work on an immutable snapshot and never
// block; writers are serialised and publish a new snapshot atomically, so a
// caller never observes a half applied load.
type Configuration struct {
	mu     sync.Mutex // serialises writers
	loadMu sync.Mutex // serialises loads; held across remote fetches
	cur    atomic.Pointer[snapshot]
	status atomic.Pointer[loadStatus]
	path   atomic.Pointer[string]

	host          *ExtensionHost
	clock         clock.Clock
	httpClient    *http.Client
	remoteTimeout time.Duration
	journal       *Journal

	activity sync.Map // client id -> clientActivity

	// extension id -> sub-document the extension was configured with,
	// guarded by loadMu
	appliedExtConfig map[string]json.RawMessage
}

// Option configures a Configuration.
type Option func(*Configuration)

// WithClock sets the clock used for client enrolment and acknowledgement
// times.
func WithClock(clk clock.Clock) Option {
	return func(c *Configuration) { c.clock = clk }
}

// WithExtensionHost sets the host extensions named in the document are
// loaded into.
func WithExtensionHost(h *ExtensionHost) Option {
	return func(c *Configuration) { c.host = h }
}

// WithHTTPClient sets the client used for the known clients and known
// loggers endpoints.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Configuration) { c.httpClient = hc }
}

// WithRemoteTimeout bounds each endpoint fetch.
func WithRemoteTimeout(d time.Duration) Option {
	return func(c *Configuration) { c.remoteTimeout = d }
}

// WithJournal records every trust change in j.
func WithJournal(j *Journal) Option {
	return func(c *Configuration) { c.journal = j }
}

// New returns a valid Configuration holding the defaults.
func New(opts ...Option) *Configuration {
	c := &Configuration{appliedExtConfig: map[string]json.RawMessage{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.Default()
	}
	if c.host == nil {
		c.host = NewExtensionHost()
	}
	c.cur.Store(newSnapshot())
	c.status.Store(&loadStatus{valid: true})
	return c
}

// NewFromFile returns a Configuration loaded from path. The Configuration
// is returned even when loading fails so that Errors can be inspected.
func NewFromFile(path string, opts ...Option) (*Configuration, error) {
	c := New(opts...)
	return c, c.Load(path)
}

// Load reads, validates and applies the document at path. Relative key
// paths in the document are resolved against its directory. On failure the
// previous configuration stays in effect and the diagnostics are available
// from Errors. Readers and other writers are not held up while the document
// is read, fetched and built; only the final swap takes the writer lock.
func (c *Configuration) Load(path string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	log.Debugf("loading configuration from %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return c.reject(false, fmt.Errorf("read configuration: %w", err), path)
	}
	if err := c.load(data, filepath.Dir(path), path); err != nil {
		return err
	}
	c.path.Store(&path)
	return nil
}

// LoadFromInput applies an in-memory document. Relative key paths are
// resolved against the working directory.
func (c *Configuration) LoadFromInput(data []byte) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.load(data, "", "<input>")
}

// Reload loads the file the configuration was last successfully loaded
// from.
func (c *Configuration) Reload() error {
	p := c.ConfigurationFile()
	if p == "" {
		return errors.New("reload: configuration was not loaded from a file")
	}
	return c.Load(p)
}

// load builds and publishes a snapshot from data. Callers hold c.loadMu.
func (c *Configuration) load(data []byte, baseDir, source string) error {
	doc, err := decodeDocument(data)
	if err != nil {
		var pe *parseError
		malformed := errors.As(err, &pe) && pe.malformed
		return c.reject(malformed, err, source)
	}

	next, err := buildSnapshot(context.Background(), doc, buildOptions{
		baseDir: baseDir,
		fetcher: newRemoteFetcher(c.httpClient, c.remoteTimeout),
	})
	if err != nil {
		return c.reject(false, err, source)
	}
	c.activateExtensions(next)

	c.mu.Lock()
	c.syncActivity(next)
	c.publishLocked(next)
	c.status.Store(&loadStatus{valid: true})
	c.mu.Unlock()
	configurationLoads.WithLabelValues("ok").Inc()
	log.Infof("configuration loaded from %s: %d clients, %d loggers, %d extensions",
		source, len(next.clients), len(next.loggers), len(next.extensions))
	c.record(EventConfigLoaded, source)
	return nil
}

// activateExtensions loads the modules next names and records the ids of
// the ones available. A module that fails to load is left out. Modules
// loaded by an earlier configuration are reused with the configuration they
// were given, and next keeps that sub-document. Callers hold c.loadMu.
func (c *Configuration) activateExtensions(next *snapshot) {
	next.extensions = next.extensions[:0]
	for _, m := range next.extensionModules {
		ext, ok := c.host.ByModule(m)
		if !ok {
			var err error
			if ext, err = c.host.Load(m, next.extensionConfig); err != nil {
				log.Warningf("extension %s not available: %v", m, err)
				continue
			}
			c.appliedExtConfig[ext.ID()] = next.extensionConfig[ext.ID()]
		} else if applied, known := c.appliedExtConfig[ext.ID()]; known {
			id := ext.ID()
			if !sameJSON(applied, next.extensionConfig[id]) {
				log.Warningf("extension [%s] is already loaded; its new configuration takes effect after a restart", id)
				if applied == nil {
					delete(next.extensionConfig, id)
				} else {
					next.extensionConfig[id] = applied
				}
			}
		}
		next.extensions = append(next.extensions, ext.ID())
	}
}

// sameJSON reports whether a and b encode the same JSON value. Empty input
// stands for no sub-document.
func sameJSON(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}

func (c *Configuration) reject(malformed bool, err error, source string) error {
	c.status.Store(&loadStatus{malformed: malformed, errs: multierr.Errors(err)})
	result := "invalid"
	if malformed {
		result = "malformed"
	}
	configurationLoads.WithLabelValues(result).Inc()
	log.Errorf("configuration from %s rejected: %v", source, err)
	c.record(EventConfigRejected, source)
	return err
}

// publishLocked makes next the current snapshot. Callers hold c.mu.
func (c *Configuration) publishLocked(next *snapshot) {
	c.cur.Store(next)
	knownClientsGauge.Set(float64(len(next.clients)))
}

func (c *Configuration) record(kind EventKind, subject string) {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Append(kind, subject); err != nil {
		log.Errorf("trust journal: %s %s: %v", kind, subject, err)
	}
}

// Save writes the current configuration to path with the configured file
// mode, replacing the file atomically. Clients and loggers obtained from
// endpoints and unknown loggers are not written; the server private key is
// referenced by path only.
func (c *Configuration) Save(path string) error {
	s := c.cur.Load()
	data, err := json.MarshalIndent(s.toDocument(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(s.fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write configuration: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close configuration: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace configuration: %w", err)
	}
	log.Infof("configuration saved to %s", path)
	c.record(EventConfigSaved, path)
	return nil
}

// ValidateConfigFile checks the document at path without applying it. No
// endpoint is contacted and no extension is loaded.
func (c *Configuration) ValidateConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cferr.Wrap(cferr.PolicyError, cferr.InvalidPolicy, fmt.Errorf("read %s: %w", path, err))
	}
	doc, err := decodeDocument(data)
	if err == nil {
		_, err = buildSnapshot(context.Background(), doc, buildOptions{baseDir: filepath.Dir(path)})
	}
	if err != nil {
		log.Debugf("configuration %s is invalid: %v", path, err)
		return cferr.Wrap(cferr.PolicyError, cferr.InvalidPolicy, fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

// IsValid reports whether the last load succeeded.
func (c *Configuration) IsValid() bool { return c.status.Load().valid }

// IsMalformedJSON reports whether the last load failed on a syntax error.
func (c *Configuration) IsMalformedJSON() bool { return c.status.Load().malformed }

// ErrorList returns the diagnostics of the last load.
func (c *Configuration) ErrorList() []error {
	return append([]error(nil), c.status.Load().errs...)
}

// Errors returns the diagnostics of the last load, one per line.
func (c *Configuration) Errors() string {
	errs := c.status.Load().errs
	lines := make([]string, 0, len(errs))
	for _, err := range errs {
		lines = append(lines, err.Error())
	}
	return strings.Join(lines, "\n")
}

// ConfigurationFile returns the path of the last successful Load.
func (c *Configuration) ConfigurationFile() string {
	if p := c.path.Load(); p != nil {
		return *p
	}
	return ""
}

// ExtensionHost returns the host extensions are loaded into.
func (c *Configuration) ExtensionHost() *ExtensionHost { return c.host }

// Extensions returns the ids of the active extensions in document order.
func (c *Configuration) Extensions() []string {
	return append([]string(nil), c.cur.Load().extensions...)
}

// ExtensionModules returns the module names listed in the document.
func (c *Configuration) ExtensionModules() []string {
	return append([]string(nil), c.cur.Load().extensionModules...)
}

// HasFlag reports whether f is set globally.
func (c *Configuration) HasFlag(f Flag) bool { return c.cur.Load().flags.Has(f) }

// Flags returns the global flags.
func (c *Configuration) Flags() Flag { return c.cur.Load().flags }

// AddFlag sets f globally.
func (c *Configuration) AddFlag(f Flag) {
	c.setFlags(func(old Flag) Flag { return old | f }, EventFlagAdded, f)
}

// RemoveFlag clears f globally.
func (c *Configuration) RemoveFlag(f Flag) {
	c.setFlags(func(old Flag) Flag { return old &^ f }, EventFlagRemoved, f)
}

func (c *Configuration) setFlags(update func(Flag) Flag, kind EventKind, f Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	nf := update(cur.flags)
	if nf == cur.flags {
		return
	}
	next := cur.clone()
	next.flags = nf
	c.publishLocked(next)
	log.Infof("global flags now %s", nf)
	c.record(kind, f.String())
}

// AdminPort returns the administration listener port.
func (c *Configuration) AdminPort() int { return c.cur.Load().adminPort }

// ConnectPort returns the client handshake listener port.
func (c *Configuration) ConnectPort() int { return c.cur.Load().connectPort }

// LoggingPort returns the log ingestion listener port.
func (c *Configuration) LoggingPort() int { return c.cur.Load().loggingPort }

// ClientAge is how long a client stays trusted after its last
// acknowledgement. Zero means forever.
func (c *Configuration) ClientAge() time.Duration { return c.cur.Load().clientAge }

// NonAcknowledgedClientAge is how long an enrolled client may go without
// acknowledging.
func (c *Configuration) NonAcknowledgedClientAge() time.Duration {
	return c.cur.Load().nonAcknowledgedClientAge
}

// ClientIntegrityTaskInterval is the period of the client expiry task.
func (c *Configuration) ClientIntegrityTaskInterval() time.Duration {
	return c.cur.Load().clientIntegrityTaskInterval
}

// TimestampValidity is the accepted clock skew of timestamped requests.
func (c *Configuration) TimestampValidity() time.Duration { return c.cur.Load().timestampValidity }

// DispatchDelay is the pause between dispatcher runs.
func (c *Configuration) DispatchDelay() time.Duration { return c.cur.Load().dispatchDelay }

// MaxItemsInBulk caps the records in one bulk request.
func (c *Configuration) MaxItemsInBulk() int { return c.cur.Load().maxItemsInBulk }

// FileMode is applied to files written on behalf of the configuration.
func (c *Configuration) FileMode() os.FileMode { return c.cur.Load().fileMode }

// ServerKey returns the hex encoded symmetric server key.
func (c *Configuration) ServerKey() string { return c.cur.Load().serverKey }

// ServerKeyPair returns the server RSA key pair, nil when none is
// configured.
func (c *Configuration) ServerKeyPair() *KeyPair { return c.cur.Load().serverKeyPair }

// KnownClientsEndpoint returns the URL known clients are fetched from.
func (c *Configuration) KnownClientsEndpoint() string { return c.cur.Load().knownClientsEndpoint }

// KnownLoggersEndpoint returns the URL known loggers are fetched from.
func (c *Configuration) KnownLoggersEndpoint() string { return c.cur.Load().knownLoggersEndpoint }
