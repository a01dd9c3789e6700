package logtrust

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cloudflare/cfssl/log"
)

// Client registry errors.
var (
	ErrClientExists  = errors.New("client already enrolled")
	ErrUnknownClient = errors.New("unknown client")
)

// clientActivity is replaced as a whole on every update.
type clientActivity struct {
	enrolled     time.Time
	acknowledged time.Time
	dynamic      bool // enrolled through AddKnownClient rather than the document
}

// ClientInfo is a read-only view of an enrolled client.
type ClientInfo struct {
	ID            string
	PublicKey     *rsa.PublicKey
	PublicKeyPath string
	KeySize       int
	Loggers       []string
	DefaultLogger string
	User          string
	Remote        bool
	Enrolled      time.Time
	Acknowledged  time.Time
}

// AddKnownClient enrols clientID with the given public key, which may be PEM
// (PKIX, PKCS#1 or certificate) or an OpenSSH authorized_keys line. An id
// that is already enrolled is rejected with ErrClientExists; revoke it first
// to replace its key.
func (c *Configuration) AddKnownClient(clientID string, publicKey []byte) error {
	if clientID == "" {
		return errors.New("add known client: empty client id")
	}
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("add known client %s: %w", clientID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	if _, exists := cur.clients[clientID]; exists {
		return fmt.Errorf("%w: %s", ErrClientExists, clientID)
	}
	next := cur.clone()
	next.clients[clientID] = &knownClient{id: clientID, publicKey: pub, loggers: map[string]struct{}{}}
	c.publishLocked(next)
	c.activity.Store(clientID, clientActivity{enrolled: c.clock.Now(), dynamic: true})

	log.Infof("client [%s] enrolled (%d bit key)", clientID, pub.N.BitLen())
	c.record(EventClientAdded, clientID)
	return nil
}

// SetClientLoggers replaces the logger set of an enrolled client. Every
// logger must be declared, and defaultLogger, when set, must be one of them.
func (c *Configuration) SetClientLoggers(clientID, defaultLogger string, loggers ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	kc, ok := cur.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	set := make(map[string]struct{}, len(loggers))
	for _, l := range loggers {
		if !cur.isKnownLogger(l) {
			return fmt.Errorf("client %s: logger %q is not declared", clientID, l)
		}
		set[l] = struct{}{}
	}
	if defaultLogger != "" {
		if _, ok := set[defaultLogger]; !ok {
			return fmt.Errorf("client %s: default logger %q is not in its logger list", clientID, defaultLogger)
		}
	}

	updated := *kc
	updated.loggers = set
	updated.defaultLogger = defaultLogger
	next := cur.clone()
	next.clients[clientID] = &updated
	c.publishLocked(next)
	c.record(EventClientLoggers, clientID)
	return nil
}

// VerifyKnownClient checks signature, hex or base64 encoded, against the
// challenge for clientID (the id itself) using the enrolled public key.
// Unknown clients and undecodable signatures fail closed. A successful
// check counts as an acknowledgement.
func (c *Configuration) VerifyKnownClient(clientID, signature string) bool {
	kc, ok := c.cur.Load().clients[clientID]
	if !ok {
		signatureChecks.WithLabelValues("unknown_client").Inc()
		return false
	}
	sig, ok := decodeSignature(signature)
	if !ok {
		signatureChecks.WithLabelValues("malformed").Inc()
		return false
	}
	if !verifySignature(kc.publicKey, []byte(clientID), sig) {
		signatureChecks.WithLabelValues("mismatch").Inc()
		log.Debugf("client [%s] signature mismatch", clientID)
		return false
	}
	signatureChecks.WithLabelValues("ok").Inc()
	c.touch(clientID)
	return true
}

// RemoveKnownClient revokes clientID. It reports whether the client was
// enrolled.
func (c *Configuration) RemoveKnownClient(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	if _, ok := cur.clients[clientID]; !ok {
		return false
	}
	next := cur.clone()
	delete(next.clients, clientID)
	delete(next.keySizes, clientID)
	c.publishLocked(next)
	c.activity.Delete(clientID)

	log.Infof("client [%s] revoked", clientID)
	c.record(EventClientRemoved, clientID)
	return true
}

// IsKnownClient reports whether clientID is enrolled.
func (c *Configuration) IsKnownClient(clientID string) bool {
	_, ok := c.cur.Load().clients[clientID]
	return ok
}

// KeySize returns the session key size for clientID: its override when the
// client is enrolled and has one, the default otherwise.
func (c *Configuration) KeySize(clientID string) int {
	return c.cur.Load().keySize(clientID)
}

// DefaultKeySize returns the configured default session key size.
func (c *Configuration) DefaultKeySize() int {
	return c.cur.Load().defaultKeySize
}

// DefaultLogger returns the logger used when a request from clientID names
// none.
func (c *Configuration) DefaultLogger(clientID string) string {
	if kc, ok := c.cur.Load().clients[clientID]; ok {
		return kc.defaultLogger
	}
	return ""
}

// Acknowledge records that clientID completed a handshake.
func (c *Configuration) Acknowledge(clientID string) error {
	if !c.IsKnownClient(clientID) {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	c.touch(clientID)
	return nil
}

// touch records an acknowledgement for clientID. Revocation publishes before
// it clears activity, so a record stored after a concurrent revocation is
// seen here and dropped.
func (c *Configuration) touch(clientID string) {
	a := c.activityOf(clientID)
	a.acknowledged = c.clock.Now()
	if a.enrolled.IsZero() {
		a.enrolled = a.acknowledged
	}
	c.activity.Store(clientID, a)
	if _, ok := c.cur.Load().clients[clientID]; !ok {
		c.activity.Delete(clientID)
	}
}

func (c *Configuration) activityOf(clientID string) clientActivity {
	if v, ok := c.activity.Load(clientID); ok {
		return v.(clientActivity)
	}
	return clientActivity{}
}

// ClientInfo returns a snapshot of clientID's trust record.
func (c *Configuration) ClientInfo(clientID string) (ClientInfo, bool) {
	s := c.cur.Load()
	kc, ok := s.clients[clientID]
	if !ok {
		return ClientInfo{}, false
	}
	a := c.activityOf(clientID)
	return ClientInfo{
		ID:            kc.id,
		PublicKey:     kc.publicKey,
		PublicKeyPath: kc.publicKeyPath,
		KeySize:       s.keySize(clientID),
		Loggers:       sortedKeys(kc.loggers),
		DefaultLogger: kc.defaultLogger,
		User:          kc.user,
		Remote:        kc.remote,
		Enrolled:      a.enrolled,
		Acknowledged:  a.acknowledged,
	}, true
}

// KnownClients returns the enrolled client ids, sorted.
func (c *Configuration) KnownClients() []string {
	s := c.cur.Load()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExpiredClients returns the dynamically enrolled clients that outlived
// their age policy: never acknowledged within non_acknowledged_client_age,
// or silent for longer than client_age. A zero age disables that check.
// Revoking them is left to the caller.
func (c *Configuration) ExpiredClients() []string {
	s := c.cur.Load()
	now := c.clock.Now()
	var out []string
	for id := range s.clients {
		a := c.activityOf(id)
		if !a.dynamic {
			continue
		}
		if a.acknowledged.IsZero() {
			if s.nonAcknowledgedClientAge > 0 && now.Sub(a.enrolled) > s.nonAcknowledgedClientAge {
				out = append(out, id)
			}
			continue
		}
		if s.clientAge > 0 && now.Sub(a.acknowledged) > s.clientAge {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// syncActivity starts tracking clients that appear in next and forgets the
// ones that are gone. Callers hold c.mu.
func (c *Configuration) syncActivity(next *snapshot) {
	now := c.clock.Now()
	for id := range next.clients {
		if _, ok := c.activity.Load(id); !ok {
			c.activity.Store(id, clientActivity{enrolled: now})
		}
	}
	c.activity.Range(func(k, _ any) bool {
		if _, ok := next.clients[k.(string)]; !ok {
			c.activity.Delete(k)
		}
		return true
	})
}
