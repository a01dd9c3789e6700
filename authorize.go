package logtrust

import (
	"os"
	"time"
)

// DenyReason explains a negative Decision. It is empty when the request is
// allowed.
type DenyReason string

// Deny reasons.
const (
	ReasonNone          DenyReason = ""
	ReasonNoLogger      DenyReason = "no_logger"
	ReasonBlacklisted   DenyReason = "blacklisted"
	ReasonUnknownClient DenyReason = "unknown_client"
	ReasonUnknownLogger DenyReason = "unknown_logger"
	ReasonNotAuthorized DenyReason = "not_authorized"
)

// Decision is the outcome of Authorize. LoggerID is the logger the request
// resolved to, which differs from the requested one when the client's
// default logger was used.
type Decision struct {
	Allowed  bool
	LoggerID string
	Reason   DenyReason
}

// Authorize decides whether clientID may write to loggerID. An empty
// loggerID selects the client's default logger. Denial is a normal outcome,
// not an error.
func (c *Configuration) Authorize(clientID, loggerID string) Decision {
	d := authorize(c.cur.Load(), clientID, loggerID)
	label := "allowed"
	if !d.Allowed {
		label = string(d.Reason)
	}
	authorizations.WithLabelValues(label).Inc()
	return d
}

func authorize(s *snapshot, clientID, loggerID string) Decision {
	kc, known := s.clients[clientID]
	if loggerID == "" && known {
		loggerID = kc.defaultLogger
	}
	d := Decision{LoggerID: loggerID}
	switch {
	case loggerID == "":
		d.Reason = ReasonNoLogger
	case s.isBlacklisted(loggerID):
		d.Reason = ReasonBlacklisted
	case known:
		if _, ok := kc.loggers[loggerID]; ok {
			d.Allowed = true
		} else if !s.isKnownLogger(loggerID) && s.hasLoggerFlag(loggerID, AllowUnknownLoggers) {
			d.Allowed = true
		} else if s.isKnownLogger(loggerID) {
			d.Reason = ReasonNotAuthorized
		} else {
			d.Reason = ReasonUnknownLogger
		}
	case !s.flags.Has(AllowUnknownClients):
		d.Reason = ReasonUnknownClient
	case s.isKnownLogger(loggerID) || s.hasLoggerFlag(loggerID, AllowUnknownLoggers):
		d.Allowed = true
	default:
		d.Reason = ReasonUnknownLogger
	}
	return d
}

// Authorizer is the view of the configuration the ingest pipeline needs to
// admit records.
type Authorizer interface {
	Authorize(clientID, loggerID string) Decision
	IsBlacklisted(loggerID string) bool
	IsKnownLogger(loggerID string) bool
	IsKnownLoggerForClient(clientID, loggerID string) bool
	HasLoggerFlag(loggerID string, f Flag) bool
	UpdateUnknownLoggerUserFromRequest(loggerID string, req LogRequest) bool
	FindLoggerUser(loggerID string) string
}

// ClientTrust is the view used by the connection handshake.
type ClientTrust interface {
	IsKnownClient(clientID string) bool
	VerifyKnownClient(clientID, signature string) bool
	KeySize(clientID string) int
	Acknowledge(clientID string) error
	ServerKeyPair() *KeyPair
}

// ArchivePolicy is the view used by the archiver.
type ArchivePolicy interface {
	GetRotationFrequency(loggerID string) RotationFrequency
	ArchivePaths(loggerID string, t time.Time) ArchivePaths
	HasLoggerFlag(loggerID string, f Flag) bool
	FileMode() os.FileMode
}

var (
	_ Authorizer    = (*Configuration)(nil)
	_ ClientTrust   = (*Configuration)(nil)
	_ ArchivePolicy = (*Configuration)(nil)
)
