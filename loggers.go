package logtrust

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
)

// LogRequest is the requester metadata the ingest layer hands over when a
// record names a logger.
type LogRequest interface {
	ClientID() string
	User() string
}

// IsKnownLogger reports whether loggerID is declared in the configuration
// or by the known loggers endpoint.
func (c *Configuration) IsKnownLogger(loggerID string) bool {
	return c.cur.Load().isKnownLogger(loggerID)
}

// IsKnownLoggerForClient reports whether loggerID is in clientID's
// authorized logger set.
func (c *Configuration) IsKnownLoggerForClient(clientID, loggerID string) bool {
	return c.cur.Load().isKnownLoggerForClient(clientID, loggerID)
}

// IsBlacklisted reports whether loggerID is on the blacklist.
func (c *Configuration) IsBlacklisted(loggerID string) bool {
	return c.cur.Load().isBlacklisted(loggerID)
}

// Blacklist returns the blacklisted logger ids, sorted.
func (c *Configuration) Blacklist() []string {
	s := c.cur.Load()
	out := make([]string, 0, len(s.blacklist))
	for id := range s.blacklist {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasLoggerFlag reports whether f is set globally or for loggerID.
func (c *Configuration) HasLoggerFlag(loggerID string, f Flag) bool {
	return c.cur.Load().hasLoggerFlag(loggerID, f)
}

// LoggerFlags returns the flags set specifically for loggerID.
func (c *Configuration) LoggerFlags(loggerID string) Flag {
	return c.cur.Load().loggerFlags[loggerID]
}

// AddLoggerFlag sets f for loggerID on top of the global flags. Flags on a
// logger the document does not declare, such as a provisioned unknown
// logger, last until the next load and are not written by Save.
func (c *Configuration) AddLoggerFlag(loggerID string, f Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	if cur.loggerFlags[loggerID]&f == f {
		return
	}
	next := cur.clone()
	next.loggerFlags[loggerID] |= f
	c.publishLocked(next)
	c.record(EventLoggerFlagAdded, loggerID+":"+f.String())
}

// GetRotationFrequency returns loggerID's rotation frequency, Never when the
// logger is not declared or has none.
func (c *Configuration) GetRotationFrequency(loggerID string) RotationFrequency {
	if lp, ok := c.cur.Load().loggers[loggerID]; ok {
		return lp.rotation
	}
	return Never
}

// RotationFrequencies returns every declared logger that rotates, keyed by
// id.
func (c *Configuration) RotationFrequencies() map[string]RotationFrequency {
	s := c.cur.Load()
	out := map[string]RotationFrequency{}
	for id, lp := range s.loggers {
		if lp.rotation != Never {
			out[id] = lp.rotation
		}
	}
	return out
}

// GetArchivedLogDirectory returns the archive directory template for
// loggerID, falling back to the global template.
func (c *Configuration) GetArchivedLogDirectory(loggerID string) string {
	s := c.cur.Load()
	if lp, ok := s.loggers[loggerID]; ok && lp.archivedLogDirectory != "" {
		return lp.archivedLogDirectory
	}
	return s.archivedLogDirectory
}

// GetArchivedLogFilename returns the archive filename template for loggerID.
func (c *Configuration) GetArchivedLogFilename(loggerID string) string {
	s := c.cur.Load()
	if lp, ok := s.loggers[loggerID]; ok && lp.archivedLogFilename != "" {
		return lp.archivedLogFilename
	}
	return s.archivedLogFilename
}

// GetArchivedLogCompressedFilename returns the compressed archive filename
// template for loggerID.
func (c *Configuration) GetArchivedLogCompressedFilename(loggerID string) string {
	s := c.cur.Load()
	if lp, ok := s.loggers[loggerID]; ok && lp.archivedLogCompressedFilename != "" {
		return lp.archivedLogCompressedFilename
	}
	return s.archivedLogCompressedFilename
}

// ArchivePaths holds the expanded archive templates of one logger.
type ArchivePaths struct {
	Directory          string
	Filename           string
	CompressedFilename string
}

// ArchivePaths expands loggerID's archive templates for an archive sealed
// at t.
func (c *Configuration) ArchivePaths(loggerID string, t time.Time) ArchivePaths {
	return ArchivePaths{
		Directory:          expandTemplate(c.GetArchivedLogDirectory(loggerID), loggerID, t),
		Filename:           expandTemplate(c.GetArchivedLogFilename(loggerID), loggerID, t),
		CompressedFilename: expandTemplate(c.GetArchivedLogCompressedFilename(loggerID), loggerID, t),
	}
}

// expandTemplate replaces %logger, %year, %quarter, %month, %day, %wday
// (ISO, Monday=1), %hour and %min. Other text is kept as is.
func expandTemplate(tmpl, loggerID string, t time.Time) string {
	wday := int(t.Weekday())
	if wday == 0 {
		wday = 7
	}
	r := strings.NewReplacer(
		"%logger", loggerID,
		"%year", fmt.Sprintf("%04d", t.Year()),
		"%quarter", fmt.Sprintf("%d", (int(t.Month())-1)/3+1),
		"%month", fmt.Sprintf("%02d", int(t.Month())),
		"%wday", fmt.Sprintf("%d", wday),
		"%day", fmt.Sprintf("%02d", t.Day()),
		"%hour", fmt.Sprintf("%02d", t.Hour()),
		"%min", fmt.Sprintf("%02d", t.Minute()),
	)
	return r.Replace(tmpl)
}

// GetConfigurationFile returns the logger specific configuration file, if
// any.
func (c *Configuration) GetConfigurationFile(loggerID string) string {
	if lp, ok := c.cur.Load().loggers[loggerID]; ok {
		return lp.configurationFile
	}
	return ""
}

// FindLoggerUser returns the user a logger is attributed to: the declared
// user first, then the one recorded for an unknown logger, else "".
func (c *Configuration) FindLoggerUser(loggerID string) string {
	s := c.cur.Load()
	if lp, ok := s.loggers[loggerID]; ok && lp.user != "" {
		return lp.user
	}
	return s.unknownLoggerUsers[loggerID]
}

// IsUnknownLoggerRegistered reports whether loggerID was provisioned as an
// unknown logger since the last load.
func (c *Configuration) IsUnknownLoggerRegistered(loggerID string) bool {
	_, ok := c.cur.Load().unknownLoggerUsers[loggerID]
	return ok
}

// UpdateUnknownLoggerUserFromRequest provisions loggerID as an unknown
// logger attributed to the request's user (or, failing that, to the user of
// the requesting client). It does nothing unless ALLOW_UNKNOWN_LOGGERS is in
// effect for loggerID, the logger is neither declared nor blacklisted, and
// it was not provisioned before. It reports whether it recorded anything.
func (c *Configuration) UpdateUnknownLoggerUserFromRequest(loggerID string, req LogRequest) bool {
	if !c.unknownLoggerAllowed(c.cur.Load(), loggerID) {
		return false
	}
	if _, done := c.cur.Load().unknownLoggerUsers[loggerID]; done {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	if !c.unknownLoggerAllowed(cur, loggerID) {
		return false
	}
	if _, done := cur.unknownLoggerUsers[loggerID]; done {
		return false
	}
	user := ""
	if req != nil {
		user = req.User()
		if user == "" {
			if kc, ok := cur.clients[req.ClientID()]; ok {
				user = kc.user
			}
		}
	}
	next := cur.clone()
	next.unknownLoggerUsers[loggerID] = user
	c.publishLocked(next)

	log.Infof("unknown logger [%s] provisioned for user %q", loggerID, user)
	c.record(EventUnknownLogger, loggerID)
	return true
}

// SetUnknownLoggerUser records user for an unknown logger, replacing any
// earlier attribution. Declared loggers are attributed in the document and
// are left alone.
func (c *Configuration) SetUnknownLoggerUser(loggerID, user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	if loggerID == "" || cur.isKnownLogger(loggerID) {
		return false
	}
	next := cur.clone()
	next.unknownLoggerUsers[loggerID] = user
	c.publishLocked(next)
	c.record(EventUnknownLogger, loggerID)
	return true
}

func (c *Configuration) unknownLoggerAllowed(s *snapshot, loggerID string) bool {
	return loggerID != "" &&
		s.hasLoggerFlag(loggerID, AllowUnknownLoggers) &&
		!s.isKnownLogger(loggerID) &&
		!s.isBlacklisted(loggerID)
}
