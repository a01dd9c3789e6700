package logtrust

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudflare/cfssl/log"
	"google.golang.org/protobuf/types/known/structpb"
)

// ABIVersion is the tag a plugin module must export as ExtensionABI. Hosts
// refuse modules built against a different extension contract.
const ABIVersion = "logtrust/extension/v1"

// Symbols looked up in plugin modules.
const (
	SymbolABI     = "ExtensionABI"
	SymbolFactory = "NewExtension"
)

// HookType names the pipeline stage an extension runs at.
type HookType uint8

// Hook points.
const (
	HookLog HookType = 1 << iota
	HookPreArchive
	HookPostArchive
	HookDispatchError
)

func (h HookType) String() string {
	switch h {
	case HookLog:
		return "log"
	case HookPreArchive:
		return "pre-archive"
	case HookPostArchive:
		return "post-archive"
	case HookDispatchError:
		return "dispatch-error"
	default:
		return fmt.Sprintf("HookType(%d)", uint8(h))
	}
}

// accepts reports whether data is the payload type for h.
func (h HookType) accepts(data any) bool {
	switch data.(type) {
	case LogData:
		return h == HookLog
	case PreArchiveData:
		return h == HookPreArchive
	case PostArchiveData:
		return h == HookPostArchive
	case DispatchErrorData:
		return h == HookDispatchError
	}
	return false
}

// LogData is passed to HookLog extensions for every dispatched record.
type LogData struct {
	LoggerID string
	ClientID string
	Time     time.Time
	Message  string
}

// PreArchiveData is passed to HookPreArchive extensions before a logger's
// file is rotated.
type PreArchiveData struct {
	LoggerID string
	Filename string
}

// PostArchiveData is passed to HookPostArchive extensions once an archive
// has been written.
type PostArchiveData struct {
	LoggerID        string
	ArchiveFilename string
}

// DispatchErrorData is passed to HookDispatchError extensions when a record
// could not be written.
type DispatchErrorData struct {
	LoggerID string
	Filename string
	Err      error
}

// Result is returned by an extension execution.
type Result struct {
	// StatusCode is defined by the extension and is not interpreted by
	// the host.
	StatusCode int
	// ContinueProcess false asks the calling stage to skip its own
	// follow-up side effect for this item.
	ContinueProcess bool
}

// Extension is implemented by every pipeline extension. Implementations need
// not be safe for concurrent use; the host never runs two Execute calls on
// the same instance at once.
type Extension interface {
	ID() string
	Type() HookType
	Execute(ctx context.Context, data any) Result
}

// Configurable extensions receive their configuration sub-document exactly
// once, before the first Execute.
type Configurable interface {
	Configure(conf *structpb.Struct) error
}

// Factory creates the singleton instance of an extension.
type Factory func() Extension

// LogLevel selects the severity of BaseExtension.Logf.
type LogLevel int

// Extension log levels.
const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

// BaseExtension implements ID, Type and Configure. Embed it in concrete
// extensions.
type BaseExtension struct {
	id   string
	typ  HookType
	conf *structpb.Struct
}

// NewBaseExtension returns a BaseExtension for the given hook and id.
func NewBaseExtension(typ HookType, id string) BaseExtension {
	return BaseExtension{id: id, typ: typ}
}

// ID returns the extension id.
func (b *BaseExtension) ID() string { return b.id }

// Type returns the hook point.
func (b *BaseExtension) Type() HookType { return b.typ }

// Configure stores conf.
func (b *BaseExtension) Configure(conf *structpb.Struct) error {
	b.conf = conf
	return nil
}

// Conf returns the attached configuration, never nil.
func (b *BaseExtension) Conf() *structpb.Struct {
	if b.conf == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return b.conf
}

// Logf writes to the server log, tagged with the extension id.
func (b *BaseExtension) Logf(level LogLevel, format string, args ...any) {
	msg := fmt.Sprintf("[extension %s] ", b.id) + fmt.Sprintf(format, args...)
	switch level {
	case LevelDebug:
		log.Debug(msg)
	case LevelWarning:
		log.Warning(msg)
	case LevelError:
		log.Error(msg)
	default:
		log.Info(msg)
	}
}
