package logtrust

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Flag is a policy bit. Global flags apply to every logger; per-logger
// flags are layered on top of them.
type Flag uint32

// Flag values.
const (
	FlagNone                Flag = 0
	AllowUnknownLoggers     Flag = 1
	AllowBulkLogRequest     Flag = 16
	ImmediateFlush          Flag = 32
	AllowUnknownClients     Flag = 64
	AllowInsecureConnection Flag = 128
	Compression             Flag = 256
	EnableCLI               Flag = 512
	RequiresTimestamp       Flag = 1024
)

var flagNames = map[Flag]string{
	AllowUnknownLoggers:     "ALLOW_UNKNOWN_LOGGERS",
	AllowBulkLogRequest:     "ALLOW_BULK_LOG_REQUEST",
	ImmediateFlush:          "IMMEDIATE_FLUSH",
	AllowUnknownClients:     "ALLOW_UNKNOWN_CLIENTS",
	AllowInsecureConnection: "ALLOW_INSECURE_CONNECTION",
	Compression:             "COMPRESSION",
	EnableCLI:               "ENABLE_CLI",
	RequiresTimestamp:       "REQUIRES_TIMESTAMP",
}

// Has reports whether any bit of o is set in f. FlagNone is never set.
func (f Flag) Has(o Flag) bool {
	return o != 0 && f&o != 0
}

// Names returns the names of the set bits in ascending bit order.
func (f Flag) Names() []string {
	var bits []Flag
	for b := range flagNames {
		if f&b != 0 {
			bits = append(bits, b)
		}
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })
	names := make([]string, 0, len(bits))
	for _, b := range bits {
		names = append(names, flagNames[b])
	}
	return names
}

func (f Flag) String() string {
	if f == FlagNone {
		return "NONE"
	}
	return strings.Join(f.Names(), "|")
}

// ParseFlag converts a flag name such as "IMMEDIATE_FLUSH" (case-insensitive)
// into its bit.
func ParseFlag(name string) (Flag, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for f, s := range flagNames {
		if s == n {
			return f, nil
		}
	}
	return FlagNone, fmt.Errorf("unknown flag %q", name)
}

// parseFlags ORs a list of flag names together. Unknown names are reported
// individually and skipped.
func parseFlags(names []string) (Flag, []error) {
	var f Flag
	var errs []error
	for _, n := range names {
		b, err := ParseFlag(n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f |= b
	}
	return f, errs
}

// RotationFrequency is the interval, in seconds, at which a logger's archive
// is rotated. Values are multiples of Hourly and are ordered by duration.
type RotationFrequency int64

// Rotation frequencies.
const (
	Never       RotationFrequency = 0
	Hourly      RotationFrequency = 60 * 60
	SixHours                      = Hourly * 6
	TwelveHours                   = Hourly * 12
	Daily                         = Hourly * 24
	Weekly                        = Daily * 7
	Monthly                       = Weekly * 4
	Yearly                        = Monthly * 12
)

var rotationNames = map[RotationFrequency]string{
	Never:       "NEVER",
	Hourly:      "HOURLY",
	SixHours:    "SIX_HOURS",
	TwelveHours: "TWELVE_HOURS",
	Daily:       "DAILY",
	Weekly:      "WEEKLY",
	Monthly:     "MONTHLY",
	Yearly:      "YEARLY",
}

func (r RotationFrequency) String() string {
	if s, ok := rotationNames[r]; ok {
		return s
	}
	return fmt.Sprintf("RotationFrequency(%d)", int64(r))
}

// Duration returns the rotation interval. Never maps to zero.
func (r RotationFrequency) Duration() time.Duration {
	return time.Duration(r) * time.Second
}

// ParseRotationFrequency converts a name such as "DAILY" into its value.
func ParseRotationFrequency(name string) (RotationFrequency, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return Never, nil
	}
	for r, s := range rotationNames {
		if s == n {
			return r, nil
		}
	}
	return Never, fmt.Errorf("unknown rotation frequency %q", name)
}
