package logtrust

import (
	"context"

	"github.com/cloudflare/cfssl/log"
)

// HookRunner is the view pipeline stages use to run extensions.
type HookRunner interface {
	TriggerHook(ctx context.Context, hook HookType, data any) HookReport
	AfterArchive(ctx context.Context, data PostArchiveData, cleanup func() error) (HookReport, error)
}

var _ HookRunner = (*Configuration)(nil)

// Outcome is the result of one extension run by TriggerHook.
type Outcome struct {
	ExtensionID string
	Result      Result
	Err         error
}

// HookReport collects the outcomes of one hook invocation. Continue is
// false when any extension vetoed.
type HookReport struct {
	Continue bool
	Outcomes []Outcome
}

// TriggerHook runs every active extension registered for hook, in document
// order. Extensions that fail to run are reported but do not veto.
func (c *Configuration) TriggerHook(ctx context.Context, hook HookType, data any) HookReport {
	report := HookReport{Continue: true}
	for _, id := range c.cur.Load().extensions {
		ext, ok := c.host.Get(id)
		if !ok || ext.Type() != hook {
			continue
		}
		res, err := c.host.Trigger(ctx, id, data)
		report.Outcomes = append(report.Outcomes, Outcome{ExtensionID: id, Result: res, Err: err})
		if err != nil {
			log.Warningf("extension [%s] on %s hook: %v", id, hook, err)
			continue
		}
		if !res.ContinueProcess {
			log.Infof("extension [%s] vetoed %s processing (status %d)", id, hook, res.StatusCode)
			report.Continue = false
		}
	}
	return report
}

// AfterArchive runs the post-archive extensions for a sealed archive and
// then cleanup, typically removing the archived source file. A veto from any
// extension skips cleanup.
func (c *Configuration) AfterArchive(ctx context.Context, data PostArchiveData, cleanup func() error) (HookReport, error) {
	report := c.TriggerHook(ctx, HookPostArchive, data)
	if !report.Continue || cleanup == nil {
		return report, nil
	}
	return report, cleanup()
}
