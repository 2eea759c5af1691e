package mirror

import (
	"fmt"

	"calpal/internal/fingerprint"
	"calpal/internal/model"
)

// PresentationRule decides how much of a source event is visible on the
// target calendar.
type PresentationRule string

const (
	// RuleFull copies title, description and location verbatim.
	RuleFull PresentationRule = "full"

	// RuleBusy replaces the title with a fixed placeholder and strips
	// description and location. The real title is preserved in private
	// metadata so the mirror can be audited without exposing it.
	RuleBusy PresentationRule = "busy"
)

// busyPlaceholder is the title shown on privacy-preserving mirrors.
const busyPlaceholder = "Busy"

// Render builds the remote representation of a mirror of src under the given
// rule. Provenance metadata is always attached: the source event id, the
// source calendar, the dedup fingerprint, and the managing-application
// marker. Titles and locations pass through [fingerprint.SafeText], so a
// malformed upstream value degrades to best-effort text instead of failing
// the item.
func Render(src *model.EventRecord, rule PresentationRule, colorID string) (model.RemoteEvent, error) {
	meta := map[string]string{
		model.MetaSourceEventID: src.ExternalID,
		model.MetaMirrorSource:  src.SourceCalendar,
		model.MetaFingerprint:   fingerprint.Fingerprint(src),
		model.MetaManagedBy:     model.ManagedByValue,
	}

	out := model.RemoteEvent{
		Start:    src.StartTime,
		End:      src.EndTime,
		IsAllDay: src.IsAllDay,
		ColorID:  colorID,
		Metadata: meta,
	}

	switch rule {
	case RuleFull:
		out.Title = fingerprint.SafeText(src.Title)
		out.Description = src.Description
		out.Location = fingerprint.SafeText(src.Location)
	case RuleBusy:
		out.Title = busyPlaceholder
		meta[model.MetaOriginalSummary] = fingerprint.SafeText(src.Title)
	default:
		return model.RemoteEvent{}, fmt.Errorf("unknown presentation rule %q", rule)
	}
	return out, nil
}
