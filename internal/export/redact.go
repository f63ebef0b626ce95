package export

import "github.com/chairbook/calsync/internal/model"

// anonymousTitle replaces event titles at the anonymous tier. It carries no
// client or service information.
const anonymousTitle = "Appointment"

// Redact returns a copy of the event with the privacy tier applied. The
// input is never mutated.
//
// Tiers, from most to least revealing:
//
//	full      — every field passes through.
//	business  — client PII stripped: attendees and free-text notes go,
//	            the service title and location stay.
//	minimal   — time and service only: location also goes.
//	anonymous — generic placeholder with no identifying text at all.
func Redact(ev *model.SyncEvent, level model.PrivacyLevel) *model.SyncEvent {
	out := ev.Clone()
	switch level {
	case model.PrivacyFull:
		return out
	case model.PrivacyBusiness:
		out.Description = ""
		out.Attendees = nil
	case model.PrivacyMinimal:
		out.Description = ""
		out.Attendees = nil
		out.Location = ""
	default: // anonymous is also the fallback for unknown tiers
		out.Title = anonymousTitle
		out.Description = ""
		out.Attendees = nil
		out.Location = ""
	}
	return out
}
