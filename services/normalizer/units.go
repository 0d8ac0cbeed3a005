package normalizer

import (
	"context"
	"strings"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
)

const (
	UnitInbox   = "inbox"
	UnitArchive = "archive"
	UnitSent    = "sent"
	UnitDrafts  = "drafts"
	UnitTrash   = "trash"
	UnitSpam    = "spam"
)

// gmail has no archive label, see ResolveUnit
var gmailSystemLabels = map[string]string{
	UnitInbox:  "INBOX",
	UnitSent:   "SENT",
	UnitDrafts: "DRAFT",
	UnitTrash:  "TRASH",
	UnitSpam:   "SPAM",
}

var graphWellKnownFolders = map[string]string{
	UnitInbox:   "inbox",
	UnitArchive: "archive",
	UnitSent:    "sentitems",
	UnitDrafts:  "drafts",
	UnitTrash:   "deleteditems",
	UnitSpam:    "junkemail",
}

const gmailArchiveLabelName = "Archive"

// WellKnownUnit returns the native id of a well-known unit name for the backend.
func WellKnownUnit(kind enum.BackendKind, unit string) (string, bool) {
	unit = strings.ToLower(strings.TrimSpace(unit))
	switch kind {
	case enum.BackendGoogleWorkspace:
		native, ok := gmailSystemLabels[unit]
		return native, ok
	case enum.BackendOutlook:
		native, ok := graphWellKnownFolders[unit]
		return native, ok
	}
	return "", false
}

// WellKnownName is the reverse of WellKnownUnit.
func WellKnownName(kind enum.BackendKind, nativeID string) (string, bool) {
	var table map[string]string
	switch kind {
	case enum.BackendGoogleWorkspace:
		table = gmailSystemLabels
	case enum.BackendOutlook:
		table = graphWellKnownFolders
	default:
		return "", false
	}
	for name, native := range table {
		if strings.EqualFold(native, nativeID) {
			return name, true
		}
	}
	return "", false
}

// ResolveUnit turns a unit reference into the backend native id. A reference is
// a well-known name, a native id from a prior listing, or a display name.
func ResolveUnit(kind enum.BackendKind, unit string, folders []dto.UnifiedFolder) (string, error) {
	const op = "normalizer.ResolveUnit"

	unit = strings.TrimSpace(unit)
	if unit == "" {
		return "", mberrors.Validation(op, "unit is required")
	}
	if native, ok := WellKnownUnit(kind, unit); ok {
		return native, nil
	}
	if kind == enum.BackendGoogleWorkspace && strings.EqualFold(unit, UnitArchive) {
		unit = gmailArchiveLabelName
	}
	for _, folder := range folders {
		if folder.ID == unit || folder.NativeID == unit {
			return folder.NativeID, nil
		}
	}
	for _, folder := range folders {
		if strings.EqualFold(folder.Name, unit) {
			return folder.NativeID, nil
		}
	}
	return "", mberrors.NotFound(op, "unit %q not found", unit)
}

// AssignOrganizationalUnit places a message in a unit. On the multi-label
// backend the unit is added to the message's set; on the single-folder backend
// the message is moved and leaves its previous folder.
func AssignOrganizationalUnit(ctx context.Context, adapter interfaces.MailboxAdapter, messageID, unitID string) error {
	if messageID == "" || unitID == "" {
		return mberrors.Validation("normalizer.AssignOrganizationalUnit", "message id and unit id are required")
	}
	if adapter.Kind().MultiLabel() {
		return adapter.AddToUnit(ctx, messageID, unitID)
	}
	return adapter.MoveToUnit(ctx, messageID, unitID)
}

// RemoveOrganizationalUnit takes a message out of one unit. It only exists on the
// multi-label backend; a single-folder message must stay in exactly one folder.
func RemoveOrganizationalUnit(ctx context.Context, adapter interfaces.MailboxAdapter, messageID, unitID string) error {
	const op = "normalizer.RemoveOrganizationalUnit"

	if messageID == "" || unitID == "" {
		return mberrors.Validation(op, "message id and unit id are required")
	}
	if !adapter.Kind().MultiLabel() {
		return mberrors.Validation(op, "%s messages live in exactly one folder; move the message instead", adapter.Kind())
	}
	return adapter.RemoveFromUnit(ctx, messageID, unitID)
}

// MergeUnits computes a message's unit set after an assignment.
func MergeUnits(kind enum.BackendKind, current []string, unitID string) []string {
	if !kind.MultiLabel() {
		return []string{unitID}
	}
	for _, u := range current {
		if u == unitID {
			return current
		}
	}
	merged := make([]string, 0, len(current)+1)
	merged = append(merged, current...)
	return append(merged, unitID)
}
