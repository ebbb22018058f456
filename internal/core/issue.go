package core

import (
	"fmt"
	"time"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueKind is a stable reason code. Values are part of the event wire format.
type IssueKind string

const (
	IssueUnknownLabel         IssueKind = "unknown_label"
	IssueAmbiguousCoordinates IssueKind = "ambiguous_coordinates"
	IssueBBoxInvalid          IssueKind = "bbox_invalid"
	IssueEntryInvalid         IssueKind = "entry_invalid"
	IssueBBoxTooSmall         IssueKind = "bbox_too_small"
	IssueBBoxTooLarge         IssueKind = "bbox_too_large"
	IssueRefineFallback       IssueKind = "refine_fallback"
	IssueItemFailed           IssueKind = "item_failed"
	IssueDuplicateItem        IssueKind = "duplicate_item"
)

// Issue is an observability record attached to an item.
type Issue struct {
	ItemID      string    `json:"item_id" msgpack:"item_id"`
	Kind        IssueKind `json:"kind" msgpack:"kind"`
	Severity    Severity  `json:"severity" msgpack:"severity"`
	Description string    `json:"description" msgpack:"description"`
	At          time.Time `json:"at" msgpack:"at"`
}

func Warnf(itemID string, kind IssueKind, format string, args ...any) Issue {
	return Issue{ItemID: itemID, Kind: kind, Severity: SeverityWarning, Description: fmt.Sprintf(format, args...)}
}

func Errorf(itemID string, kind IssueKind, format string, args ...any) Issue {
	return Issue{ItemID: itemID, Kind: kind, Severity: SeverityError, Description: fmt.Sprintf(format, args...)}
}
