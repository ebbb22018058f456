package state

import (
	"errors"
	"fmt"
)

// ConfigFailureError represents invalid configuration detected before any
// item was dispatched. Not resumable until the configuration is fixed.
type ConfigFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ConfigFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("config failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("config failure: %s", e.Message)
}

func (e *ConfigFailureError) Unwrap() error { return e.Cause }

// StorageFailureError represents a failed checkpoint, artifact or run-state
// write. Resumable: committed checkpoints are intact.
type StorageFailureError struct {
	ItemID  string
	Code    string
	Message string
	Cause   error
}

func (e *StorageFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.ItemID != "" && e.Code != "" {
		return fmt.Sprintf("storage failure item=%s (%s): %s", e.ItemID, e.Code, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("storage failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("storage failure: %s", e.Message)
}

func (e *StorageFailureError) Unwrap() error { return e.Cause }

// SystemFailureError represents crashes, termination or other system-level
// failures.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

// ItemIDer is implemented by errors that name the item they failed on.
type ItemIDer interface {
	FailedItemID() string
}

func failureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var cf *ConfigFailureError
	if errors.As(err, &cf) && cf != nil {
		return Failure{
			FailureClass: FailureClassConfig,
			ErrorCode:    nonEmptyOr(cf.Code, "ConfigFailure"),
			ErrorMessage: nonEmptyOr(cf.Message, cf.Error()),
			Resumable:    false,
		}, nil
	}

	var sf *StorageFailureError
	if errors.As(err, &sf) && sf != nil {
		return Failure{
			FailureClass: FailureClassStorage,
			ItemID:       itemPtr(nonEmptyOr(sf.ItemID, itemIDOf(err))),
			ErrorCode:    nonEmptyOr(sf.Code, "StorageFailure"),
			ErrorMessage: nonEmptyOr(sf.Message, sf.Error()),
			Resumable:    true,
		}, nil
	}

	var yf *SystemFailureError
	if errors.As(err, &yf) && yf != nil {
		return Failure{
			FailureClass: FailureClassSystem,
			ItemID:       itemPtr(itemIDOf(err)),
			ErrorCode:    nonEmptyOr(yf.Code, "SystemFailure"),
			ErrorMessage: nonEmptyOr(yf.Message, yf.Error()),
			Resumable:    true,
		}, nil
	}

	// Unknown error: classify as system failure (most conservative class).
	return Failure{
		FailureClass: FailureClassSystem,
		ItemID:       itemPtr(itemIDOf(err)),
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
		Resumable:    true,
	}, nil
}

func itemIDOf(err error) string {
	var ider ItemIDer
	if errors.As(err, &ider) {
		return ider.FailedItemID()
	}
	return ""
}

func itemPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
