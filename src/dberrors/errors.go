package dberrors

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	// NotFound describes an absent database, branch, tenant or store.
	NotFound = errors.ConstError("not found")

	// AlreadyExists describes a name collision.
	AlreadyExists = errors.ConstError("already exists")

	// Protected describes an operation forbidden on "main".
	Protected = errors.ConstError("protected")

	// Conflict describes a merge that cannot be applied cleanly, or
	// an unserialized concurrent append.
	Conflict = errors.ConstError("conflict")

	// InvalidSchemaChange describes a structural change rejected by the store.
	InvalidSchemaChange = errors.ConstError("invalid schema change")

	// StorageCorrupt describes an unreadable physical file.
	StorageCorrupt = errors.ConstError("storage corrupt")

	// Timeout describes an operation that ran past its deadline.
	Timeout = errors.ConstError("timeout")

	// NotValid describes a malformed name or definition.
	NotValid = errors.ConstError("not valid")
)

// Is reports whether any error in err's chain matches kind.
func Is(err error, kind errors.ConstError) bool {
	return errors.Is(err, kind)
}

// FromContext maps a context failure onto Timeout. Any other error is
// returned untouched.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(err, Timeout) {
			return err
		}
		return fmt.Errorf("%w: %w", Timeout, err)
	}
	return err
}

// SchemaChangeError reports the table, column and constraint that caused a
// structural change to be rejected.
type SchemaChangeError struct {
	Tenant     string
	Table      string
	Column     string
	Constraint string
	Err        error
}

func (e *SchemaChangeError) Error() string {
	target := fmt.Sprintf("table %q", e.Table)
	if e.Column != "" {
		target = fmt.Sprintf("%s column %q", target, e.Column)
	}
	msg := fmt.Sprintf("schema change rejected for %s: %s", target, e.Constraint)
	if e.Tenant != "" {
		msg = fmt.Sprintf("%s (tenant %q)", msg, e.Tenant)
	}
	return msg
}

func (e *SchemaChangeError) Is(target error) bool {
	return target == InvalidSchemaChange
}

func (e *SchemaChangeError) Unwrap() error {
	return e.Err
}

// ConflictingChange identifies one change entry blocking a merge.
type ConflictingChange struct {
	ID         string
	Sequence   int64
	Type       string
	TargetName string
}

// MergeConflictError lists the change entries that prevent a merge.
type MergeConflictError struct {
	Source  string
	Target  string
	Reason  string
	Changes []ConflictingChange
}

func (e *MergeConflictError) Error() string {
	parts := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		parts = append(parts, fmt.Sprintf("#%d %s %s (%s)", c.Sequence, c.Type, c.TargetName, c.ID))
	}
	msg := fmt.Sprintf("cannot merge %q into %q: %s", e.Source, e.Target, e.Reason)
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s; conflicting changes: %s", msg, strings.Join(parts, ", "))
	}
	return msg
}

func (e *MergeConflictError) Is(target error) bool {
	return target == Conflict
}
