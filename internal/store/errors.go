package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors returned by Store methods. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateLink indicates the link would violate single-creator or
	// name uniqueness.
	ErrDuplicateLink = errors.New("duplicate link")

	// ErrInvalidLink indicates the link's role does not fit its endpoint kinds.
	ErrInvalidLink = errors.New("invalid link")

	// ErrSealed indicates an attempt to mutate a sealed node.
	ErrSealed = errors.New("node is sealed")

	// ErrAttributeRewrite indicates an attempt to change an existing attribute.
	ErrAttributeRewrite = errors.New("attribute rewrite")

	// ErrConflict indicates the process record changed since it was loaded.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidTransition indicates a lifecycle transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateName indicates a registry record with the same name exists.
	ErrDuplicateName = errors.New("duplicate name")
)

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isTriggerAbort reports whether err came from a RAISE(ABORT) in a trigger.
func isTriggerAbort(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintTrigger
	}
	return false
}
