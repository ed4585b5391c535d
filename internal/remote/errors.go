package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure so callers can pick a recovery path.
type Kind int

const (
	// KindTransient covers network errors, timeouts and generic server failures worth retrying.
	KindTransient Kind = iota
	// KindNotImplemented means the procedure, table or column is not deployed on this remote.
	KindNotImplemented
	// KindPermanent means the remote rejected the request itself (constraints, bad data).
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNotImplemented:
		return "not_implemented"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error is the error type every Client implementation returns for remote failures.
type Error struct {
	Kind Kind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s %s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotImplemented builds a KindNotImplemented error.
func NotImplemented(op string, err error) error {
	return &Error{Kind: KindNotImplemented, Op: op, Err: err}
}

// Transient builds a KindTransient error.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent builds a KindPermanent error.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors that are not *Error count as transient.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsNotImplemented reports whether err signals a missing remote capability.
func IsNotImplemented(err error) bool {
	return err != nil && KindOf(err) == KindNotImplemented
}

// IsPermanent reports whether err is a rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

// IsUniqueViolation reports whether err is a duplicate-key rejection.
func IsUniqueViolation(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == "23505"
}
