package domain

import "errors"

var (
	ErrAlreadyResolved   = errors.New("call already resolved")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotParticipant    = errors.New("not a participant")
	ErrNotAdmin          = errors.New("only the group admin may do this")
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnreachable       = errors.New("peer unreachable")
	ErrPersistence       = errors.New("persistence failure")
	ErrTransport         = errors.New("transport failure")
	ErrRateLimited       = errors.New("rate limited")
)

type ErrorKind string

const (
	KindUnreachable     ErrorKind = "unreachable"
	KindInvalidState    ErrorKind = "invalid_state"
	KindAuthorization   ErrorKind = "authorization"
	KindNotFound        ErrorKind = "not_found"
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindPersistence     ErrorKind = "persistence"
	KindTransport       ErrorKind = "transport"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInternal        ErrorKind = "internal"
)

func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidTransition):
		return KindInvalidState
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotAdmin):
		return KindAuthorization
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrUnreachable):
		return KindUnreachable
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}
