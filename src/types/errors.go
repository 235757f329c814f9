package types

import "errors"

var (
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionLost    = errors.New("connection lost")
	ErrRequestTimeout    = errors.New("request timeout")
	ErrRequestInFlight   = errors.New("request already in flight")
	ErrTransport         = errors.New("transport error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTokenExpired      = errors.New("token expired")
	ErrAlreadyLocked     = errors.New("event already has an active hold")
	ErrLockRejected      = errors.New("lock rejected")
	ErrLockIndeterminate = errors.New("lock outcome indeterminate")
	ErrLockExpired       = errors.New("lock expired")
	ErrLockConsumed      = errors.New("lock already consumed")
	ErrNotLocked         = errors.New("no active hold")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrReleaseRejected   = errors.New("release rejected")
	ErrPurchaseRejected  = errors.New("purchase rejected")
	ErrPurchaseInFlight  = errors.New("purchase already in flight")
	ErrPurchaseUnsettled = errors.New("purchase not confirmed")
)

// User-visible message classes.
const (
	MsgReservationDenied  = "reservation denied"
	MsgReservationExpired = "reservation expired"
	MsgStatusUnknown      = "connection lost - reservation status unknown"
	MsgPurchaseFailed     = "purchase failed, reservation released"
	MsgNotConnected       = "not connected"
	MsgSessionExpired     = "session expired, sign in again"
	MsgPurchaseUnsent     = "purchase failed, reservation still held"
)

// Describe maps an error onto the message the UI shows for it.
// Order matters: a purchase rejected because the lock expired reads as expired.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLockIndeterminate):
		return MsgStatusUnknown
	case errors.Is(err, ErrLockExpired):
		return MsgReservationExpired
	case errors.Is(err, ErrPurchaseRejected):
		return MsgPurchaseFailed
	case errors.Is(err, ErrPurchaseUnsettled):
		return MsgPurchaseUnsent
	case errors.Is(err, ErrLockRejected), errors.Is(err, ErrAlreadyLocked):
		return MsgReservationDenied
	case errors.Is(err, ErrConnectionLost):
		return MsgStatusUnknown
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrTokenExpired):
		return MsgSessionExpired
	case errors.Is(err, ErrNotConnected):
		return MsgNotConnected
	default:
		return err.Error()
	}
}
