package presence

import "errors"

// Error taxonomy per spec §7. Handlers wrap these with fmt.Errorf("%w: ...")
// to attach detail; callers should match with errors.Is.
var (
	ErrDestroyed         = errors.New("presence: destroyed")
	ErrInvalidEntity     = errors.New("presence: invalid entity")
	ErrMismatch          = errors.New("presence: mismatch")
	ErrSizeLimit         = errors.New("presence: size limit exceeded")
	ErrAuthNoUser        = errors.New("auth: no user")
	ErrAuthNotAuthorized = errors.New("auth: not authorized")
	ErrLoadFailed        = errors.New("presence: load failed")
)
