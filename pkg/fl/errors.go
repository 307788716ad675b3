package fl

import "errors"

var (
	ErrUnknownVariant      = errors.New("unknown model variant")
	ErrOverflowSubmission  = errors.New("variant has no remaining expected tasks")
	ErrDuplicateSubmission = errors.New("client already reported this round")
	ErrUnexpectedClient    = errors.New("client is not assigned to this variant")
	ErrMalformedResult     = errors.New("malformed client result")
	ErrStaleResult         = errors.New("result belongs to another round")
	ErrTransformation      = errors.New("model transformation failed")
	ErrInvalidAlpha        = errors.New("layer selection alpha must be in (0, 1]")
	ErrUnknownStrategy     = errors.New("unknown strategy")
	ErrEmptyModel          = errors.New("model has no parameters")
)
