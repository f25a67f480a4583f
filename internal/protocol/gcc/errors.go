package gcc

import "errors"

var (
	ErrBadObjectIdentifier = errors.New("bad object identifier t124")
	ErrBadH221Key          = errors.New("bad H221 key")
	ErrInvalidBlockLength  = errors.New("invalid user data block length")
	ErrMissingBlock        = errors.New("required user data block missing")
)
