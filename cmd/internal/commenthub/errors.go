package commenthub

import "errors"

var (
	ErrInvalidInput   = errors.New("commenthub: invalid input")
	ErrNotFound       = errors.New("commenthub: comment not found")
	ErrParentNotFound = errors.New("commenthub: parent comment not found")
	ErrReplyDepth     = errors.New("commenthub: replies attach to top-level comments only")
)
