package commentsync

import "errors"

var (
	// ErrInvalidTarget reports a malformed (kind, contentID) pair.
	// It is the only error Attach surfaces synchronously.
	ErrInvalidTarget = errors.New("commentsync: invalid content target")

	// ErrSubscriptionFailed reports that the broker refused a topic subscription.
	// Non-fatal: the engine degrades to snapshot-only mode and retries on the
	// next connected transition.
	ErrSubscriptionFailed = errors.New("commentsync: subscription failed")

	// ErrDetached reports an operation on a detached session.
	ErrDetached = errors.New("commentsync: session detached")

	// ErrEmptyContent reports a submit or edit with no text.
	ErrEmptyContent = errors.New("commentsync: empty content")

	// ErrUnknownComment reports an edit or remove for an id not in the tree.
	ErrUnknownComment = errors.New("commentsync: unknown comment id")

	// errParentMissing is an internal tree signal: the reply's parent is not in
	// the tree yet, so the reconciler must hold the reply in the orphan buffer.
	errParentMissing = errors.New("commentsync: parent not in tree")

	// errDuplicateID is an internal tree signal: a comment with the same
	// confirmed id is already present.
	errDuplicateID = errors.New("commentsync: duplicate comment id")
)
