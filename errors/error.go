package errors

import "errors"

func New(text string) error {
	return errors.New(text)
}

// Wrap tags reason with a classify sentinel so callers can match it
// with errors.Is while keeping the underlying cause in the message.
func Wrap(classify, reason error) error {
	return &wrapped{classify: classify, reason: reason}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

type wrapped struct {
	classify error
	reason   error
}

func (w *wrapped) Error() string {
	return w.classify.Error() + " | " + w.reason.Error()
}

func (w *wrapped) Is(target error) bool {
	return errors.Is(w.classify, target)
}

func (w *wrapped) Unwrap() error {
	return w.reason
}
