package dispatcher

import (
	"errors"
	"fmt"
)

// fatalError marks a failure that no amount of retrying will fix: a
// malformed event, a missing template, an unresolvable alert. The event
// is routed to the dead-letter topic with the error attached instead of
// being redelivered.
type fatalError struct {
	reason string
	err    error
}

func (e *fatalError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.err)
	}
	return e.reason
}

func (e *fatalError) Unwrap() error {
	return e.err
}

func fatal(reason string, err error) error {
	return &fatalError{reason: reason, err: err}
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
