package device

// Result is the outcome of an asynchronous operation: exactly one of success, failure
// or cancellation. Operations deliver a Result to their callback at most once.
type Result[T any] struct {
	value     T
	err       error
	cancelled bool
}

// Success wraps a value.
func Success[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Failure wraps an error. A nil error is replaced with ErrConnectionFailed so a failure
// always carries a cause.
func Failure[T any](err error) Result[T] {
	if err == nil {
		err = ErrConnectionFailed
	}
	return Result[T]{err: err}
}

// CancelledResult reports an operation abandoned by the caller or by a timeout.
func CancelledResult[T any]() Result[T] {
	return Result[T]{err: ErrCancelled, cancelled: true}
}

func (r Result[T]) IsSuccess() bool   { return r.err == nil }
func (r Result[T]) IsFailure() bool   { return r.err != nil && !r.cancelled }
func (r Result[T]) IsCancelled() bool { return r.cancelled }

// Value returns the success value; ok is false for failed or cancelled results.
func (r Result[T]) Value() (v T, ok bool) {
	return r.value, r.err == nil
}

// Err returns nil on success, the failure cause, or ErrCancelled.
func (r Result[T]) Err() error {
	return r.err
}

func (r Result[T]) String() string {
	switch {
	case r.cancelled:
		return "cancelled"
	case r.err != nil:
		return "failure: " + r.err.Error()
	default:
		return "success"
	}
}
