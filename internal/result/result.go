// Package result provides a tagged success/failure container used to carry
// outcomes across the resource pipeline without turning expected negative
// answers into errors.
package result

// Result holds exactly one of a success value or a failure value.
//
// The zero value is a failure with a zero failure value; build results with
// Success or Failure.
type Result[S, F any] struct {
	ok      bool
	success S
	failure F
}

// Success returns a successful result carrying v.
func Success[S, F any](v S) Result[S, F] {
	return Result[S, F]{ok: true, success: v}
}

// Failure returns a failed result carrying v.
func Failure[S, F any](v F) Result[S, F] {
	return Result[S, F]{failure: v}
}

// OK reports whether the result is a success.
func (r Result[S, F]) OK() bool { return r.ok }

// Get returns the success value and true, or the zero value and false.
func (r Result[S, F]) Get() (S, bool) {
	if !r.ok {
		var zero S
		return zero, false
	}
	return r.success, true
}

// Err returns the failure value and true, or the zero value and false.
func (r Result[S, F]) Err() (F, bool) {
	if r.ok {
		var zero F
		return zero, false
	}
	return r.failure, true
}

// Map converts the success value of r with fn, keeping failures as they are.
func Map[S, T, F any](r Result[S, F], fn func(S) T) Result[T, F] {
	if v, ok := r.Get(); ok {
		return Success[T, F](fn(v))
	}
	f, _ := r.Err()
	return Failure[T, F](f)
}
