package node

import "iter"

// Values returns a sequence yielding each of vs.
func Values(vs ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, v := range vs {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Empty returns a sequence yielding nothing.
func Empty() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {}
}

// Failure returns a sequence yielding only err.
func Failure(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}
