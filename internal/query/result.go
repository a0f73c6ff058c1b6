package query

// Status tells an empty answer apart from a failed one.
type Status string

const (
	StatusOK     Status = "ok"
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
)

// Result carries the rows of a read and how the read went. Items is never
// nil, so it always encodes as a JSON array.
type Result[T any] struct {
	Items  []T
	Status Status
	Err    error
}

// Failed reports whether the store query failed.
func (r Result[T]) Failed() bool { return r.Status == StatusFailed }

func ok[T any](items []T) Result[T] {
	if len(items) == 0 {
		return Result[T]{Items: []T{}, Status: StatusEmpty}
	}
	return Result[T]{Items: items, Status: StatusOK}
}
