// Package shared holds value types used by more than one bounded context.
package shared

import "fmt"

// DefaultTake is the page size applied when a caller does not ask for one.
const DefaultTake = 100

// Page is one window of an ordered result set. Count is the total number of
// matches for the query, not the number of items in this window.
type Page[T any] struct {
	Items []T
	Count int64
}

// EmptyPage returns a page with no items.
func EmptyPage[T any]() Page[T] { return Page[T]{Items: []T{}} }

// Pagination describes the window to return. A zero Take selects DefaultTake.
type Pagination struct {
	Skip int
	Take int
}

// Validate rejects negative offsets or sizes before any work is done.
func (p Pagination) Validate(op, jobID string) error {
	if p.Skip < 0 {
		return NewFieldError(op, jobID, "skip", fmt.Errorf("%w: skip must be >= 0, got %d", ErrInvalidPagination, p.Skip))
	}
	if p.Take < 0 {
		return NewFieldError(op, jobID, "take", fmt.Errorf("%w: take must be >= 0, got %d", ErrInvalidPagination, p.Take))
	}
	return nil
}

// Normalized returns p with the default page size filled in.
func (p Pagination) Normalized() Pagination {
	if p.Take == 0 {
		p.Take = DefaultTake
	}
	return p
}

// Window slices items according to p. It never panics on out of range offsets.
func Window[T any](items []T, p Pagination) []T {
	p = p.Normalized()
	if p.Skip >= len(items) {
		return []T{}
	}
	end := p.Skip + p.Take
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-p.Skip)
	copy(out, items[p.Skip:end])
	return out
}
