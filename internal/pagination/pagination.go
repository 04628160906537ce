// Package pagination provides limit/offset pagination utilities.
package pagination

// Bounds applied to caller-provided limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Params is a limit/offset request. Zero values select the defaults.
type Params struct {
	Limit  int `form:"limit" json:"limit"`
	Offset int `form:"offset" json:"offset"`
}

// Normalize clamps Limit into [1, MaxLimit] and Offset to >= 0.
func (p Params) Normalize() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page is one slice of a result set plus the total it was cut from.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// Slice cuts items (already in final order) according to p and wraps the
// result in a Page. Used by in-memory stores.
func Slice[T any](items []T, p Params) Page[T] {
	p = p.Normalize()
	total := len(items)
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return NewPage(out, total, p)
}

// NewPage wraps a pre-cut slice. Used by SQL stores that count separately.
func NewPage[T any](items []T, total int, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:   items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+len(items) < total,
	}
}
