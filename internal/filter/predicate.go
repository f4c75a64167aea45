package filter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/payflow/batchwatch/pkg/schema"
)

// Set is the active filter of a batch-detail view. Every field is optional;
// an empty field places no constraint on items.
type Set struct {
	Status    schema.ItemStatus
	Phone     string
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal

	// Ordering is forwarded to the items endpoint and does not take part in
	// Matches.
	Ordering string
}

// Matches reports whether item satisfies every populated clause of s.
//
// A bound of exactly zero counts as unset, the same as nil.
func Matches(item schema.Item, s Set) bool {
	if s.Status != "" && item.Status != s.Status {
		return false
	}
	if s.Phone != "" && !strings.Contains(item.Phone, s.Phone) {
		return false
	}
	if min, ok := bound(s.MinAmount); ok && item.Amount.LessThan(min) {
		return false
	}
	if max, ok := bound(s.MaxAmount); ok && item.Amount.GreaterThan(max) {
		return false
	}
	return true
}

func bound(d *decimal.Decimal) (decimal.Decimal, bool) {
	if d == nil || d.IsZero() {
		return decimal.Zero, false
	}
	return *d, true
}

// IsEmpty reports whether no predicate clause is populated.
func (s Set) IsEmpty() bool {
	_, hasMin := bound(s.MinAmount)
	_, hasMax := bound(s.MaxAmount)
	return s.Status == "" && s.Phone == "" && !hasMin && !hasMax
}

// Equal compares two sets field by field, amounts numerically.
func (s Set) Equal(o Set) bool {
	return s.Status == o.Status &&
		s.Phone == o.Phone &&
		s.Ordering == o.Ordering &&
		equalBound(s.MinAmount, o.MinAmount) &&
		equalBound(s.MaxAmount, o.MaxAmount)
}

func equalBound(a, b *decimal.Decimal) bool {
	av, aok := bound(a)
	bv, bok := bound(b)
	if aok != bok {
		return false
	}
	return !aok || av.Equal(bv)
}

// Query builds the items endpoint query for the given page.
func (s Set) Query(page, pageSize int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if s.Status != "" {
		q.Set("status", string(s.Status))
	}
	if s.Phone != "" {
		q.Set("phone", s.Phone)
	}
	if min, ok := bound(s.MinAmount); ok {
		q.Set("min_amount", min.String())
	}
	if max, ok := bound(s.MaxAmount); ok {
		q.Set("max_amount", max.String())
	}
	if o := strings.TrimSpace(s.Ordering); o != "" {
		q.Set("ordering", o)
	}
	return q
}

// ParseAmount parses a user-entered amount bound. Blank input yields nil.
func ParseAmount(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return &d, nil
}

// ParseStatus validates a status filter value. Blank input means any status.
func ParseStatus(raw string) (schema.ItemStatus, error) {
	switch st := schema.ItemStatus(strings.ToLower(strings.TrimSpace(raw))); st {
	case "", schema.ItemStatusPending, schema.ItemStatusProcessing, schema.ItemStatusSuccess, schema.ItemStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown item status %q", raw)
	}
}
