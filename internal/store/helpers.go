package store

import (
	"errors"
	"fmt"

	"smsrouter/internal/domain"
)

// ErrLeaseLost means the delivery is no longer in flight under this worker,
// usually because its lease expired and another worker reclaimed it.
var ErrLeaseLost = errors.New("delivery lease lost")

// SameCounters compares two day-sorted counter sets, ignoring empty days.
func SameCounters(a, b []domain.CounterRow) bool {
	nonEmpty := func(rows []domain.CounterRow) []domain.CounterRow {
		out := rows[:0:0]
		for _, r := range rows {
			if r.Sent != 0 || r.Received != 0 {
				out = append(out, r)
			}
		}
		return out
	}
	a, b = nonEmpty(a), nonEmpty(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Day.Equal(b[i].Day) || a[i].Sent != b[i].Sent || a[i].Received != b[i].Received {
			return false
		}
	}
	return true
}

// ExhaustedDetail is the operator event text for a delivery that ran out of
// attempts.
func ExhaustedDetail(in AttemptResult) string {
	if in.HTTPStatus != 0 {
		return fmt.Sprintf("gave up after %d attempts, last status %d: %s", in.AttemptNumber, in.HTTPStatus, in.Error)
	}
	return fmt.Sprintf("gave up after %d attempts: %s", in.AttemptNumber, in.Error)
}
