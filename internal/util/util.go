package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	PrefixInboxEntry  = "inb_"
	PrefixTransaction = "ctx_"
	PrefixDelivery    = "dlv_"
	PrefixAttempt     = "att_"
	PrefixEvent       = "evt_"
)

// NewID returns prefix + ULID. ULIDs sort by creation time, which keeps
// keyset pagination and dashboards cheap.
func NewID(prefix string) string {
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

// DayUTC truncates t to the start of its UTC calendar day.
func DayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
