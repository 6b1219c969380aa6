package httpserver

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"smsrouter/internal/store"
)

var errBadCursor = errors.New("bad cursor")

// encodeCursor returns an opaque keyset token for the row after which the
// next page starts.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*store.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, errBadCursor
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, errBadCursor
	}
	return &store.Cursor{CreatedAt: t, ID: id}, nil
}

type page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// newPage sets NextCursor when the page is full; a short page is the last.
func newPage[T any](items []T, limit int, key func(T) (time.Time, string)) page[T] {
	if items == nil {
		items = []T{}
	}
	p := page[T]{Items: items}
	if len(items) > 0 && len(items) >= limit {
		p.NextCursor = encodeCursor(key(items[len(items)-1]))
	}
	return p
}
