// Package normalize turns gateway-specific webhook payloads into the
// canonical domain.InboundMessage.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"smsrouter/internal/domain"
	"smsrouter/internal/util"
)

const maxMessageIDLen = 255

// Extracted holds the fields a profile pulls out of a raw payload, before
// canonicalization.
type Extracted struct {
	From         string
	To           string
	Body         string
	MessageID    string
	ModemID      string
	PortID       string
	Timestamp    time.Time
	HasTimestamp bool
}

// Profile maps one gateway's fixed JSON shape onto Extracted.
type Profile interface {
	Name() string
	Extract(raw []byte) (Extracted, error)
}

type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry builds a registry from the built-in profiles plus extra.
func NewRegistry(extra ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range append(Builtin(), extra...) {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Profile) error {
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[name]; exists {
		return fmt.Errorf("duplicate profile %q", name)
	}
	r.profiles[name] = p
	return nil
}

func (r *Registry) Lookup(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalize parses raw using the named profile. It has no side effects; now
// is only used when the payload carries no usable timestamp.
func (r *Registry) Normalize(raw []byte, profile string, now time.Time) (domain.InboundMessage, error) {
	p, ok := r.Lookup(profile)
	if !ok {
		return domain.InboundMessage{}, &domain.NormalizationError{Kind: domain.ErrUnknownSourceProfile, Profile: profile}
	}

	ex, err := p.Extract(raw)
	if err != nil {
		return domain.InboundMessage{}, &domain.NormalizationError{Kind: domain.ErrMalformedPayload, Profile: profile, Detail: err.Error()}
	}

	missing := func(field string) error {
		return &domain.NormalizationError{Kind: domain.ErrMissingRequiredField, Profile: profile, Field: field}
	}

	msg := domain.InboundMessage{
		MessageID:      strings.TrimSpace(ex.MessageID),
		Body:           ex.Body,
		ModemID:        strings.TrimSpace(ex.ModemID),
		PortID:         strings.TrimSpace(ex.PortID),
		SourceProfile:  profile,
		RawPayloadHash: HashPayload(raw),
	}
	if msg.MessageID == "" {
		return domain.InboundMessage{}, missing("messageId")
	}
	if len(msg.MessageID) > maxMessageIDLen {
		return domain.InboundMessage{}, &domain.NormalizationError{Kind: domain.ErrMalformedPayload, Profile: profile, Field: "messageId", Detail: "too long"}
	}

	if util.IsAlphanumericSender(ex.From) {
		msg.From = strings.TrimSpace(ex.From)
	} else if from, ok := util.CanonicalPhone(ex.From); ok {
		msg.From = from
	} else {
		return domain.InboundMessage{}, missing("from")
	}

	to, ok := util.CanonicalPhone(ex.To)
	if !ok {
		return domain.InboundMessage{}, missing("to")
	}
	msg.To = to

	if ex.HasTimestamp && plausibleTimestamp(ex.Timestamp, now) {
		msg.ReceivedAt = ex.Timestamp.UTC()
	} else {
		msg.ReceivedAt = now.UTC()
		msg.TimestampInferred = true
	}
	return msg, nil
}

// Gateway clocks outside this window are treated as unset.
var earliestTimestamp = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const maxClockSkew = 24 * time.Hour

func plausibleTimestamp(t, now time.Time) bool {
	return !t.Before(earliestTimestamp) && !t.After(now.Add(maxClockSkew))
}

// HashPayload returns the hex SHA-256 of the raw request body.
func HashPayload(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
