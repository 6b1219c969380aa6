// Package store holds the request and result types shared by the storage
// implementations and their callers.
package store

import (
	"time"

	"github.com/shopspring/decimal"

	"smsrouter/internal/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type IngestOutcome string

const (
	OutcomeCreated   IngestOutcome = "created"
	OutcomeDuplicate IngestOutcome = "duplicate"
)

// IngestRequest is applied as one atomic unit: dedup insert, inbox entry,
// counters, surcharge and delivery record all commit or none do.
type IngestRequest struct {
	Message   domain.InboundMessage
	TenantID  string
	Surcharge decimal.Decimal
	Now       time.Time
}

type IngestResult struct {
	Outcome      IngestOutcome
	Entry        domain.InboxEntry
	Charged      bool
	LowBalance   bool
	BalanceAfter decimal.Decimal
	DeliveryID   string
}

type SentMessage struct {
	MessageID string    `json:"messageId" validate:"required,max=255"`
	From      string    `json:"from" validate:"required"`
	To        string    `json:"to" validate:"required"`
	Body      string    `json:"message"`
	SentAt    time.Time `json:"timestamp"`
}

type AppendResult struct {
	Entry   domain.InboxEntry
	Created bool
}

type CreditGrant struct {
	TenantID string
	Amount   decimal.Decimal
	ActorID  string
	Note     string
	Now      time.Time
}

type NewTenant struct {
	ID             string
	Name           string
	InitialBalance decimal.Decimal
	Now            time.Time
}

type WebhookConfig struct {
	TenantID string
	URL      string
	Secret   string
	Now      time.Time
}

// Cursor is a keyset position: rows strictly older than (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type InboxQuery struct {
	TenantID   string
	Unassigned bool
	Direction  domain.Direction
	Search     string
	Limit      int
	Before     *Cursor
}

type TransactionQuery struct {
	TenantID string
	Limit    int
	Before   *Cursor
}

type DeliveryQuery struct {
	TenantID string
	Status   domain.DeliveryStatus
	Limit    int
	Before   *Cursor
}

type EventQuery struct {
	TenantID string
	Kind     domain.OperatorEventKind
	Limit    int
	Before   *Cursor
}

type CounterReport struct {
	TenantID string
	Cached   []domain.CounterRow
	Rebuilt  []domain.CounterRow
	Drifted  bool
}

type BalanceReport struct {
	TenantID string
	Stored   decimal.Decimal
	Computed decimal.Decimal
	Drifted  bool
	Fixed    bool
}

// DeliveryJob is a claimed delivery together with what is needed to send it.
type DeliveryJob struct {
	Delivery      domain.Delivery
	Message       domain.InboundMessage
	WebhookURL    string
	WebhookSecret string
}

// AttemptResult records one finished attempt. A failed attempt with a nil
// NextAttemptAt is terminal.
type AttemptResult struct {
	DeliveryID    string
	AttemptNumber int
	Success       bool
	HTTPStatus    int
	Error         string
	Latency       time.Duration
	NextAttemptAt *time.Time
	Now           time.Time
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
