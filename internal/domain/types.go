package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
)

// InboundMessage is the canonical form of a gateway delivery. It is never
// mutated after normalization.
type InboundMessage struct {
	MessageID         string    `json:"messageId"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Body              string    `json:"message"`
	ReceivedAt        time.Time `json:"timestamp"`
	TimestampInferred bool      `json:"timestampInferred"`
	ModemID           string    `json:"modemId,omitempty"`
	PortID            string    `json:"portId,omitempty"`
	SourceProfile     string    `json:"sourceProfile"`
	RawPayloadHash    string    `json:"rawPayloadHash"`
}

type Tenant struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Balance       decimal.Decimal `json:"balance"`
	WebhookURL    string          `json:"webhookUrl,omitempty"`
	WebhookSecret string          `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type BindingKind string

const (
	BindingAddress   BindingKind = "address"
	BindingModemPort BindingKind = "modem_port"
)

type Binding struct {
	TenantID string      `json:"tenantId"`
	Kind     BindingKind `json:"kind"`
	Address  string      `json:"address,omitempty"`
	ModemID  string      `json:"modemId,omitempty"`
	PortID   string      `json:"portId,omitempty"`
}

// InboxEntry is one processed message in a tenant inbox. TenantID is empty
// for unassigned messages.
type InboxEntry struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId,omitempty"`
	MessageID   string          `json:"messageId"`
	Direction   Direction       `json:"direction"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Body        string          `json:"message"`
	Timestamp   time.Time       `json:"timestamp"`
	CostApplied decimal.Decimal `json:"costApplied"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// AmountScale is the number of decimal places the ledger stores for
// balances, deltas and surcharges.
const AmountScale int32 = 4

// WithinAmountScale reports whether d is representable without rounding.
func WithinAmountScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(AmountScale))
}

type CreditReason string

const (
	ReasonReceivedSMS     CreditReason = "received_sms"
	ReasonAdminGrant      CreditReason = "admin_grant"
	ReasonAdminAdjustment CreditReason = "admin_adjustment"
)

type CreditTransaction struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	Delta            decimal.Decimal `json:"delta"`
	Reason           CreditReason    `json:"reason"`
	RelatedMessageID string          `json:"relatedMessageId,omitempty"`
	ActorID          string          `json:"actorId,omitempty"`
	Note             string          `json:"note,omitempty"`
	BalanceAfter     decimal.Decimal `json:"balanceAfter"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "pending"
	DeliveryInFlight        DeliveryStatus = "in_flight"
	DeliveryRetryScheduled  DeliveryStatus = "retry_scheduled"
	DeliverySuccess         DeliveryStatus = "success"
	DeliveryFailedExhausted DeliveryStatus = "failed_exhausted"
)

func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailedExhausted
}

// Delivery tracks outbound forwarding of one message to one tenant.
type Delivery struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	MessageID      string         `json:"messageId"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attemptCount"`
	NextAttemptAt  time.Time      `json:"nextAttemptAt"`
	LeaseUntil     *time.Time     `json:"leaseUntil,omitempty"`
	LastHTTPStatus int            `json:"lastHttpStatus,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

type DeliveryAttempt struct {
	ID            string        `json:"id"`
	DeliveryID    string        `json:"deliveryId"`
	TenantID      string        `json:"tenantId"`
	MessageID     string        `json:"messageId"`
	AttemptNumber int           `json:"attemptNumber"`
	Status        AttemptStatus `json:"status"`
	HTTPStatus    int           `json:"httpStatus,omitempty"`
	Error         string        `json:"error,omitempty"`
	LatencyMs     int64         `json:"latencyMs"`
	NextRetryAt   *time.Time    `json:"nextRetryAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

type OperatorEventKind string

const (
	EventLowBalance       OperatorEventKind = "low_balance"
	EventForwardExhausted OperatorEventKind = "forward_exhausted"
	EventCounterDrift     OperatorEventKind = "counter_drift"
	EventBalanceDrift     OperatorEventKind = "balance_drift"
)

// OperatorEvent is a row in the operator-visible log.
type OperatorEvent struct {
	ID         string            `json:"id"`
	Kind       OperatorEventKind `json:"kind"`
	TenantID   string            `json:"tenantId,omitempty"`
	MessageID  string            `json:"messageId,omitempty"`
	DeliveryID string            `json:"deliveryId,omitempty"`
	Detail     string            `json:"detail"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type Stats struct {
	TotalSent     int64 `json:"totalSent"`
	TotalReceived int64 `json:"totalReceived"`
	SentToday     int64 `json:"sentToday"`
	ReceivedToday int64 `json:"receivedToday"`
}

// CounterRow is one day of cached inbox counters for a tenant.
type CounterRow struct {
	Day      time.Time `json:"day"`
	Sent     int64     `json:"sent"`
	Received int64     `json:"received"`
}
