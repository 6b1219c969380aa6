package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"smsrouter/internal/domain"
	"smsrouter/internal/observability"
	"smsrouter/internal/store"
	"smsrouter/internal/util"
)

const minWebhookSecretLen = 16

// GrantCredit appends an admin_grant transaction and returns it; its
// BalanceAfter is the tenant's new balance.
func (s *LedgerService) GrantCredit(ctx context.Context, tenantID string, amount decimal.Decimal, actorID, note string) (domain.CreditTransaction, error) {
	if !amount.IsPositive() || !domain.WithinAmountScale(amount) {
		return domain.CreditTransaction{}, domain.ErrInvalidAmount
	}
	tx, err := s.Store.GrantCredit(ctx, store.CreditGrant{
		TenantID: tenantID,
		Amount:   amount,
		ActorID:  actorID,
		Note:     strings.TrimSpace(note),
		Now:      s.now(),
	})
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	observability.CreditTransactions.WithLabelValues(string(domain.ReasonAdminGrant)).Inc()
	slog.Info("credit granted", "tenant_id", tenantID, "amount", amount.String(), "actor_id", actorID, "balance", tx.BalanceAfter.String())
	return tx, nil
}

// SetWebhook stores the tenant's forwarding endpoint. The URL must be an
// absolute http(s) URL and the secret long enough to sign with.
func (s *LedgerService) SetWebhook(ctx context.Context, tenantID, rawURL, secret string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return domain.ErrWebhookURLRequired
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", domain.ErrInvalidWebhook)
	}
	if len(secret) < minWebhookSecretLen {
		return fmt.Errorf("%w: secret must be at least %d characters", domain.ErrInvalidWebhook, minWebhookSecretLen)
	}
	if err := s.Store.SetWebhook(ctx, store.WebhookConfig{TenantID: tenantID, URL: rawURL, Secret: secret, Now: s.now()}); err != nil {
		return err
	}
	slog.Info("webhook configured", "tenant_id", tenantID, "host", u.Host)
	return nil
}

// ClearWebhook stops forwarding for the tenant. Deliveries already queued
// fail with webhook_not_configured.
func (s *LedgerService) ClearWebhook(ctx context.Context, tenantID string) error {
	return s.Store.SetWebhook(ctx, store.WebhookConfig{TenantID: tenantID, Now: s.now()})
}

func (s *LedgerService) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	return s.Store.GetTenant(ctx, tenantID)
}

func (s *LedgerService) CreateTenant(ctx context.Context, id, name string, initial decimal.Decimal) (domain.Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Tenant{}, fmt.Errorf("%w: tenant id", domain.ErrMissingRequiredField)
	}
	if initial.IsNegative() || !domain.WithinAmountScale(initial) {
		return domain.Tenant{}, domain.ErrInvalidAmount
	}
	return s.Store.CreateTenant(ctx, store.NewTenant{ID: id, Name: name, InitialBalance: initial, Now: s.now()})
}

// AddBinding canonicalizes and stores a binding. Resolvers see it on their
// next refresh.
func (s *LedgerService) AddBinding(ctx context.Context, b domain.Binding) error {
	switch b.Kind {
	case domain.BindingAddress:
		addr, ok := util.CanonicalPhone(b.Address)
		if !ok {
			return fmt.Errorf("%w: address", domain.ErrInvalidBinding)
		}
		b = domain.Binding{TenantID: b.TenantID, Kind: b.Kind, Address: addr}
	case domain.BindingModemPort:
		b.ModemID, b.PortID = strings.TrimSpace(b.ModemID), strings.TrimSpace(b.PortID)
		if b.ModemID == "" || b.PortID == "" {
			return fmt.Errorf("%w: modemId and portId", domain.ErrInvalidBinding)
		}
		b = domain.Binding{TenantID: b.TenantID, Kind: b.Kind, ModemID: b.ModemID, PortID: b.PortID}
	default:
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidBinding, b.Kind)
	}
	return s.Store.AddBinding(ctx, b)
}
