// Package resolver maps canonical messages to tenants using an immutable
// snapshot of address and modem/port bindings.
package resolver

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"smsrouter/internal/domain"
	"smsrouter/internal/observability"
	"smsrouter/internal/util"
)

type MatchKind string

const (
	MatchNone      MatchKind = ""
	MatchAddress   MatchKind = "address"
	MatchModemPort MatchKind = "modem_port"
)

// Resolution is Assigned when TenantID is set, Unassigned otherwise.
type Resolution struct {
	TenantID  string
	MatchedBy MatchKind
}

func (r Resolution) Assigned() bool { return r.TenantID != "" }

type Conflict struct {
	Key     string
	Tenants []string
}

type modemPort struct {
	modem string
	port  string
}

// Snapshot is read-only after construction.
type Snapshot struct {
	byAddress   map[string]string
	byModemPort map[modemPort]string
	conflicts   []Conflict
	builtAt     time.Time
}

// NewSnapshot indexes bindings. When two tenants claim the same key the
// lexicographically smallest tenant id wins and the clash is reported in
// Conflicts.
func NewSnapshot(bindings []domain.Binding) *Snapshot {
	s := &Snapshot{
		byAddress:   make(map[string]string),
		byModemPort: make(map[modemPort]string),
		builtAt:     util.NowUTC(),
	}
	claims := make(map[string]map[string]struct{})
	claim := func(key, tenant string) {
		if claims[key] == nil {
			claims[key] = make(map[string]struct{})
		}
		claims[key][tenant] = struct{}{}
	}

	for _, b := range bindings {
		if b.TenantID == "" {
			continue
		}
		switch b.Kind {
		case domain.BindingAddress:
			addr, ok := util.CanonicalPhone(b.Address)
			if !ok {
				continue
			}
			claim("address:"+addr, b.TenantID)
			if cur, exists := s.byAddress[addr]; !exists || b.TenantID < cur {
				s.byAddress[addr] = b.TenantID
			}
		case domain.BindingModemPort:
			if b.ModemID == "" || b.PortID == "" {
				continue
			}
			k := modemPort{modem: b.ModemID, port: b.PortID}
			claim("modem_port:"+b.ModemID+"/"+b.PortID, b.TenantID)
			if cur, exists := s.byModemPort[k]; !exists || b.TenantID < cur {
				s.byModemPort[k] = b.TenantID
			}
		}
	}

	for key, tenants := range claims {
		if len(tenants) < 2 {
			continue
		}
		c := Conflict{Key: key}
		for t := range tenants {
			c.Tenants = append(c.Tenants, t)
		}
		sort.Strings(c.Tenants)
		s.conflicts = append(s.conflicts, c)
	}
	sort.Slice(s.conflicts, func(i, j int) bool { return s.conflicts[i].Key < s.conflicts[j].Key })
	return s
}

// Resolve applies exact address first, then modem+port. It is a pure
// function of the snapshot and the message.
func (s *Snapshot) Resolve(msg domain.InboundMessage) Resolution {
	if tenant, ok := s.byAddress[msg.To]; ok {
		return Resolution{TenantID: tenant, MatchedBy: MatchAddress}
	}
	if msg.ModemID != "" && msg.PortID != "" {
		if tenant, ok := s.byModemPort[modemPort{modem: msg.ModemID, port: msg.PortID}]; ok {
			return Resolution{TenantID: tenant, MatchedBy: MatchModemPort}
		}
	}
	return Resolution{}
}

func (s *Snapshot) Conflicts() []Conflict { return s.conflicts }

func (s *Snapshot) Size() int { return len(s.byAddress) + len(s.byModemPort) }

type BindingSource interface {
	ListBindings(ctx context.Context) ([]domain.Binding, error)
}

// Resolver holds the current snapshot. Refresh swaps it atomically, so a
// resolution in progress keeps the snapshot it started with.
type Resolver struct {
	Source BindingSource

	snap atomic.Pointer[Snapshot]
}

func New(src BindingSource) *Resolver {
	r := &Resolver{Source: src}
	r.snap.Store(NewSnapshot(nil))
	return r
}

func (r *Resolver) Resolve(msg domain.InboundMessage) Resolution {
	return r.Current().Resolve(msg)
}

func (r *Resolver) Current() *Snapshot { return r.snap.Load() }

func (r *Resolver) Refresh(ctx context.Context) error {
	bindings, err := r.Source.ListBindings(ctx)
	if err != nil {
		return err
	}
	next := NewSnapshot(bindings)
	for _, c := range next.Conflicts() {
		observability.BindingConflicts.Inc()
		slog.Warn("binding conflict", "key", c.Key, "tenants", c.Tenants, "winner", c.Tenants[0])
	}
	r.snap.Store(next)
	slog.Debug("bindings refreshed", "bindings", next.Size())
	return nil
}

// Run refreshes every interval until ctx is done. Failed refreshes keep the
// previous snapshot.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Error("binding refresh failed", "err", err)
			}
		}
	}
}
