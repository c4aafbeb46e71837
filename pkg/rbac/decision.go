package rbac

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/observability"
)

// Decision reasons
const (
	ReasonGranted           = "granted"
	ReasonNoCodesRequired   = "no_permissions_required"
	ReasonUnknownPrincipal  = "unknown_principal"
	ReasonInactivePrincipal = "inactive_principal"
	ReasonIPNotAllowed      = "ip_not_allowed"
	ReasonPermissionMissing = "permission_missing"
)

// AccessRequest asks whether a principal may act with the given codes.
// RequireAll selects HasAll semantics; otherwise HasAny.
type AccessRequest struct {
	PrincipalID int64    `json:"principal_id"`
	Codes       []string `json:"codes"`
	RequireAll  bool     `json:"require_all"`
	SourceIP    string   `json:"source_ip,omitempty"`
}

// Decision is the outcome of Authorize
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	PrincipalID int64     `json:"principal_id"`
	Codes       []string  `json:"codes,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// DecisionPoint gates requests: principal activity, then the IP allowlist,
// then the permission check. It never writes audit records.
type DecisionPoint struct {
	store    *Store
	resolver *Resolver
	metrics  *observability.Metrics
}

// NewDecisionPoint creates a decision point
func NewDecisionPoint(store *Store, resolver *Resolver, metrics *observability.Metrics) *DecisionPoint {
	return &DecisionPoint{
		store:    store,
		resolver: resolver,
		metrics:  metrics,
	}
}

// Authorize decides an access request. Errors are returned only for
// infrastructure failures; every policy outcome is a Decision.
func (d *DecisionPoint) Authorize(ctx context.Context, req AccessRequest) (*Decision, error) {
	decision, err := d.authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	decision.PrincipalID = req.PrincipalID
	decision.Codes = req.Codes
	decision.DecidedAt = time.Now().UTC()
	d.metrics.RecordDecision(decision.Allowed, decision.Reason)
	return decision, nil
}

func (d *DecisionPoint) authorize(ctx context.Context, req AccessRequest) (*Decision, error) {
	principal, err := d.store.GetAdminUser(ctx, req.PrincipalID)
	if errors.Is(err, ErrNotFound) {
		return deny(ReasonUnknownPrincipal), nil
	}
	if err != nil {
		return nil, err
	}
	if !principal.IsActive {
		return deny(ReasonInactivePrincipal), nil
	}

	allowlist, err := d.store.ListIPAllowlist(ctx, principal.ID, true)
	if err != nil {
		return nil, err
	}
	// An empty allowlist leaves the principal unrestricted.
	if len(allowlist) > 0 && !IPAllowed(allowlist, req.SourceIP) {
		return deny(ReasonIPNotAllowed), nil
	}

	if len(req.Codes) == 0 {
		return &Decision{Allowed: true, Reason: ReasonNoCodesRequired}, nil
	}

	var allowed bool
	if req.RequireAll {
		allowed, err = d.resolver.HasAll(ctx, principal.ID, req.Codes...)
	} else {
		allowed, err = d.resolver.HasAny(ctx, principal.ID, req.Codes...)
	}
	if err != nil {
		return nil, err
	}
	if !allowed {
		return deny(ReasonPermissionMissing), nil
	}
	return &Decision{Allowed: true, Reason: ReasonGranted}, nil
}

func deny(reason string) *Decision {
	return &Decision{Allowed: false, Reason: reason}
}

// IPAllowed reports whether source matches any active entry, by exact
// address or CIDR containment. An unparsable source never matches.
func IPAllowed(entries []IPAllowEntry, source string) bool {
	ip := net.ParseIP(strings.TrimSpace(source))
	if ip == nil {
		return false
	}

	for _, e := range entries {
		if !e.IsActive {
			continue
		}
		addr := strings.TrimSpace(e.Address)
		if strings.Contains(addr, "/") {
			if _, network, err := net.ParseCIDR(addr); err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(addr); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// ValidateIPEntry checks that an allowlist address is an IP or CIDR
func ValidateIPEntry(address string) error {
	addr := strings.TrimSpace(address)
	if strings.Contains(addr, "/") {
		if _, _, err := net.ParseCIDR(addr); err != nil {
			return invalid("ip allowlist entry %q is not a valid CIDR", address)
		}
		return nil
	}
	if net.ParseIP(addr) == nil {
		return invalid("ip allowlist entry %q is not a valid IP address", address)
	}
	return nil
}
