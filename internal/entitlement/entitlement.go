// Package entitlement decides whether a user may invoke an assistant.
//
// Sources are consulted in a fixed order: individual subscription, then
// package, or, for institutional flows, membership plus the institution's
// own subscription. The first source found governs the expiry even when it
// has lapsed.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/neuroialab/neuroia/internal/store"
)

// ErrVerificationFailed wraps store failures so callers can tell them apart
// from a legitimate denial.
var ErrVerificationFailed = errors.New("could not verify subscription")

// Source identifies what granted access.
type Source string

const (
	SourceIndividual  Source = "individual"
	SourcePackage     Source = "package"
	SourceInstitution Source = "institution"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNoSubscription Reason = "no_subscription"
	ReasonExpired        Reason = "expired"
)

// ActionRenew is the client hint attached to expired denials.
const ActionRenew = "renew"

// DefaultWarningDays is the renewal warning threshold.
const DefaultWarningDays = 3

// Decision is the result of an entitlement check.
type Decision struct {
	Granted        bool       `json:"granted"`
	AssistantID    string     `json:"assistant_id"`
	Source         Source     `json:"source,omitempty"`
	Reason         Reason     `json:"reason,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	DaysRemaining  int        `json:"days_remaining,omitempty"`
	DaysExpired    int        `json:"days_expired,omitempty"`
	RenewalWarning bool       `json:"renewal_warning,omitempty"`
	ActionRequired string     `json:"action_required,omitempty"`
}

// Store is the read surface the checker needs.
type Store interface {
	ActiveSubscription(ctx context.Context, userID, assistantID string) (store.Subscription, bool, error)
	ActivePackagesForAssistant(ctx context.Context, userID, assistantID string) ([]store.Package, error)
	GetMembership(ctx context.Context, institutionID, userID string) (store.Membership, bool, error)
	ActiveInstitutionSubscription(ctx context.Context, institutionID string) (store.InstitutionSubscription, bool, error)
}

// Checker evaluates entitlements. It holds no mutable state.
type Checker struct {
	store       Store
	warningDays int
	now         func() time.Time
}

// Option customises a Checker.
type Option func(*Checker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker builds a checker. warningDays < 0 disables renewal warnings.
func NewChecker(st Store, warningDays int, opts ...Option) *Checker {
	c := &Checker{store: st, warningDays: warningDays, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check resolves access through an individual subscription or a package.
func (c *Checker) Check(ctx context.Context, userID, assistantID string) (Decision, error) {
	sub, ok, err := c.store.ActiveSubscription(ctx, userID, assistantID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: individual lookup: %w", ErrVerificationFailed, err)
	}
	if ok {
		return c.decide(assistantID, SourceIndividual, &sub.ExpiresAt), nil
	}

	pkgs, err := c.store.ActivePackagesForAssistant(ctx, userID, assistantID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: package lookup: %w", ErrVerificationFailed, err)
	}
	for _, p := range pkgs {
		if containsAssistant(p.AssistantIDs, assistantID) {
			exp := p.ExpiresAt
			return c.decide(assistantID, SourcePackage, &exp), nil
		}
	}
	return denied(assistantID, ReasonNoSubscription), nil
}

// CheckInstitution resolves access through an institution membership.
// Privileged members (admin, subadmin) do not need an institution subscription.
func (c *Checker) CheckInstitution(ctx context.Context, userID, institutionID, assistantID string) (Decision, error) {
	m, ok, err := c.store.GetMembership(ctx, institutionID, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: membership lookup: %w", ErrVerificationFailed, err)
	}
	if !ok || !m.IsActive {
		return denied(assistantID, ReasonNoSubscription), nil
	}
	if m.Privileged() {
		return Decision{Granted: true, AssistantID: assistantID, Source: SourceInstitution}, nil
	}

	sub, ok, err := c.store.ActiveInstitutionSubscription(ctx, institutionID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: institution subscription lookup: %w", ErrVerificationFailed, err)
	}
	if !ok {
		return denied(assistantID, ReasonNoSubscription), nil
	}
	return c.decide(assistantID, SourceInstitution, &sub.ExpiresAt), nil
}

func (c *Checker) decide(assistantID string, src Source, expiresAt *time.Time) Decision {
	now := c.now()
	d := Decision{AssistantID: assistantID, Source: src, ExpiresAt: expiresAt}
	if expiresAt.Before(now) {
		d.Reason = ReasonExpired
		d.DaysExpired = ceilDays(now.Sub(*expiresAt))
		d.ActionRequired = ActionRenew
		return d
	}
	d.Granted = true
	d.DaysRemaining = ceilDays(expiresAt.Sub(now))
	d.RenewalWarning = c.warningDays >= 0 && d.DaysRemaining <= c.warningDays
	return d
}

func denied(assistantID string, reason Reason) Decision {
	return Decision{AssistantID: assistantID, Reason: reason}
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(d.Hours() / 24))
}

func containsAssistant(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
