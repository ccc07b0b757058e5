// Package actor defines the tagged actor variant carried on every request,
// the auth scopes, and the delegation policy agents trade under.
package actor

import (
	"fmt"
	"time"
)

// Type tags the actor variant.
type Type string

const (
	TypeUser    Type = "user"
	TypePartner Type = "partner"
	TypeAgent   Type = "agent"
)

// Valid reports whether t is a known actor type.
func (t Type) Valid() bool {
	return t == TypeUser || t == TypePartner || t == TypeAgent
}

// Actor identifies a caller as (type, id).
type Actor struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// String renders "type:id".
func (a Actor) String() string { return fmt.Sprintf("%s:%s", a.Type, a.ID) }

// Equal reports whether two actors are the same principal.
func (a Actor) Equal(b Actor) bool { return a.Type == b.Type && a.ID == b.ID }

// Zero reports whether the actor is unset.
func (a Actor) Zero() bool { return a.Type == "" && a.ID == "" }

// Auth scopes. Writes and reads are enforced per endpoint.
const (
	ScopeSwapIntentsRead     = "swap_intents:read"
	ScopeSwapIntentsWrite    = "swap_intents:write"
	ScopeCycleProposalsRead  = "cycle_proposals:read"
	ScopeCycleProposalsWrite = "cycle_proposals:write"
	ScopeCommitsWrite        = "commits:write"
	ScopeSettlementRead      = "settlement:read"
	ScopeSettlementWrite     = "settlement:write"
	ScopeVaultWrite          = "vault:write"
	ScopeReceiptsRead        = "receipts:read"
)

// QuietHours is a daily window, in an IANA time zone, during which an agent
// must not accept proposals. Start and End are "HH:MM"; a window may wrap
// past midnight (e.g. 22:00 to 06:00).
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	TimeZone string `json:"time_zone"`
}

// Contains reports whether now falls inside the quiet window.
func (q QuietHours) Contains(now time.Time) (bool, error) {
	loc, err := time.LoadLocation(q.TimeZone)
	if err != nil {
		return false, fmt.Errorf("quiet hours: bad time zone %q: %w", q.TimeZone, err)
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	if start == end {
		return false, nil
	}
	if start < end {
		return minutes >= start && minutes < end, nil
	}
	// Window wraps midnight.
	return minutes >= start || minutes < end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("quiet hours: bad clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("quiet hours: clock %q out of range", s)
	}
	return h*60 + m, nil
}

// TradingPolicy bounds what an agent may accept on behalf of its subject.
type TradingPolicy struct {
	MaxCycleLength int         `json:"max_cycle_length"`
	MinConfidence  float64     `json:"min_confidence"`
	QuietHours     *QuietHours `json:"quiet_hours,omitempty"`
}

// Delegation binds an agent to a subject actor under a trading policy.
type Delegation struct {
	Subject Actor         `json:"subject"`
	Policy  TradingPolicy `json:"policy"`
}
