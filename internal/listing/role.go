package listing

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the part an account plays on a listing.
type Role int

const (
	RoleBuyer Role = iota
	RoleSeller
	RoleInspector
	RoleLender
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleInspector:
		return "inspector"
	case RoleLender:
		return "lender"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	for _, candidate := range []Role{RoleBuyer, RoleSeller, RoleInspector, RoleLender} {
		if candidate.String() == string(text) {
			*r = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", text)
}

// ResolveRole matches account against the contract-wide parties. Any other
// account is a prospective buyer.
func ResolveRole(account common.Address, s *Status) Role {
	switch account {
	case s.Inspector:
		return RoleInspector
	case s.Lender:
		return RoleLender
	case s.Seller:
		return RoleSeller
	}
	return RoleBuyer
}

// Action is a role-gated operation on a listing.
type Action string

const (
	ActionBuy               Action = "buy"
	ActionApproveInspection Action = "approve-inspection"
	ActionApproveAndLend    Action = "approve-and-lend"
	ActionApproveAndSell    Action = "approve-and-sell"
	ActionCancel            Action = "cancel"
)

// ParseAction validates a client-supplied action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionBuy, ActionApproveInspection, ActionApproveAndLend, ActionApproveAndSell, ActionCancel:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

var roleActions = map[Role][]Action{
	RoleInspector: {ActionApproveInspection},
	RoleLender:    {ActionApproveAndLend},
	RoleSeller:    {ActionApproveAndSell},
	RoleBuyer:     {ActionBuy, ActionCancel},
}

// ActionsFor returns the actions role may perform, in display order.
func ActionsFor(role Role) []Action {
	out := make([]Action, len(roleActions[role]))
	copy(out, roleActions[role])
	return out
}

// Permits reports whether role may perform action.
func Permits(role Role, action Action) bool {
	for _, a := range roleActions[role] {
		if a == action {
			return true
		}
	}
	return false
}

// done reports whether the action's on-chain effect is already recorded.
// Approve & Sell stays open while listed: a finalize that reverted leaves the
// seller approval behind and must be retryable.
func done(action Action, s *Status) bool {
	switch action {
	case ActionBuy:
		return s.HasBought()
	case ActionApproveInspection:
		return s.HasInspected()
	case ActionApproveAndLend:
		return s.HasLended() && s.Funded()
	case ActionApproveAndSell:
		return !s.Listed
	}
	return false
}

// Option is one action offered to an account with its availability.
type Option struct {
	Action  Action `json:"action"`
	Enabled bool   `json:"enabled"`
}

// Options lists the actions for role against s. Nothing is offered once the
// asset is no longer listed.
func Options(role Role, s *Status) []Option {
	if !s.Listed {
		return nil
	}
	actions := roleActions[role]
	out := make([]Option, 0, len(actions))
	for _, a := range actions {
		out = append(out, Option{Action: a, Enabled: !done(a, s)})
	}
	return out
}
