package listing

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"estatechain/internal/escrow"
	"estatechain/internal/logging"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrNotPermitted  = errors.New("action not permitted for role")
	ErrUnavailable   = errors.New("action unavailable for listing")
)

// LendGasLimit caps the lender's plain transfer into escrow.
const LendGasLimit = 60000

// Request asks the view to perform an action as account.
type Request struct {
	Account common.Address
	Signer  *bind.TransactOpts
	Action  Action
}

// Result is a completed action. Status is the listing re-read after the last
// confirmation; RefreshErr is set when that read failed.
type Result struct {
	Action     Action
	Role       Role
	Receipts   []*types.Receipt
	Status     *Status
	RefreshErr error
}

// Snapshot is what an account sees for one asset.
type Snapshot struct {
	Role    Role
	Status  *Status
	Options []Option
}

// View reads one asset's escrow state and performs role-gated actions on it.
type View struct {
	registry escrow.Registry
	escrow   escrow.Escrow
	id       *big.Int
	logger   *zap.Logger
}

func NewView(registry escrow.Registry, esc escrow.Escrow, id *big.Int, logger *zap.Logger) *View {
	return &View{
		registry: registry,
		escrow:   esc,
		id:       new(big.Int).Set(id),
		logger:   logging.OrNop(logger).With(zap.String("assetId", id.String())),
	}
}

func (v *View) Status(ctx context.Context) (*Status, error) {
	return FetchStatus(ctx, v.registry, v.escrow, v.id)
}

// Snapshot reads the listing and resolves what account may do with it.
func (v *View) Snapshot(ctx context.Context, account common.Address) (*Snapshot, error) {
	status, err := v.Status(ctx)
	if err != nil {
		return nil, err
	}
	role := ResolveRole(account, status)
	return &Snapshot{Role: role, Status: status, Options: Options(role, status)}, nil
}

// Perform runs the action's transactions in order and re-reads the listing.
// On failure no status is returned; the caller keeps what it displayed.
func (v *View) Perform(ctx context.Context, req Request) (*Result, error) {
	status, err := v.Status(ctx)
	if err != nil {
		return nil, err
	}
	role := ResolveRole(req.Account, status)
	if !Permits(role, req.Action) {
		return nil, fmt.Errorf("%w: %s cannot %s", ErrNotPermitted, role, req.Action)
	}
	if !status.Listed || done(req.Action, status) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, req.Action)
	}
	if req.Signer == nil {
		return nil, escrow.ErrReadOnly
	}

	log := v.logger.With(zap.String("action", string(req.Action)), zap.Stringer("role", role))
	log.Info("performing action")

	receipts, err := NewPipeline(v.escrow, v.steps(req.Action, req.Signer, status)...).Run(ctx)
	if err != nil {
		log.Warn("action failed", zap.Int("confirmed", len(receipts)), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}

	result := &Result{Action: req.Action, Role: role, Receipts: receipts}
	result.Status, result.RefreshErr = v.Status(ctx)
	if result.RefreshErr != nil {
		log.Warn("status refresh failed", zap.Error(result.RefreshErr))
	}
	log.Info("action confirmed", zap.Int("transactions", len(receipts)))
	return result, nil
}

// steps builds the pipeline for action. An approval already recorded for the
// caller's role is not sent again, so a retry resumes at the step that failed.
func (v *View) steps(action Action, signer *bind.TransactOpts, status *Status) []Step {
	id := v.id
	esc := v.escrow
	opts := func(ctx context.Context) *bind.TransactOpts {
		o := *signer
		o.Context = ctx
		return &o
	}
	approve := Step{Name: "approveSale", Submit: func(ctx context.Context) (*types.Transaction, error) {
		return esc.ApproveSale(opts(ctx), id)
	}}

	switch action {
	case ActionBuy:
		return []Step{
			{Name: "depositEarnest", Submit: func(ctx context.Context) (*types.Transaction, error) {
				amount, err := esc.EscrowAmount(ctx, id)
				if err != nil {
					return nil, err
				}
				o := opts(ctx)
				o.Value = amount
				return esc.DepositEarnest(o, id)
			}},
			approve,
		}
	case ActionApproveInspection:
		return []Step{
			{Name: "updateInspectProperty", Submit: func(ctx context.Context) (*types.Transaction, error) {
				return esc.UpdateInspection(opts(ctx), id, true)
			}},
		}
	case ActionApproveAndLend:
		lend := Step{Name: "lend", Submit: func(ctx context.Context) (*types.Transaction, error) {
			price, err := esc.PurchasePrice(ctx, id)
			if err != nil {
				return nil, err
			}
			amount, err := esc.EscrowAmount(ctx, id)
			if err != nil {
				return nil, err
			}
			o := opts(ctx)
			o.Value = new(big.Int).Sub(price, amount)
			o.GasLimit = LendGasLimit
			return esc.Fund(o)
		}}
		return withApproval(!status.HasLended(), approve, lend)
	case ActionApproveAndSell:
		finalize := Step{Name: "finalizeSale", Submit: func(ctx context.Context) (*types.Transaction, error) {
			return esc.FinalizeSale(opts(ctx), id)
		}}
		return withApproval(!status.HasSold(), approve, finalize)
	case ActionCancel:
		return []Step{
			{Name: "cancelSale", Submit: func(ctx context.Context) (*types.Transaction, error) {
				return esc.CancelSale(opts(ctx), id)
			}},
		}
	}
	return nil
}

func withApproval(needed bool, approve, next Step) []Step {
	if needed {
		return []Step{approve, next}
	}
	return []Step{next}
}
