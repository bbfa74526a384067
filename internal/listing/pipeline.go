package listing

import (
	"context"
	"fmt"

	"estatechain/internal/escrow"

	"github.com/ethereum/go-ethereum/core/types"
)

// Step is one transaction in an action. Submit may read chain state; it runs
// only after every earlier step is confirmed.
type Step struct {
	Name   string
	Submit func(ctx context.Context) (*types.Transaction, error)
}

// StepError reports the step that aborted a pipeline.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Pipeline runs dependent transactions strictly in order.
type Pipeline struct {
	confirmer escrow.Confirmer
	steps     []Step
}

func NewPipeline(confirmer escrow.Confirmer, steps ...Step) *Pipeline {
	return &Pipeline{confirmer: confirmer, steps: steps}
}

// Run submits each step and waits for its receipt before the next. The first
// submission or confirmation failure stops the run.
func (p *Pipeline) Run(ctx context.Context) ([]*types.Receipt, error) {
	receipts := make([]*types.Receipt, 0, len(p.steps))
	for _, step := range p.steps {
		tx, err := step.Submit(ctx)
		if err != nil {
			return receipts, &StepError{Step: step.Name, Err: err}
		}
		receipt, err := p.confirmer.Confirm(ctx, tx)
		if err != nil {
			return receipts, &StepError{Step: step.Name, Err: err}
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}
