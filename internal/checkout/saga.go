package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/safar/marketplace-checkout/internal/logging"
)

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga records the undo action of every completed step. Undo runs newest
// first and attempts every action even when an earlier one fails.
type saga struct {
	orderID int64
	userID  int64
	key     string
	undo    []compensation
}

func (s *saga) push(step string, undo func(ctx context.Context) error) {
	s.undo = append(s.undo, compensation{step: step, undo: undo})
}

// step runs fn under the per-step timeout and logs failures.
func (o *Orchestrator) step(ctx context.Context, s *saga, name string, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	start := time.Now()
	err := fn(stepCtx)
	if err != nil {
		logging.Log(logging.Fields{
			Service:    "checkout",
			Step:       name,
			Status:     "failed",
			OrderID:    s.orderID,
			UserID:     s.userID,
			Key:        s.key,
			DurationMS: time.Since(start).Milliseconds(),
			Err:        err,
		})
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// compensate unwinds the saga. It ignores cancellation of ctx so a client
// disconnect cannot leave stock or coupon slots held.
func (o *Orchestrator) compensate(ctx context.Context, s *saga) error {
	if len(s.undo) == 0 {
		return nil
	}

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()

	var errs []error
	for i := len(s.undo) - 1; i >= 0; i-- {
		c := s.undo[i]
		err := c.undo(compCtx)
		o.metrics.ObserveCompensation(c.step, err)

		status := "compensated"
		if err != nil {
			status = "compensation_failed"
			errs = append(errs, fmt.Errorf("compensate %s: %w", c.step, err))
		}
		logging.Log(logging.Fields{
			Service: "checkout",
			Step:    c.step,
			Status:  status,
			OrderID: s.orderID,
			UserID:  s.userID,
			Key:     s.key,
			Err:     err,
		})
	}
	s.undo = nil

	return errors.Join(errs...)
}

// abort compensates and returns cause joined with any compensation failure.
func (o *Orchestrator) abort(ctx context.Context, s *saga, cause error) error {
	if err := o.compensate(ctx, s); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
