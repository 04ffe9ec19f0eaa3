package job

import (
	"context"
	"fmt"
	"time"

	logx "statpulse/pkg/logx"
)

// Step is one collaborator call inside a Sequence.
type Step struct {
	Name string
	Run  Func
}

// StepError reports which step stopped a sequence.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Sequence runs steps strictly in order, each awaited before the next.
// The first failure stops the sequence; later steps are not invoked.
// The whole sequence is one attempt, so a retry starts again at step 1.
func Sequence(log logx.Logger, steps ...Step) Func {
	steps = append([]Step(nil), steps...)
	return func(ctx context.Context) error {
		for i, st := range steps {
			if err := ctx.Err(); err != nil {
				return &StepError{Step: st.Name, Index: i, Err: err}
			}
			start := time.Now()
			err := st.Run(ctx)
			log.Debug("pipeline.step", logx.Int("index", i+1), logx.String("step", st.Name), logx.Duration("dur", time.Since(start)), logx.Err(err))
			if err != nil {
				return &StepError{Step: st.Name, Index: i, Err: err}
			}
		}
		return nil
	}
}
