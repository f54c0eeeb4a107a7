package pipeline

import (
	"context"
	"errors"
	"fmt"

	"example.com/telemlog/internal/frame"
)

// Progress describes how far an Apply has come.
type Progress struct {
	Step     int     `json:"step"` // 1-based
	Steps    int     `json:"steps"`
	Op       string  `json:"op"`
	Fraction float64 `json:"fraction"` // of the whole pipeline
	Text     string  `json:"text"`
}

// Pipeline is an ordered list of steps applied to a pristine frame. Each
// Apply starts again from the pristine frame, so results never depend on
// earlier runs. A Pipeline is not safe for concurrent use; Apply itself
// only reads it.
type Pipeline struct {
	pristine *frame.DataFrame
	steps    []Step
}

// DefaultSteps is the pipeline used when none is configured: an ascending
// sort on the second real column.
func DefaultSteps() []Step {
	return []Step{Sort{}}
}

// New returns a pipeline over pristine. Without steps it uses DefaultSteps.
func New(pristine *frame.DataFrame, steps ...Step) *Pipeline {
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	return &Pipeline{pristine: pristine, steps: append([]Step(nil), steps...)}
}

func (p *Pipeline) Pristine() *frame.DataFrame { return p.pristine }

// Steps returns a copy of the step list.
func (p *Pipeline) Steps() []Step { return append([]Step(nil), p.steps...) }

// SetSteps replaces the step list. An empty list applies no steps.
func (p *Pipeline) SetSteps(steps ...Step) {
	p.steps = append([]Step(nil), steps...)
}

func (p *Pipeline) Append(s Step) { p.steps = append(p.steps, s) }

// Insert places s at index i, shifting later steps down.
func (p *Pipeline) Insert(i int, s Step) error {
	if i < 0 || i > len(p.steps) {
		return fmt.Errorf("insert at %d: pipeline has %d steps", i, len(p.steps))
	}
	p.steps = append(p.steps[:i], append([]Step{s}, p.steps[i:]...)...)
	return nil
}

func (p *Pipeline) Remove(i int) error {
	if i < 0 || i >= len(p.steps) {
		return fmt.Errorf("remove %d: pipeline has %d steps", i, len(p.steps))
	}
	p.steps = append(p.steps[:i], p.steps[i+1:]...)
	return nil
}

// Move relocates the step at from so that it ends up at index to.
func (p *Pipeline) Move(from, to int) error {
	n := len(p.steps)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("move %d to %d: pipeline has %d steps", from, to, n)
	}
	s := p.steps[from]
	p.steps = append(p.steps[:from], p.steps[from+1:]...)
	p.steps = append(p.steps[:to], append([]Step{s}, p.steps[to:]...)...)
	return nil
}

// Apply runs every step in order on the pristine frame. progress may be nil.
func (p *Pipeline) Apply(ctx context.Context, progress func(Progress)) (*frame.DataFrame, error) {
	return Run(ctx, p.pristine, p.Steps(), progress)
}

// Run applies steps to df without modifying it.
func Run(ctx context.Context, df *frame.DataFrame, steps []Step, progress func(Progress)) (*frame.DataFrame, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	n := len(steps)
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report := func(done, total int) {
			frac := 1.0
			if total > 0 {
				frac = float64(done) / float64(total)
			}
			progress(Progress{
				Step:     i + 1,
				Steps:    n,
				Op:       s.Op(),
				Fraction: (float64(i) + frac) / float64(n),
				Text:     fmt.Sprintf("Step %d/%d", i+1, n),
			})
		}
		out, err := s.Apply(ctx, df, report)
		if err != nil {
			var fe *FilterError
			if errors.As(err, &fe) && fe.Step == 0 {
				fe.Step = i + 1
			}
			return nil, err
		}
		df = out
	}
	return df, nil
}
