package estimation

import (
	"context"
	"sync"
)

// ModelFunc is a forward model evaluated at a single physical parameter
// vector.
type ModelFunc func(params []float64) ([]float64, error)

// FuncEvaluator adapts a ModelFunc to the batch Evaluator interface. Items
// of a batch are independent and run on a bounded worker pool; results are
// written back by index so request order is preserved.
//
// The evaluator owns its evaluation counter explicitly. It is only cleared
// through Reset, never implicitly between runs.
type FuncEvaluator struct {
	model     ModelFunc
	transform func([]float64) ([]float64, error)
	workers   int

	mu      sync.Mutex
	count   int
	started bool
}

// FuncEvaluatorOption configures a FuncEvaluator.
type FuncEvaluatorOption func(*FuncEvaluator)

// WithWorkers sets the size of the worker pool used for a batch.
func WithWorkers(n int) FuncEvaluatorOption {
	return func(e *FuncEvaluator) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTransform sets the raw-to-physical mapping applied when Evaluate is
// called with transform=true.
func WithTransform(f func([]float64) ([]float64, error)) FuncEvaluatorOption {
	return func(e *FuncEvaluator) {
		e.transform = f
	}
}

// NewFuncEvaluator creates an evaluator around the given forward model.
func NewFuncEvaluator(model ModelFunc, opts ...FuncEvaluatorOption) *FuncEvaluator {
	e := &FuncEvaluator{
		model:   model,
		workers: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start marks the evaluator as ready. A local function model has no real
// resources to acquire, but the scoped-resource contract is kept so callers
// treat all evaluators uniformly.
func (e *FuncEvaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return NewError(KindConfiguration, "evaluator already started")
	}
	e.started = true
	return nil
}

// Close releases the evaluator.
func (e *FuncEvaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

// Reset clears the evaluation counter between independent runs.
func (e *FuncEvaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count = 0
}

// Count returns the total number of model evaluations since the last Reset.
func (e *FuncEvaluator) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Evaluate runs the model for every vector in batch. The returned slice has
// the same length and order as batch; items that failed carry their error
// in Evaluation.Err. The call blocks until the whole batch has completed.
func (e *FuncEvaluator) Evaluate(ctx context.Context, batch [][]float64, transform bool, tag string) ([]Evaluation, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, NewError(KindConfiguration, "evaluator not started")
	}
	e.count += len(batch)
	e.mu.Unlock()

	evals := make([]Evaluation, len(batch))

	workers := e.workers
	if workers > len(batch) {
		workers = len(batch)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				evals[i] = e.evaluateOne(batch[i], transform, tag)
			}
		}()
	}

	for i := range batch {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, ctx.Err()
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	return evals, nil
}

func (e *FuncEvaluator) evaluateOne(params []float64, transform bool, tag string) Evaluation {
	eval := Evaluation{
		Parameters: append([]float64(nil), params...),
		Tag:        tag,
	}

	point := eval.Parameters
	if transform && e.transform != nil {
		mapped, err := e.transform(point)
		if err != nil {
			eval.Err = err
			return eval
		}
		point = mapped
	}

	measurement, err := e.model(point)
	if err != nil {
		eval.Err = err
		return eval
	}
	eval.Measurement = measurement
	return eval
}

// FailedIndices returns the indices of the evaluations that carry an error.
func FailedIndices(evals []Evaluation) []int {
	var failed []int
	for i, ev := range evals {
		if ev.Err != nil {
			failed = append(failed, i)
		}
	}
	return failed
}
