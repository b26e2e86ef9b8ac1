package estimation

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Result collects the per-iteration metrics and log entries of a run. It
// implements Recorder.
//
// The in-flight iteration is mutable scratch state owned by the optimizer
// loop; CommitIteration deep-copies it into the append-only history, so
// committed iterations can never be corrupted by later mutation. When a
// path is configured, each commit is also appended to a JSON-lines file,
// so an interrupted run loses at most the in-flight iteration.
type Result struct {
	logger *zap.Logger
	path   string

	current     map[string]interface{}
	evaluations []taggedEvaluations
	iterations  []map[string]interface{}
	logs        []string
}

type taggedEvaluations struct {
	Tag         string
	Iteration   int
	Evaluations []Evaluation
}

// ResultOption configures a Result.
type ResultOption func(*Result)

// WithResultLogger routes Log messages through the given logger.
func WithResultLogger(logger *zap.Logger) ResultOption {
	return func(r *Result) {
		r.logger = logger
	}
}

// WithResultPath appends every committed iteration to the given JSON-lines
// file.
func WithResultPath(path string) ResultOption {
	return func(r *Result) {
		r.path = path
	}
}

// NewResult creates an empty result log.
func NewResult(opts ...ResultOption) *Result {
	r := &Result{
		logger:  zap.NewNop(),
		current: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddMetric stores a named value on the in-flight iteration.
func (r *Result) AddMetric(name string, value interface{}) {
	r.current[name] = value
}

// AddEvaluations attaches a batch of evaluations to the in-flight
// iteration. The evaluations are deep-copied immediately.
func (r *Result) AddEvaluations(evals []Evaluation, tag string) {
	copied := make([]Evaluation, len(evals))
	for i, ev := range evals {
		copied[i] = Evaluation{
			Parameters:  append([]float64(nil), ev.Parameters...),
			Measurement: append([]float64(nil), ev.Measurement...),
			Tag:         ev.Tag,
			Err:         ev.Err,
		}
	}
	r.evaluations = append(r.evaluations, taggedEvaluations{
		Tag:         tag,
		Iteration:   len(r.iterations),
		Evaluations: copied,
	})
}

// CommitIteration snapshots the in-flight iteration, appends it to the
// history, clears the scratch state and persists the snapshot when a path
// is configured.
func (r *Result) CommitIteration() error {
	snapshot := make(map[string]interface{}, len(r.current))
	for k, v := range r.current {
		snapshot[k] = deepCopyValue(v)
	}
	r.iterations = append(r.iterations, snapshot)
	r.current = make(map[string]interface{})

	if r.path == "" {
		return nil
	}
	return r.persist(snapshot)
}

func (r *Result) persist(snapshot map[string]interface{}) error {
	line := map[string]interface{}{
		"iteration": len(r.iterations) - 1,
		"time":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range snapshot {
		line[k] = jsonValue(v)
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encoding iteration snapshot: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening result file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}
	return nil
}

// Log records a timestamped message.
func (r *Result) Log(msg string) {
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), msg)
	r.logs = append(r.logs, entry)
	r.logger.Info(msg)
}

// IterationCount returns the number of committed iterations.
func (r *Result) IterationCount() int {
	return len(r.iterations)
}

// Iteration returns the committed metrics for the i-th iteration.
func (r *Result) Iteration(i int) map[string]interface{} {
	return r.iterations[i]
}

// Metric returns a named metric from the i-th committed iteration.
func (r *Result) Metric(i int, name string) (interface{}, bool) {
	if i < 0 || i >= len(r.iterations) {
		return nil, false
	}
	v, ok := r.iterations[i][name]
	return v, ok
}

// Evaluations returns all evaluation batches recorded with the given tag.
func (r *Result) Evaluations(tag string) []Evaluation {
	var out []Evaluation
	for _, te := range r.evaluations {
		if te.Tag == tag {
			out = append(out, te.Evaluations...)
		}
	}
	return out
}

// Logs returns the recorded log entries.
func (r *Result) Logs() []string {
	return append([]string(nil), r.logs...)
}

// deepCopyValue copies the value types the optimizer stores as metrics so
// the committed snapshot cannot alias the loop's working state.
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []float64:
		return append([]float64(nil), val...)
	case [][]float64:
		out := make([][]float64, len(val))
		for i, row := range val {
			out[i] = append([]float64(nil), row...)
		}
		return out
	case *mat.Dense:
		if val == nil {
			return nil
		}
		return mat.DenseCopyOf(val)
	default:
		return v
	}
}

// jsonValue converts metric values to JSON-encodable forms. NaN and the
// infinities are not representable in JSON and would fail the whole
// marshal, so they become strings.
func jsonValue(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		return finiteValue(val)
	case []float64:
		out := make([]interface{}, len(val))
		for i, f := range val {
			out[i] = finiteValue(f)
		}
		return out
	case [][]float64:
		out := make([]interface{}, len(val))
		for i, row := range val {
			out[i] = jsonValue(row)
		}
		return out
	case *mat.Dense:
		if val == nil {
			return nil
		}
		rows, cols := val.Dims()
		out := make([]interface{}, rows)
		for i := 0; i < rows; i++ {
			row := make([]interface{}, cols)
			for j := 0; j < cols; j++ {
				row[j] = finiteValue(val.At(i, j))
			}
			out[i] = row
		}
		return out
	default:
		return v
	}
}

func finiteValue(f float64) interface{} {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	default:
		return f
	}
}
