package registration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"voxelreg/pkg/metric"
	"voxelreg/pkg/volume"
	"voxelreg/pkg/xform"
)

// Objective is anything an optimizer can drive: a parameter vector and an evaluation of it.
type Objective interface {
	Evaluate(ctx context.Context, progress ProgressFunc) (Result, error)
	ParamVector() []float64
	SetParamVector(params []float64)
	ParamScales() []float64
	Metric() metric.Kind
}

var (
	_ Objective = &ImagePairFunctional{}
	_ Objective = &GroupwiseFunctional{}
)

// Method selects the search strategy.
type Method int

const (
	NelderMead Method = iota
	GradientDescent
)

func (m Method) String() string {
	switch m {
	case NelderMead:
		return "simplex"
	case GradientDescent:
		return "gradient"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod accepts "simplex" (or "neldermead") and "gradient".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "simplex", "neldermead", "nelder-mead":
		return NelderMead, nil
	case "gradient", "gradientdescent":
		return GradientDescent, nil
	}
	return 0, fmt.Errorf("unknown optimization method %q", s)
}

// OptimizerSettings controls Optimize and RegisterPair.
type OptimizerSettings struct {
	Method Method

	// Step is the initial simplex size in units of the objective's parameter scales
	Step float64

	// GradientStep is the central-difference step for gradient descent, in the same units
	GradientStep float64

	// MaxEvaluations bounds the number of objective evaluations per level
	MaxEvaluations int

	// Active selects the parameters to optimize; nil optimizes all of them
	Active []bool

	// Levels is the number of resolution levels RegisterPair runs, halving resolution per level
	Levels int
}

// DefaultOptimizerSettings returns a single-level simplex search.
func DefaultOptimizerSettings() OptimizerSettings {
	return OptimizerSettings{
		Method:         NelderMead,
		Step:           1,
		GradientStep:   0.1,
		MaxEvaluations: 2000,
		Levels:         1,
	}
}

// Outcome is the result of an optimization run.
type Outcome struct {
	Params      []float64
	Result      Result
	Evaluations int
	Status      optimize.Status
}

// Optimize searches the parameters of obj for the best metric value, minimizing for
// squared differences and maximizing otherwise. Parameter sets without any overlapping
// voxel are rejected. On return obj holds the best parameters found.
func Optimize(ctx context.Context, obj Objective, s OptimizerSettings) (Outcome, error) {
	base := obj.ParamVector()
	scales := obj.ParamScales()

	var active []int
	for i := range base {
		if s.Active == nil || (i < len(s.Active) && s.Active[i]) {
			active = append(active, i)
		}
	}
	toParams := func(z []float64) []float64 {
		p := slices.Clone(base)
		for n, i := range active {
			p[i] += z[n] * scales[i]
		}
		return p
	}

	sign := 1.0
	if obj.Metric().HigherIsBetter() {
		sign = -1
	}

	var evalErr error
	cost := func(z []float64) float64 {
		if evalErr != nil {
			return math.Inf(1)
		}
		obj.SetParamVector(toParams(z))
		res, err := obj.Evaluate(ctx, nil)
		if err != nil {
			evalErr = err
			return math.Inf(1)
		}
		if res.Samples == 0 {
			return math.Inf(1)
		}
		return sign * res.Value
	}

	outcome := Outcome{Params: base}
	if len(active) > 0 {
		problem := optimize.Problem{Func: cost}
		var method optimize.Method
		switch s.Method {
		case GradientDescent:
			step := s.GradientStep
			problem.Grad = func(grad, z []float64) {
				fd.Gradient(grad, cost, z, &fd.Settings{Formula: fd.Central, Step: step})
			}
			method = &optimize.GradientDescent{}
		default:
			method = &optimize.NelderMead{SimplexSize: s.Step}
		}

		settings := &optimize.Settings{
			FuncEvaluations: s.MaxEvaluations,
			Converger: &contextConverger{
				ctx:  ctx,
				next: &optimize.FunctionConverge{Absolute: 1e-8, Relative: 1e-8, Iterations: 50},
			},
		}
		res, err := optimize.Minimize(problem, make([]float64, len(active)), settings, method)
		if evalErr != nil {
			return Outcome{}, evalErr
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if err != nil && res == nil {
			return Outcome{}, fmt.Errorf("optimization failed: %w", err)
		}
		outcome.Params = toParams(res.X)
		outcome.Evaluations = res.Stats.FuncEvaluations
		outcome.Status = res.Status
	}

	obj.SetParamVector(outcome.Params)
	final, err := obj.Evaluate(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	outcome.Result = final
	if err := final.CheckOverlap(); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// contextConverger stops the search once ctx is done.
type contextConverger struct {
	ctx  context.Context
	next optimize.Converger
}

func (c *contextConverger) Init(dim int) { c.next.Init(dim) }

func (c *contextConverger) Converged(loc *optimize.Location) optimize.Status {
	if c.ctx.Err() != nil {
		return optimize.Failure
	}
	return c.next.Converged(loc)
}

// RegisterPair optimizes x to align flt with ref, coarse to fine over s.Levels resolution
// levels. The transformation carries over between levels since it acts on physical
// coordinates.
func RegisterPair(ctx context.Context, ref, flt *volume.Volume, x xform.Transform, opts Options, s OptimizerSettings) (Outcome, error) {
	logger := slog.Default().With("component", "registration")

	refs, err := ref.Pyramid(s.Levels)
	if err != nil {
		return Outcome{}, fmt.Errorf("reference pyramid: %w", err)
	}
	flts, err := flt.Pyramid(s.Levels)
	if err != nil {
		return Outcome{}, fmt.Errorf("floating pyramid: %w", err)
	}

	var outcome Outcome
	evaluations := 0
	for level := range refs {
		f, err := NewImagePairFunctional(refs[level], flts[level], x, opts)
		if err != nil {
			return Outcome{}, err
		}
		outcome, err = Optimize(ctx, f, s)
		evaluations += outcome.Evaluations
		if err != nil {
			return outcome, fmt.Errorf("level %d: %w", level, err)
		}
		logger.Info("resolution level done",
			slog.Int("level", level),
			slog.Any("dims", refs[level].Dims),
			slog.Float64("value", outcome.Result.Value),
			slog.Int("samples", outcome.Result.Samples),
			slog.Int("evaluations", outcome.Evaluations))
	}
	outcome.Evaluations = evaluations
	return outcome, nil
}

// parameterGradient estimates d value / d param by central differences, perturbing
// parameter i by step*ParamScales()[i]. obj is left at params.
func parameterGradient(ctx context.Context, obj Objective, params []float64, step float64) ([]float64, error) {
	scales := obj.ParamScales()
	var evalErr error
	value := func(z []float64) float64 {
		p := slices.Clone(params)
		for i := range p {
			p[i] += z[i] * scales[i]
		}
		obj.SetParamVector(p)
		res, err := obj.Evaluate(ctx, nil)
		if err != nil && evalErr == nil {
			evalErr = err
		}
		return res.Value
	}

	grad := fd.Gradient(nil, value, make([]float64, len(params)), &fd.Settings{Formula: fd.Central, Step: step})
	obj.SetParamVector(params)
	if evalErr != nil {
		return nil, evalErr
	}
	for i := range grad {
		grad[i] /= scales[i]
	}
	return grad, nil
}

// paramScales gives matrix entries of an affine map a smaller natural step than its
// translation, which is in mm.
func paramScales(x xform.Transform) []float64 {
	scales := make([]float64, x.NumParams())
	for i := range scales {
		scales[i] = 1
	}
	if _, ok := x.(*xform.Affine); ok {
		for i := 0; i < 9; i++ {
			scales[i] = 0.01
		}
	}
	return scales
}
