package montecarlo

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/pipigenius/ukfm"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Trial is the outcome of a single Monte Carlo trial.
type Trial struct {
	// Err stores the per step tangent space estimation errors in its rows
	Err *mat.Dense
	// NEES stores the per step normalized estimation error squared
	NEES []float64
}

// TrialFunc runs a single independent trial. The trial index and a random
// generator owned exclusively by this trial are passed in, so trials share
// no mutable state and may run concurrently.
type TrialFunc func(trial int, rng *rand.Rand) (*Trial, error)

// Config configures a Monte Carlo run.
type Config struct {
	// Trials is the number of independent trials
	Trials int
	// Workers is the number of concurrent workers.
	// Non-positive means one worker per available CPU.
	Workers int
	// Seed seeds the trial generators: trial i draws from Seed+i
	Seed uint64
}

// Summary aggregates the outcomes of a Monte Carlo run. Failed trials are
// recorded and skipped by the aggregate statistics.
type Summary struct {
	trials []*Trial
	errs   []error
	failed int
	steps  int
}

// Run executes cfg.Trials independent trials of fn across a pool of workers
// and aggregates their outcomes. Each trial gets its own random generator
// seeded with cfg.Seed plus the trial index, so the results do not depend
// on the number of workers. A failing trial is recorded in the summary and
// does not stop the run.
// It returns error wrapping ukfm.ErrConfiguration if cfg or fn are invalid
// or if the succeeded trials disagree on their dimensions.
func Run(cfg *Config, fn TrialFunc) (*Summary, error) {
	if cfg == nil || cfg.Trials <= 0 {
		return nil, fmt.Errorf("invalid trial count: %w", ukfm.ErrConfiguration)
	}

	if fn == nil {
		return nil, fmt.Errorf("nil trial function supplied: %w", ukfm.ErrConfiguration)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > cfg.Trials {
		workers = cfg.Trials
	}

	trials := make([]*Trial, cfg.Trials)
	errs := make([]error, cfg.Trials)

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				rng := rand.New(rand.NewSource(cfg.Seed + uint64(i)))
				t, err := fn(i, rng)
				if err != nil {
					errs[i] = err
					continue
				}
				if t == nil || t.Err == nil {
					errs[i] = fmt.Errorf("trial returned no data")
					continue
				}
				trials[i] = t
			}
		}()
	}

	for i := 0; i < cfg.Trials; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	s := &Summary{
		trials: trials,
		errs:   errs,
		steps:  -1,
	}

	// succeeded trials must agree on the number of steps and the error size
	dim := -1
	for i, t := range trials {
		if t == nil {
			s.failed++
			continue
		}

		steps, d := t.Err.Dims()
		if len(t.NEES) != steps {
			return nil, fmt.Errorf("trial %d consistency length %d does not match %d steps: %w",
				i, len(t.NEES), steps, ukfm.ErrConfiguration)
		}

		if s.steps < 0 {
			s.steps, dim = steps, d
			continue
		}
		if steps != s.steps || d != dim {
			return nil, fmt.Errorf("trial %d dimensions [%d x %d] do not match [%d x %d]: %w",
				i, steps, d, s.steps, dim, ukfm.ErrConfiguration)
		}
	}

	return s, nil
}

// Trials returns the total number of trials, failed ones included.
func (s *Summary) Trials() int {
	return len(s.trials)
}

// Failed returns the number of failed trials.
func (s *Summary) Failed() int {
	return s.failed
}

// Steps returns the number of steps per trial, or zero if every trial failed.
func (s *Summary) Steps() int {
	if s.steps < 0 {
		return 0
	}

	return s.steps
}

// Errors returns per trial errors: the entry of a succeeded trial is nil.
func (s *Summary) Errors() []error {
	errs := make([]error, len(s.errs))
	copy(errs, s.errs)

	return errs
}

// RMSE returns the per step root mean square of the tangent error norm
// over the succeeded trials. It returns nil if every trial failed.
func (s *Summary) RMSE() []float64 {
	if s.steps < 0 {
		return nil
	}

	rmse := make([]float64, s.steps)
	sq := make([]float64, 0, len(s.trials))
	for k := 0; k < s.steps; k++ {
		sq = sq[:0]
		for _, t := range s.trials {
			if t == nil {
				continue
			}

			_, d := t.Err.Dims()
			var e float64
			for j := 0; j < d; j++ {
				e += t.Err.At(k, j) * t.Err.At(k, j)
			}
			sq = append(sq, e)
		}
		rmse[k] = math.Sqrt(stat.Mean(sq, nil))
	}

	return rmse
}

// MeanNEES returns the per step mean normalized estimation error squared
// over the succeeded trials. It returns nil if every trial failed.
func (s *Summary) MeanNEES() []float64 {
	if s.steps < 0 {
		return nil
	}

	nees := make([]float64, s.steps)
	vals := make([]float64, 0, len(s.trials))
	for k := 0; k < s.steps; k++ {
		vals = vals[:0]
		for _, t := range s.trials {
			if t == nil {
				continue
			}
			vals = append(vals, t.NEES[k])
		}
		nees[k] = stat.Mean(vals, nil)
	}

	return nees
}

// NEES returns the normalized estimation error squared of the tangent
// error xi under the covariance cov.
// It returns error wrapping ukfm.ErrNumericalInstability if the covariance
// can not be inverted.
func NEES(xi mat.Vector, cov mat.Symmetric) (float64, error) {
	pInv := &mat.Dense{}
	if err := pInv.Inverse(cov); err != nil {
		return 0, fmt.Errorf("failed to invert covariance: %w", ukfm.ErrNumericalInstability)
	}

	tmp := &mat.VecDense{}
	tmp.MulVec(pInv, xi)

	return mat.Dot(xi, tmp), nil
}
