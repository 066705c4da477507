// Package schedule - Epoch driven mixup phase scheduling.
//
// The training loop advances the Scheduler once per epoch boundary. Batch workers
// read an immutable State snapshot; Advance publishes a complete new snapshot
// atomically, so readers never observe a partially applied update.
package schedule

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nvr-ai/go-detbatch/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Phase is the mixup phase derived from the current epoch.
type Phase int

const (
	// Inactive means mixup is never applied.
	Inactive Phase = iota
	// WarmingUp means the probability ramps linearly towards its target.
	WarmingUp
	// FullyActive means the target probability applies.
	FullyActive
)

func (p Phase) String() string {
	switch p {
	case Inactive:
		return "inactive"
	case WarmingUp:
		return "warming-up"
	case FullyActive:
		return "fully-active"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Window is the half open mixup epoch range [Start, End).
type Window struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Contains reports whether epoch lies inside the window.
func (w Window) Contains(epoch int) bool {
	return w.Start <= epoch && epoch < w.End
}

// WindowFromEpochs builds a window from a mixup epoch list. Only the first and
// last values are used; fewer than two values disable mixup and yield nil.
func WindowFromEpochs(epochs []int) *Window {
	if len(epochs) < 2 {
		return nil
	}
	return &Window{Start: epochs[0], End: epochs[len(epochs)-1]}
}

// Config configures a Scheduler.
type Config struct {
	// Window is the active range. Nil disables mixup permanently.
	Window *Window
	// Warmup is the number of epochs the probability ramps over.
	Warmup int
	// Probability is the target blend probability.
	Probability float64
	// Gradual enables the warm-up ramp.
	Gradual bool
}

// State is an immutable snapshot of the scheduler.
type State struct {
	// Epoch is the last advanced epoch, -1 before the first Advance.
	Epoch int
	// Phase is the mixup phase of Epoch.
	Phase Phase
	// Probability is the effective blend probability, 0 when Inactive.
	Probability float64
	// Retired is set once the window end has been reached.
	Retired bool
}

// Active reports whether mixup may be applied in this state.
func (s State) Active() bool {
	return s.Phase != Inactive
}

// Transition describes a phase change observed by Advance.
type Transition struct {
	Epoch       int
	From        Phase
	To          Phase
	Probability float64
}

func (t Transition) String() string {
	return fmt.Sprintf("epoch %d: mixup %s -> %s (p=%.4f)", t.Epoch, t.From, t.To, t.Probability)
}

// Observer receives phase transitions.
type Observer func(Transition)

// Scheduler derives the mixup phase and effective probability from the epoch.
type Scheduler struct {
	config Config
	logger *zap.Logger

	// mu serializes writers; readers only load state.
	mu        sync.Mutex
	state     atomic.Pointer[State]
	observers []Observer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger transitions are reported to.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers an observer called once per phase transition.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// New creates a scheduler.
//
// Arguments:
//   - config: The window, warm-up and probability configuration.
//   - opts: Optional logger and observers.
//
// Returns:
//   - *Scheduler: The scheduler, positioned before the first epoch.
//   - error: A wrapped common.ErrInvalidConfiguration for an invalid config.
//
// @example
// s, err := schedule.New(schedule.Config{
//
//	    Window:      &schedule.Window{Start: 10, End: 20},
//	    Warmup:      3,
//	    Probability: 0.5,
//	    Gradual:     true,
//	})
func New(config Config, opts ...Option) (*Scheduler, error) {
	if config.Probability < 0 || config.Probability > 1 {
		return nil, common.InvalidConfigf("mixup probability %v outside [0, 1]", config.Probability)
	}
	if config.Warmup < 0 {
		return nil, common.InvalidConfigf("negative warm-up length %d", config.Warmup)
	}
	if w := config.Window; w != nil && w.End < w.Start {
		return nil, common.InvalidConfigf("mixup window end %d before start %d", w.End, w.Start)
	}

	s := &Scheduler{
		config: config,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(&State{Epoch: -1, Phase: Inactive})

	if config.Window != nil && config.Probability > 0 {
		s.logger.Info("using mixup",
			zap.Float64("probability", config.Probability),
			zap.Int("start", config.Window.Start),
			zap.Int("end", config.Window.End),
			zap.Bool("gradual", s.gradual()),
			zap.Int("warmup", config.Warmup))
	}
	return s, nil
}

// Snapshot returns the current state. It is safe for concurrent use.
func (s *Scheduler) Snapshot() State {
	return *s.state.Load()
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.config
}

// Original returns the configured target probability.
func (s *Scheduler) Original() float64 {
	return s.config.Probability
}

// Window returns the mixup window, nil when mixup is disabled.
func (s *Scheduler) Window() *Window {
	return s.config.Window
}

// NextIsWindowStart reports whether the epoch after st opens the mixup window.
// It is false before the first epoch is set.
func (s *Scheduler) NextIsWindowStart(st State) bool {
	w := s.config.Window
	return w != nil && st.Epoch >= 0 && st.Epoch+1 == w.Start
}

// WindowActive reports whether st.Epoch falls inside the mixup window, whatever
// the retirement state.
func (s *Scheduler) WindowActive(st State) bool {
	w := s.config.Window
	return w != nil && w.Contains(st.Epoch)
}

// Advance moves the scheduler to epoch and publishes the new state.
//
// Observers are notified when the phase changes; repeating the same epoch is a
// no-op. Once the window end is reached the scheduler retires and stays Inactive,
// also when a smaller epoch is advanced to later.
//
// Arguments:
//   - epoch: The epoch about to start.
//
// Returns:
//   - State: The published state.
//   - error: common.ErrInvalidEpoch for a negative epoch.
func (s *Scheduler) Advance(epoch int) (State, error) {
	if epoch < 0 {
		return s.Snapshot(), errors.Wrapf(common.ErrInvalidEpoch, "epoch %d", epoch)
	}

	s.mu.Lock()
	prev := *s.state.Load()
	if prev.Epoch >= 0 && epoch < prev.Epoch {
		s.logger.Warn("epoch regression, recomputing phase from the new epoch",
			zap.Int("previous", prev.Epoch), zap.Int("epoch", epoch), zap.Bool("retired", prev.Retired))
	}
	next := s.derive(epoch, prev.Retired)
	s.state.Store(&next)
	observers := s.observers
	s.mu.Unlock()

	if next.Phase == WarmingUp && next.Epoch != prev.Epoch {
		s.logger.Info("adjusting mixup probability", zap.Int("epoch", epoch), zap.Float64("probability", next.Probability))
	}
	if next.Phase != prev.Phase {
		t := Transition{Epoch: epoch, From: prev.Phase, To: next.Phase, Probability: next.Probability}
		s.logger.Info("mixup phase transition",
			zap.Int("epoch", epoch),
			zap.Stringer("from", prev.Phase),
			zap.Stringer("to", next.Phase),
			zap.Float64("probability", next.Probability))
		for _, o := range observers {
			o(t)
		}
	}
	return next, nil
}

func (s *Scheduler) derive(epoch int, retired bool) State {
	st := State{Epoch: epoch, Phase: Inactive, Retired: retired}
	w := s.config.Window
	if w == nil {
		return st
	}
	if epoch >= w.End {
		st.Retired = true
	}
	if st.Retired || epoch < w.Start {
		return st
	}

	since := epoch - w.Start
	if s.gradual() && since < s.config.Warmup {
		st.Phase = WarmingUp
		st.Probability = s.config.Probability * float64(since+1) / float64(s.config.Warmup)
		return st
	}
	st.Phase = FullyActive
	st.Probability = s.config.Probability
	return st
}

func (s *Scheduler) gradual() bool {
	return s.config.Gradual && s.config.Warmup > 0
}
