// Package poll implements the bounded status loop the stages use to wait on
// queries and transform jobs.
//
// The loop reads the status first and sleeps only between reads, so a
// status sequence [RUNNING, RUNNING, SUCCEEDED] with a budget of 3 returns
// after exactly two delays. Budget and counters live in the call; nothing is
// kept at package level.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"c2cpipeline/internal/types"
)

// Class is the coarse meaning of a provider state.
type Class int

const (
	ClassUnknown Class = iota
	ClassPending
	ClassSucceeded
	ClassFailed
)

func (c Class) String() string {
	switch c {
	case ClassPending:
		return "pending"
	case ClassSucceeded:
		return "succeeded"
	case ClassFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Classifier maps provider state strings onto a Class. States that appear in
// none of the lists are ClassUnknown.
type Classifier struct {
	Pending   []string
	Succeeded []string
	Failed    []string
}

// Classify returns the class of state. Success wins when a state appears in
// more than one list.
func (c Classifier) Classify(state string) Class {
	for _, s := range c.Succeeded {
		if s == state {
			return ClassSucceeded
		}
	}
	for _, s := range c.Pending {
		if s == state {
			return ClassPending
		}
	}
	for _, s := range c.Failed {
		if s == state {
			return ClassFailed
		}
	}
	return ClassUnknown
}

// Status is one observation of a query or job.
type Status struct {
	State  string
	Reason string
}

// CheckFunc reads the current status once.
type CheckFunc func(ctx context.Context) (Status, error)

// Policy is the retry budget and constant delay of one loop.
type Policy struct {
	Budget int
	Delay  time.Duration
}

// Outcome is how a loop ended without an error.
type Outcome int

const (
	Succeeded Outcome = iota + 1
	// Terminated means an unrecognized state was seen and the work was
	// cancelled.
	Terminated
	// Exhausted means the budget ran out while the work was still pending.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Terminated:
		return "terminated"
	case Exhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// Result describes a finished loop.
type Result struct {
	Outcome Outcome
	Last    Status
	Checks  int
	Delays  int
}

// UnknownAction selects what an unrecognized state does to the loop.
type UnknownAction int

const (
	// FailOnUnknown returns an UnknownStateError.
	FailOnUnknown UnknownAction = iota
	// TerminateOnUnknown cancels the work (best effort) and reports Terminated.
	TerminateOnUnknown
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Loop polls one piece of work. Build a new Loop per call site; it holds no
// mutable state.
type Loop struct {
	policy     Policy
	classifier Classifier
	onUnknown  UnknownAction
	cancel     func(ctx context.Context) error
	sleep      Sleeper
	logger     *slog.Logger
	subject    string
}

// Option configures a Loop.
type Option func(*Loop)

// WithSleeper replaces ContextSleep. Tests use it to avoid real delays.
func WithSleeper(s Sleeper) Option {
	return func(l *Loop) { l.sleep = s }
}

// WithTerminateOnUnknown makes unrecognized states cancel the work through
// cancel and end the loop as Terminated.
func WithTerminateOnUnknown(cancel func(ctx context.Context) error) Option {
	return func(l *Loop) {
		l.onUnknown = TerminateOnUnknown
		l.cancel = cancel
	}
}

// WithLogger sets the logger and a subject (e.g. "query abc-123") used in
// log lines.
func WithLogger(logger *slog.Logger, subject string) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
		l.subject = subject
	}
}

// New returns a Loop for policy and classifier. A budget below one is treated
// as one so the status is always read at least once.
func New(policy Policy, classifier Classifier, opts ...Option) *Loop {
	if policy.Budget < 1 {
		policy.Budget = 1
	}
	l := &Loop{
		policy:     policy,
		classifier: classifier,
		onUnknown:  FailOnUnknown,
		sleep:      ContextSleep,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Until reads the status until it is terminal or the budget is spent.
//
// A failure-class state returns an ExecutionError carrying the provider
// reason. An unrecognized state returns an UnknownStateError, or a
// Terminated result when WithTerminateOnUnknown is set. Running out of budget
// is not an error here: the result is Exhausted and the caller decides.
func (l *Loop) Until(ctx context.Context, check CheckFunc) (Result, error) {
	var res Result
	remaining := l.policy.Budget

	for {
		st, err := check(ctx)
		res.Checks++
		if err != nil {
			return res, fmt.Errorf("poll %s: check %d: %w", l.subject, res.Checks, err)
		}
		res.Last = st

		class := l.classifier.Classify(st.State)
		l.logger.DebugContext(ctx, "poll status",
			"subject", l.subject,
			"state", st.State,
			"class", class.String(),
			"check", res.Checks,
			"remaining", remaining,
		)

		switch class {
		case ClassSucceeded:
			res.Outcome = Succeeded
			return res, nil

		case ClassFailed:
			return res, types.NewAppErrorWithDetails(
				types.ErrCodeExecutionFailed,
				fmt.Sprintf("%s reached %s", l.subject, st.State),
				nil,
				map[string]any{"state": st.State, "reason": st.Reason},
			)

		case ClassUnknown:
			if l.onUnknown == TerminateOnUnknown {
				if l.cancel != nil {
					if cerr := l.cancel(ctx); cerr != nil {
						l.logger.WarnContext(ctx, "cancel after unknown state failed",
							"subject", l.subject, "state", st.State, "error", cerr)
					}
				}
				res.Outcome = Terminated
				return res, nil
			}
			return res, types.NewAppErrorWithDetails(
				types.ErrCodeExecutionUnknownState,
				fmt.Sprintf("%s reported unrecognized state %q", l.subject, st.State),
				nil,
				map[string]any{"state": st.State, "reason": st.Reason},
			)
		}

		remaining--
		if remaining <= 0 {
			res.Outcome = Exhausted
			return res, nil
		}

		if err := l.sleep(ctx, l.policy.Delay); err != nil {
			return res, fmt.Errorf("poll %s: %w", l.subject, err)
		}
		res.Delays++
	}
}

// ExhaustedError builds the BudgetExhaustedError for a result whose budget ran
// out.
func ExhaustedError(subject string, policy Policy, res Result) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeExecutionBudgetExhausted,
		fmt.Sprintf("%s still %s after %d checks", subject, res.Last.State, res.Checks),
		nil,
		map[string]any{"state": res.Last.State, "budget": policy.Budget, "delay": policy.Delay.String()},
	)
}
