// Package exploration runs A/B experiments that compare a candidate rule
// (variant A) with the current baseline (variant B) on live conversations.
package exploration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/evaluation"
	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
	"github.com/appeal-assistant/evolution/pkg/utils"
)

const (
	ReasonLost    = "experiment_lost"
	ReasonWon     = "experiment_won"
	ReasonTimeout = "exceeded maximum duration"
)

// Lifecycle is the part of the rule manager experiments hand results to.
type Lifecycle interface {
	Get(ctx context.Context, ruleID string) (*models.Rule, error)
	List(ctx context.Context, filter storage.RuleFilter) ([]models.Rule, error)
	Endorse(ctx context.Context, ruleID string, score float64, reason string) error
	Review(ctx context.Context, ruleID string, decision models.ReviewDecision, reason, actor string) (*models.Rule, error)
	Archive(ctx context.Context, ruleID, reason, actor string) (*models.Rule, error)
}

type Spec struct {
	Name       string                   `json:"name"`
	Hypothesis string                   `json:"hypothesis"`
	RuleID     string                   `json:"rule_id"`
	VariantA   models.VariantDefinition `json:"variant_a"`
	VariantB   models.VariantDefinition `json:"variant_b"`
}

type Observation struct {
	Completion   float64
	Satisfaction *float64
	Converted    bool
}

type Result struct {
	ExperimentID string                  `json:"experiment_id"`
	Status       models.ExperimentStatus `json:"status"`
	Winner       *models.Winner          `json:"winner,omitempty"`
	SampleA      int                     `json:"sample_a"`
	SampleB      int                     `json:"sample_b"`
	MeanA        float64                 `json:"mean_a"`
	MeanB        float64                 `json:"mean_b"`
}

type Runner struct {
	store     storage.ExperimentStore
	monitor   *health.Monitor
	lifecycle Lifecycle
	cfg       config.ExplorationConfig
	now       func() time.Time
	log       *zap.Logger

	// mu keeps read-modify-write updates of one experiment from interleaving.
	mu sync.Mutex
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(store storage.ExperimentStore, monitor *health.Monitor, lifecycle Lifecycle, cfg config.ExplorationConfig, opts ...Option) *Runner {
	if cfg.MinSample <= 0 {
		cfg.MinSample = 30
	}
	if cfg.Margin <= 0 {
		cfg.Margin = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxDurationHours <= 0 {
		cfg.MaxDurationHours = 24 * 14
	}
	r := &Runner{
		store:     store,
		monitor:   monitor,
		lifecycle: lifecycle,
		cfg:       cfg,
		now:       time.Now,
		log:       logger.Named("exploration"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartExperiment opens a running experiment. At most MaxConcurrent
// experiments run at once and a rule is tested by one experiment at a time.
func (r *Runner) StartExperiment(ctx context.Context, spec Spec) (*models.Experiment, error) {
	if strings.TrimSpace(spec.Hypothesis) == "" {
		return nil, apperr.Invalid("hypothesis", "must not be empty")
	}
	if spec.VariantA.RuleID == "" && len(spec.VariantA.Content) == 0 {
		return nil, apperr.Invalid("variant_a", "needs a rule id or content")
	}
	if spec.RuleID == "" {
		spec.RuleID = spec.VariantA.RuleID
	}
	if spec.Name == "" {
		spec.Name = "explore-" + utils.HashString(spec.Hypothesis)[:8]
	}
	if spec.VariantA.Label == "" {
		spec.VariantA.Label = "candidate"
	}
	if spec.VariantB.Label == "" {
		spec.VariantB.Label = "baseline"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	running, err := r.list(ctx, models.ExperimentRunning)
	if err != nil {
		return nil, err
	}
	if len(running) >= r.cfg.MaxConcurrent {
		return nil, apperr.Invalid("experiment", fmt.Sprintf("%d experiments already running", len(running)))
	}
	for _, exp := range running {
		if spec.RuleID != "" && exp.RuleID == spec.RuleID {
			return nil, apperr.Invalid("rule_id", "rule is already under experiment "+exp.ID)
		}
	}

	exp := &models.Experiment{
		Name:       spec.Name,
		RuleID:     spec.RuleID,
		Hypothesis: spec.Hypothesis,
		Status:     models.ExperimentRunning,
		VariantA:   spec.VariantA,
		VariantB:   spec.VariantB,
		StartedAt:  r.now(),
	}
	err = r.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return r.store.InsertExperiment(ctx, exp)
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Experiment started",
		zap.String("experiment_id", exp.ID),
		zap.String("name", exp.Name),
		zap.String("rule_id", exp.RuleID),
	)
	return exp, nil
}

// RecordObservation adds one conversation outcome to variant's side.
func (r *Runner) RecordObservation(ctx context.Context, experimentID string, variant models.Variant, obs Observation) (*models.Experiment, error) {
	if variant != models.VariantA && variant != models.VariantB {
		return nil, apperr.Invalid("variant", fmt.Sprintf("unknown variant %q", variant))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exp, err := r.get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Terminal() {
		return nil, &apperr.TransitionError{ID: experimentID, From: string(exp.Status), Action: "record an observation for"}
	}

	side, count := &exp.ResultA, &exp.SampleA
	if variant == models.VariantB {
		side, count = &exp.ResultB, &exp.SampleB
	}
	*count++
	addObservation(side, *count, obs)

	if err := r.update(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func addObservation(res *models.VariantResult, n int, obs Observation) {
	c := evaluation.Clamp(obs.Completion, 0, 100)
	res.Completion += c
	res.CompletionSq += c * c
	res.MeanCompletion = res.Completion / float64(n)
	if obs.Satisfaction != nil {
		res.Satisfaction += *obs.Satisfaction
		res.SatisfactionN++
		res.MeanSatisfaction = res.Satisfaction / float64(res.SatisfactionN)
	}
	if obs.Converted {
		res.Conversions++
	}
}

// running rebuilds a mean/variance summary from the stored sums.
func running(res models.VariantResult, n int) evaluation.Running {
	if n == 0 {
		return evaluation.Running{}
	}
	mean := res.Completion / float64(n)
	m2 := math.Max(0, res.CompletionSq-float64(n)*mean*mean)
	return evaluation.Running{N: n, Mean: mean, M2: m2}
}

// Evaluate decides a running experiment once both sides reach the minimum
// sample. Until then the experiment is returned untouched.
func (r *Runner) Evaluate(ctx context.Context, experimentID string) (*Result, error) {
	r.mu.Lock()
	exp, decided, err := r.evaluateLocked(ctx, experimentID)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if decided {
		if herr := r.handOff(ctx, exp); herr != nil {
			r.log.Warn("Failed to hand experiment result to rule lifecycle",
				zap.String("experiment_id", exp.ID),
				zap.String("rule_id", exp.RuleID),
				zap.Error(herr),
			)
			failed, err := r.markFailed(ctx, exp.ID, herr.Error())
			if err != nil {
				return nil, err
			}
			if failed != nil {
				exp = failed
			}
		}
	}
	return resultOf(exp), nil
}

func (r *Runner) evaluateLocked(ctx context.Context, experimentID string) (*models.Experiment, bool, error) {
	exp, err := r.get(ctx, experimentID)
	if err != nil {
		return nil, false, err
	}
	if exp.Terminal() {
		return exp, false, nil
	}

	a := running(exp.ResultA, exp.SampleA)
	b := running(exp.ResultB, exp.SampleB)

	var winner models.Winner
	switch evaluation.CompareMeans(a, b, r.cfg.MinSample, r.cfg.Margin) {
	case evaluation.Undecided:
		return exp, false, nil
	case evaluation.FirstWins:
		winner = models.WinnerA
	case evaluation.SecondWins:
		winner = models.WinnerB
	default:
		winner = models.WinnerInconclusive
	}

	ended := r.now()
	exp.Status = models.ExperimentCompleted
	exp.Winner = &winner
	exp.EndedAt = &ended
	if err := r.update(ctx, exp); err != nil {
		return nil, false, err
	}

	metrics.ExperimentDecisions.WithLabelValues(string(winner)).Inc()
	r.log.Info("Experiment decided",
		zap.String("experiment_id", exp.ID),
		zap.String("winner", string(winner)),
		zap.Float64("mean_a", a.Mean),
		zap.Float64("mean_b", b.Mean),
		zap.Int("sample_a", a.N),
		zap.Int("sample_b", b.N),
	)
	return exp, true, nil
}

// handOff passes a decided candidate to the rule lifecycle. A win endorses a
// pending candidate for promotion; a loss rejects a pending candidate and
// archives an active one. A candidate that is gone or already retired cannot
// take the result, which is reported as an error.
func (r *Runner) handOff(ctx context.Context, exp *models.Experiment) error {
	if exp.RuleID == "" || exp.Winner == nil || *exp.Winner == models.WinnerInconclusive {
		return nil
	}

	rule, err := r.lifecycle.Get(ctx, exp.RuleID)
	if err != nil {
		return err
	}

	switch rule.Status {
	case models.StatusPendingReview:
		if *exp.Winner == models.WinnerA {
			score := evaluation.Clamp(exp.ResultA.MeanCompletion, 0, 100)
			return r.lifecycle.Endorse(ctx, rule.ID, score, ReasonWon)
		}
		_, err = r.lifecycle.Review(ctx, rule.ID, models.DecisionReject, ReasonLost, models.ActorSystem)
		return err
	case models.StatusActive:
		if *exp.Winner == models.WinnerA {
			return nil
		}
		_, err = r.lifecycle.Archive(ctx, rule.ID, ReasonLost, models.ActorSystem)
		return err
	default:
		return &apperr.TransitionError{ID: rule.ID, From: string(rule.Status), Action: "hand an experiment result to"}
	}
}

// markFailed moves an experiment to failed, keeping any winner already
// recorded. Aborted and failed experiments are left alone and yield nil.
func (r *Runner) markFailed(ctx context.Context, experimentID, reason string) (*models.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, err := r.get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return r.failLocked(ctx, exp, reason)
}

func (r *Runner) failLocked(ctx context.Context, exp *models.Experiment, reason string) (*models.Experiment, error) {
	if exp.Status != models.ExperimentRunning && exp.Status != models.ExperimentCompleted {
		return nil, nil
	}
	if exp.EndedAt == nil {
		ended := r.now()
		exp.EndedAt = &ended
	}
	exp.Status = models.ExperimentFailed
	if err := r.update(ctx, exp); err != nil {
		return nil, err
	}
	metrics.ExperimentDecisions.WithLabelValues(string(models.ExperimentFailed)).Inc()
	r.log.Warn("Experiment failed",
		zap.String("experiment_id", exp.ID),
		zap.String("rule_id", exp.RuleID),
		zap.String("reason", reason),
	)
	return exp, nil
}

// RuleRetired fails every running experiment whose candidate was rejected or
// archived, so a retired rule is never routed into a prompt again.
func (r *Runner) RuleRetired(ctx context.Context, ruleID string, to models.RuleStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	running, err := r.list(ctx, models.ExperimentRunning)
	if err != nil {
		r.log.Warn("Failed to list experiments for retired rule", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	for i := range running {
		exp := &running[i]
		if exp.RuleID != ruleID && exp.VariantA.RuleID != ruleID {
			continue
		}
		if _, err := r.failLocked(ctx, exp, "candidate "+string(to)); err != nil {
			r.log.Warn("Failed to end experiment for retired rule",
				zap.String("experiment_id", exp.ID),
				zap.String("rule_id", ruleID),
				zap.Error(err),
			)
		}
	}
}

// Abort ends a running experiment without a winner.
func (r *Runner) Abort(ctx context.Context, experimentID, reason string) (*models.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, err := r.get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Terminal() {
		return nil, &apperr.TransitionError{ID: experimentID, From: string(exp.Status), Action: "abort"}
	}

	ended := r.now()
	exp.Status = models.ExperimentAborted
	exp.EndedAt = &ended
	if err := r.update(ctx, exp); err != nil {
		return nil, err
	}
	r.log.Info("Experiment aborted", zap.String("experiment_id", exp.ID), zap.String("reason", reason))
	return exp, nil
}

// Assign routes a session to a variant of a running experiment. The same
// session always lands on the same variant.
func (r *Runner) Assign(ctx context.Context, experimentID, sessionID string) (models.Variant, error) {
	exp, err := r.get(ctx, experimentID)
	if err != nil {
		return "", err
	}
	if exp.Terminal() {
		return "", &apperr.TransitionError{ID: experimentID, From: string(exp.Status), Action: "assign a session to"}
	}
	return variantFor(exp.ID, sessionID), nil
}

func variantFor(experimentID, sessionID string) models.Variant {
	if utils.Bucket(experimentID+":"+sessionID, 2) == 0 {
		return models.VariantA
	}
	return models.VariantB
}

// Assignment is one running experiment as seen by a session.
type Assignment struct {
	ExperimentID string
	RuleID       string
	Variant      models.Variant
	Definition   models.VariantDefinition
}

// Assignments routes sessionID through every running experiment.
func (r *Runner) Assignments(ctx context.Context, sessionID string) ([]Assignment, error) {
	running, err := r.list(ctx, models.ExperimentRunning)
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, len(running))
	for _, exp := range running {
		v := variantFor(exp.ID, sessionID)
		def := exp.VariantA
		if v == models.VariantB {
			def = exp.VariantB
		}
		out = append(out, Assignment{ExperimentID: exp.ID, RuleID: exp.RuleID, Variant: v, Definition: def})
	}
	return out, nil
}

func (r *Runner) Get(ctx context.Context, experimentID string) (*models.Experiment, error) {
	return r.get(ctx, experimentID)
}

func (r *Runner) List(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error) {
	return r.list(ctx, status)
}

func (r *Runner) get(ctx context.Context, id string) (*models.Experiment, error) {
	return health.Do(ctx, r.monitor, health.ComponentStore, func(ctx context.Context) (*models.Experiment, error) {
		return r.store.GetExperiment(ctx, id)
	})
}

func (r *Runner) list(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error) {
	return health.Do(ctx, r.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Experiment, error) {
		return r.store.ListExperiments(ctx, status)
	})
}

func (r *Runner) update(ctx context.Context, exp *models.Experiment) error {
	return r.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return r.store.UpdateExperiment(ctx, exp)
	})
}

func resultOf(exp *models.Experiment) *Result {
	return &Result{
		ExperimentID: exp.ID,
		Status:       exp.Status,
		Winner:       exp.Winner,
		SampleA:      exp.SampleA,
		SampleB:      exp.SampleB,
		MeanA:        exp.ResultA.MeanCompletion,
		MeanB:        exp.ResultB.MeanCompletion,
	}
}

func isGone(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidTransition)
}
