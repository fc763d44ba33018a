package pipeline

import (
	"context"
	"log/slog"

	"github.com/numismatch/numismatch/internal/domain"
)

// state enumerates the orchestrator's positions in the pipeline. Backward
// movement exists only as stateValidate -> stateIdentify, taken at most
// maxRetries times per request.
type state int

const (
	stateTriage state = iota
	stateIdentify
	stateResearch
	stateValidate
	stateSummarize
	stateDone
	stateRejected
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateTriage:
		return "triage"
	case stateIdentify:
		return "identify"
	case stateResearch:
		return "research"
	case stateValidate:
		return "validate"
	case stateSummarize:
		return "summarize"
	case stateDone:
		return "done"
	case stateRejected:
		return "rejected"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressFunc receives a notification before each stage runs and once on
// reaching a terminal state. Called synchronously; keep it fast.
type ProgressFunc func(invocationID, stage string)

// Orchestrator sequences the stages and owns all state transitions and retry
// bookkeeping. Stages never talk to each other directly.
type Orchestrator struct {
	triage     Stage
	identifier Stage
	researcher Stage
	validator  Stage
	summarizer Stage
	maxRetries int
	logger     *slog.Logger
}

// NewOrchestrator wires the five stages into a pipeline. maxRetries bounds
// the validate->identify loop.
func NewOrchestrator(triage, identifier, researcher, validator, summarizer Stage, maxRetries int, logger *slog.Logger) *Orchestrator {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		triage:     triage,
		identifier: identifier,
		researcher: researcher,
		validator:  validator,
		summarizer: summarizer,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Run executes the pipeline for one request. It returns an error only when
// the context is done; every other failure mode terminates in a finished
// result carrying a user-facing report. progress may be nil.
func (o *Orchestrator) Run(ctx context.Context, res *Result, progress ProgressFunc) error {
	notify := func(s state) {
		if progress != nil {
			progress(res.InvocationID, s.String())
		}
	}
	log := o.logger.With("invocation_id", res.InvocationID)

	st := stateTriage
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch st {
		case stateTriage:
			notify(st)
			if err := o.triage.Run(ctx, res); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Error("triage failed", "error", err)
				st = stateFailed
				continue
			}
			if res.TriageVerdict == domain.VerdictCoinRelated {
				st = stateIdentify
			} else {
				st = stateRejected
			}

		case stateIdentify:
			notify(st)
			if err := o.identifier.Run(ctx, res); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Error("identification failed", "error", err, "retry_count", res.RetryCount)
				st = stateFailed
				continue
			}
			st = stateResearch

		case stateResearch:
			notify(st)
			if err := o.researcher.Run(ctx, res); err != nil {
				return err
			}
			st = stateValidate

		case stateValidate:
			notify(st)
			if err := o.validator.Run(ctx, res); err != nil {
				return err
			}
			st = o.afterValidate(res, log)

		case stateSummarize:
			notify(st)
			if err := o.summarizer.Run(ctx, res); err != nil {
				return err
			}
			st = stateDone

		case stateDone:
			notify(st)
			log.Info("appraisal finished", "retry_count", res.RetryCount, "sales", len(res.Sales))
			return nil

		case stateRejected:
			notify(st)
			o.finishRejected(res)
			log.Info("appraisal rejected", "verdict", res.TriageVerdict)
			return nil

		case stateFailed:
			notify(st)
			o.finishFailed(res)
			return nil
		}
	}
}

// afterValidate applies the retry-or-continue decision. The retry cap is
// enforced here even if the validator misbehaves.
func (o *Orchestrator) afterValidate(res *Result, log *slog.Logger) state {
	v := res.Validation
	if v == nil || !v.NeedsRetry {
		return stateSummarize
	}
	if res.RetryCount >= o.maxRetries {
		log.Warn("forcing summary", "error", ErrValidationExceeded, "retry_count", res.RetryCount)
		v.NeedsRetry = false
		v.Confidence = "low"
		v.Notes = append(v.Notes, "retry budget exhausted with unresolved issues")
		return stateSummarize
	}
	res.RetryCount++
	log.Info("validation requested retry", "retry_count", res.RetryCount, "issues", v.Issues)
	return stateIdentify
}

func (o *Orchestrator) finishRejected(res *Result) {
	if res.Response == "" {
		if res.TriageVerdict == domain.VerdictAmbiguous {
			res.Response = "I could not tell whether this is a Roman coin. Please add a clearer photo or more details."
		} else {
			res.Response = "This service appraises ancient Roman coins; the input does not appear to describe one."
		}
	}
	res.Report = &domain.AppraisalReport{
		IsFinished:    true,
		TriageVerdict: res.TriageVerdict,
		Response:      res.Response,
	}
	res.IsFinished = true
}

func (o *Orchestrator) finishFailed(res *Result) {
	res.Response = "Something went wrong while appraising your coin. Please try again in a moment."
	res.Report = &domain.AppraisalReport{
		IsFinished:    true,
		TriageVerdict: res.TriageVerdict,
		Response:      res.Response,
	}
	res.IsFinished = true
}
