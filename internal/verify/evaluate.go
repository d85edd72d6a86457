package verify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/platform"
)

// evaluate decides the claim, from the cache when possible.
func (e *Engine) evaluate(
	ctx context.Context,
	task *domain.Task,
	sub *domain.TaskSubmission,
	req domain.VerificationRequest,
	identity *domain.LinkedIdentity,
	adapter platform.Adapter,
	skipCache bool,
) evaluation {
	if !skipCache {
		if entry, ok := e.cacheGet(ctx, req.ParticipantID, task); ok {
			outcome := platform.OutcomeNotFound
			if entry.Satisfied {
				outcome = platform.OutcomeSatisfied
			}
			return evaluation{outcome: outcome, method: entry.Method, evidence: entry.Evidence, cached: true}
		}
	}

	var ev evaluation
	switch {
	case task.Type.IsSocial():
		ev = e.checkPlatform(ctx, task, identity, adapter)
	case task.Type == domain.TaskQuiz:
		ev = checkQuiz(task, req.Answer)
	default:
		ev = e.selfReport(req.Evidence)
	}

	// Transient failures and fallbacks say nothing durable about the claim.
	if ev.err == nil && ev.outcome != platform.OutcomeManualFallback {
		ttl := e.cfg.NegativeTTL
		if ev.outcome == platform.OutcomeSatisfied {
			ttl = e.cfg.PositiveTTL
		}
		entry := domain.CacheEntry{
			Satisfied: ev.outcome == platform.OutcomeSatisfied,
			Method:    ev.method,
			Evidence:  ev.evidence,
			CheckedAt: e.now(),
		}
		if err := e.cache.Put(ctx, req.ParticipantID, task.ID, task.ClaimType(), entry, ttl); err != nil {
			e.logger.Warn("failed to cache verification result", "submission_id", sub.ID, "error", err)
		}
	}
	return ev
}

func (e *Engine) cacheGet(ctx context.Context, participantID string, task *domain.Task) (domain.CacheEntry, bool) {
	entry, ok, err := e.cache.Get(ctx, participantID, task.ID, task.ClaimType())
	if err != nil {
		e.logger.Warn("verification cache unavailable", "task_id", task.ID, "error", err)
		return domain.CacheEntry{}, false
	}
	return entry, ok
}

// checkPlatform calls the adapter under the per-call deadline.
func (e *Engine) checkPlatform(ctx context.Context, task *domain.Task, identity *domain.LinkedIdentity, adapter platform.Adapter) evaluation {
	callCtx := ctx
	if e.cfg.PlatformTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.PlatformTimeout)
		defer cancel()
	}

	res, err := adapter.CheckClaim(callCtx, platform.ClaimRequest{
		Action:   task.Type.Action(),
		Target:   task.Target,
		Identity: *identity,
	})
	if err != nil {
		if callCtx.Err() != nil && !platform.IsTransient(err) && !platform.IsPermanent(err) {
			// An adapter that ignored the deadline still timed out.
			err = &platform.Error{Platform: task.Platform, Kind: platform.KindTransient, Err: err}
		}
		return evaluation{err: err}
	}
	return evaluation{outcome: res.Outcome, method: res.Method, evidence: res.EvidenceJSON()}
}

func checkQuiz(task *domain.Task, answer string) evaluation {
	matched := strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(task.ExpectedAnswer))
	evidence, _ := json.Marshal(map[string]interface{}{"answer": strings.TrimSpace(answer)})
	outcome := platform.OutcomeNotFound
	if matched {
		outcome = platform.OutcomeSatisfied
	}
	return evaluation{outcome: outcome, method: domain.MethodQuizAnswer, evidence: evidence}
}

// selfReport accepts visit, download and form claims with a server timestamp.
func (e *Engine) selfReport(submitted json.RawMessage) evaluation {
	payload := map[string]interface{}{"reported_at": e.now().UTC()}
	if len(submitted) > 0 {
		payload["submitted"] = submitted
	}
	evidence, _ := json.Marshal(payload)
	return evaluation{outcome: platform.OutcomeSatisfied, method: domain.MethodSelfReport, evidence: evidence}
}
