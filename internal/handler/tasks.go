package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/questhub-engine/internal/domain"
)

type verifyRequest struct {
	Answer   string          `json:"answer" validate:"max=1000"`
	Evidence json.RawMessage `json:"evidence"`
}

type taskRequest struct {
	QuestID        string          `json:"quest_id" validate:"max=64"`
	Title          string          `json:"title" validate:"max=255"`
	Type           domain.TaskType `json:"type" validate:"required"`
	Platform       domain.Platform `json:"platform"`
	Target         string          `json:"target"`
	ExpectedAnswer string          `json:"expected_answer"`
	XPReward       int64           `json:"xp_reward" validate:"gte=0"`
	Required       bool            `json:"required"`
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type reviewRequest struct {
	Approve *bool `json:"approve" validate:"required"`
}

// verificationRequest reads the optional claim body. An empty body is a
// claim without an answer or evidence.
func (h *Handler) verificationRequest(r *http.Request) (domain.VerificationRequest, error) {
	var body verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return domain.VerificationRequest{}, domain.Invalid("body", "malformed json")
	}
	if err := h.check(&body); err != nil {
		return domain.VerificationRequest{}, err
	}
	return domain.VerificationRequest{
		ParticipantID: participantFrom(r.Context()).ID,
		TaskID:        chi.URLParam(r, "taskID"),
		Answer:        body.Answer,
		Evidence:      body.Evidence,
	}, nil
}

// VerifyTask runs a verification attempt and returns its outcome. Expected
// outcomes such as identity_not_linked or a retryable failure are results,
// not errors.
func (h *Handler) VerifyTask(w http.ResponseWriter, r *http.Request) {
	req, err := h.verificationRequest(r)
	if err != nil {
		h.writeDomainError(w, r, "verify task", err)
		return
	}

	result, err := h.Engine.RequestVerification(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, "verify task", err)
		return
	}
	if result.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	h.writeSuccess(w, result)
}

// VerifyTaskAsync queues a verification attempt. The outcome arrives as a
// verification_update over the websocket, or by polling.
func (h *Handler) VerifyTaskAsync(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("asynchronous verification is disabled"))
		return
	}
	req, err := h.verificationRequest(r)
	if err != nil {
		h.writeDomainError(w, r, "enqueue verification", err)
		return
	}

	if err := h.Queue.EnqueueVerification(r.Context(), req); err != nil {
		h.writeDomainError(w, r, "enqueue verification", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "queued", "task_id": req.TaskID},
	})
}

// GetVerification returns the stored state of the participant's submission
func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	pid := participantFrom(r.Context()).ID
	result, err := h.Engine.Status(r.Context(), pid, chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeDomainError(w, r, "verification status", err)
		return
	}
	h.writeSuccess(w, result)
}

// UpsertTask creates or replaces a task definition
func (h *Handler) UpsertTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, "upsert task", err)
		return
	}

	task := &domain.Task{
		ID:             chi.URLParam(r, "taskID"),
		QuestID:        req.QuestID,
		Title:          req.Title,
		Type:           req.Type,
		Platform:       req.Platform,
		Target:         req.Target,
		ExpectedAnswer: req.ExpectedAnswer,
		XPReward:       req.XPReward,
		Required:       req.Required,
	}
	if err := task.Validate(); err != nil {
		h.writeDomainError(w, r, "upsert task", err)
		return
	}
	if err := h.Tasks.UpsertTask(r.Context(), task); err != nil {
		h.writeDomainError(w, r, "upsert task", err)
		return
	}
	h.writeSuccess(w, task)
}

// RevokeSubmission takes back the XP a verified submission earned
func (h *Handler) RevokeSubmission(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, "revoke submission", err)
		return
	}

	actor := participantFrom(r.Context())
	rev, err := h.Ledger.RevokeXP(r.Context(), chi.URLParam(r, "submissionID"), req.Reason, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, "revoke submission", err)
		return
	}
	h.writeSuccess(w, rev)
}

// ReviewSubmission approves or rejects a submission held for review
func (h *Handler) ReviewSubmission(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, "review submission", err)
		return
	}

	actor := participantFrom(r.Context())
	result, err := h.Engine.ReviewSubmission(r.Context(), chi.URLParam(r, "submissionID"), *req.Approve, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, "review submission", err)
		return
	}
	h.writeSuccess(w, result)
}

// GetLeaderboard returns the top participants by XP
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.Leaderboard.GetTopN(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, "leaderboard", err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetMyRank returns the signed-in participant's position
func (h *Handler) GetMyRank(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Leaderboard.GetParticipantRank(r.Context(), participantFrom(r.Context()).ID)
	if err != nil {
		h.writeDomainError(w, r, "participant rank", err)
		return
	}
	h.writeSuccess(w, entry)
}
