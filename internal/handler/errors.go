package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/platform"
)

// classify maps a domain error to a status code and an optional hint.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, ""
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "Sign in with a wallet or email first."
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, ""
	case errors.Is(err, domain.ErrInvalidChallenge):
		return http.StatusUnauthorized, "Request a new challenge and sign it."
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "Sign the challenge with the wallet you are connecting."
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, ""
	case errors.Is(err, domain.ErrIdentityNotLinked):
		return http.StatusNotFound, "Link the account first."
	case domain.IsNotFoundError(err):
		return http.StatusNotFound, ""
	case errors.Is(err, domain.ErrAlreadyLinked):
		return http.StatusConflict, "Unlink the current account before linking another one."
	case errors.Is(err, domain.ErrExternalIdentityTaken), errors.Is(err, domain.ErrIdentityConflict):
		return http.StatusConflict, "This account belongs to another participant. Sign in with it instead, or contact support."
	case errors.Is(err, domain.ErrLastIdentity):
		return http.StatusConflict, "Link another sign-in method before removing this one."
	case errors.Is(err, domain.ErrStaleSubmission),
		errors.Is(err, domain.ErrAlreadyRevoked),
		errors.Is(err, domain.ErrNotVerified):
		return http.StatusConflict, ""
	case errors.Is(err, domain.ErrInvalidOrExpiredState):
		return http.StatusGone, "Start the linking flow again."
	case platform.IsTransient(err):
		return http.StatusServiceUnavailable, "The platform is busy. Try again shortly."
	case platform.IsPermanent(err):
		return http.StatusBadGateway, "The platform refused the request."
	}
	return http.StatusInternalServerError, ""
}

// writeDomainError writes err with its mapped status. Unclassified errors are
// logged and hidden behind a generic message.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, hint := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"op", op,
			"path", r.URL.Path,
			"error", err,
		)
		err = domain.ErrInternalError
	}

	var perr *platform.Error
	if errors.As(err, &perr) && perr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(perr.RetryAfter.Seconds())))
	}
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
		Hint:    hint,
	})
}
