package api

import (
	"errors"
	"net/http"

	"github.com/parleyhq/steward/pkg/engine"
	"github.com/parleyhq/steward/pkg/persist"
)

// mapPerformError translates engine rejections into client-fault statuses.
// Anything unrecognized is a 500 with a generic message; the detail goes to
// the log, not the wire.
func mapPerformError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNotApprovable):
		return http.StatusBadRequest, "log is not an approval request"
	case errors.Is(err, engine.ErrApprovalConsumed):
		return http.StatusConflict, "approval already consumed"
	case errors.Is(err, engine.ErrTaskNotPending):
		return http.StatusConflict, "task is not awaiting approval"
	case errors.Is(err, engine.ErrNoSkills):
		return http.StatusUnprocessableEntity, "approval references no skills"
	}

	var status *persist.StatusError
	if errors.As(err, &status) && status.NotFound() {
		return http.StatusNotFound, "referenced record not found"
	}
	return http.StatusInternalServerError, "internal server error"
}
