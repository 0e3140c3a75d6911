package httpapi

import (
	"errors"
	"net/http"

	"callflow-platform/internal/bridge"
	"callflow-platform/internal/calls"
	"callflow-platform/internal/simulate"
	"callflow-platform/internal/telephony"
	"callflow-platform/internal/workflow"
	"callflow-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps service errors to API responses. Anything unrecognised is
// logged and reported as 500 without detail.
func writeError(c *gin.Context, err error) {
	var ae *workflow.AuthoringError
	if errors.As(err, &ae) {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "version has validation errors",
			"version_id": ae.VersionID,
			"findings":   ae.Findings,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrVersionNotDraft),
		errors.Is(err, workflow.ErrDeploymentConflict),
		errors.Is(err, workflow.ErrWorkflowArchived),
		errors.Is(err, workflow.ErrNotDeployed),
		errors.Is(err, workflow.ErrWorkflowInactive),
		errors.Is(err, calls.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidArgument),
		errors.Is(err, workflow.ErrInvalidConfig),
		errors.Is(err, workflow.ErrUnknownNodeType),
		errors.Is(err, simulate.ErrInvalidScenario),
		errors.Is(err, calls.ErrInvalidSession),
		errors.Is(err, telephony.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, bridge.ErrInstructionFailed),
		errors.Is(err, telephony.ErrProvider),
		errors.Is(err, telephony.ErrRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
