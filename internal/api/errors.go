package api

import (
	"errors"
	"net/http"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// respondError maps domain errors to status codes. Unclassified errors are
// 500s and only carry their message outside production.
func (h *APIHandlers) respondError(c *gin.Context, err error, fallback string) {
	var validation *core.ValidationError
	var business core.BusinessError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message, "field": validation.Field})

	case errors.Is(err, core.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": core.ErrQueueFull.Message, "code": core.ErrQueueFull.Code})

	case errors.As(err, &business):
		c.JSON(http.StatusBadRequest, gin.H{"error": business.Message, "code": business.Code})

	case errors.Is(err, core.ErrIPAddressRequired),
		errors.Is(err, core.ErrInvalidMACAddress),
		errors.Is(err, core.ErrDeviceMACExists),
		errors.Is(err, core.ErrDeviceIPExists),
		errors.Is(err, core.ErrDeviceDeployed),
		errors.Is(err, core.ErrBranchCodeExists),
		errors.Is(err, core.ErrBranchInactive),
		errors.Is(err, core.ErrUsernameExists),
		errors.Is(err, core.ErrUserDeployed),
		errors.Is(err, core.ErrResetTokenInvalid),
		errors.Is(err, core.ErrDeploymentConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, core.ErrAudioTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})

	case errors.Is(err, core.ErrDeviceNotFound),
		errors.Is(err, core.ErrBranchNotFound),
		errors.Is(err, core.ErrUserNotFound),
		errors.Is(err, core.ErrDeploymentNotFound),
		errors.Is(err, core.ErrRecordingNotFound),
		errors.Is(err, core.ErrAudioNotFound),
		errors.Is(err, core.ErrComplaintNotFound),
		errors.Is(err, core.ErrContactNotFound),
		errors.Is(err, core.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, core.ErrInvalidCredentials), errors.Is(err, ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})

	case errors.Is(err, core.ErrForbidden),
		errors.Is(err, core.ErrNoBranchAssigned),
		errors.Is(err, core.ErrUserInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})

	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error(fallback)

		body := gin.H{"error": fallback}
		if !h.production {
			body["details"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}

func (h *APIHandlers) badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message}
	if err != nil && !h.production {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}
