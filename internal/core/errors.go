// services/branchops/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Business errors.
var (
	// Heartbeat errors.
	ErrIPAddressRequired = errors.New("ip_address is required")
	ErrIdentityNotFound  = errors.New("no heartbeats recorded for identity")

	// Device errors.
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceMACExists   = errors.New("a device with this MAC address already exists")
	ErrDeviceIPExists    = errors.New("a device with this IP address already exists")
	ErrDeviceDeployed    = errors.New("device is deployed; remove the deployment first")
	ErrInvalidMACAddress = errors.New("invalid MAC address")

	// Branch errors.
	ErrBranchNotFound   = errors.New("branch not found")
	ErrBranchCodeExists = errors.New("branch code already exists")
	ErrBranchInactive   = errors.New("branch is inactive")

	// User errors.
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrUserDeployed       = errors.New("user is deployed; remove the deployment first")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrResetTokenInvalid  = errors.New("reset token is invalid or expired")

	// Deployment errors.
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrDeploymentConflict = errors.New("device, branch or user is already deployed")

	// Recording errors.
	ErrRecordingNotFound = errors.New("recording not found")
	ErrAudioNotFound     = errors.New("audio file not found")
	ErrAudioTooLarge     = errors.New("audio file exceeds the upload limit")

	// Complaint and contact errors.
	ErrComplaintNotFound = errors.New("complaint not found")
	ErrContactNotFound   = errors.New("contact not found")

	// Access errors.
	ErrForbidden        = errors.New("access denied")
	ErrNoBranchAssigned = errors.New("no branch is assigned to this user")

	// ErrDuplicate is returned by the store when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate key violation")
)

// Deployment conflicts carry a code so clients can tell which side collided.
var (
	ErrDeviceAlreadyDeployed = BusinessError{"DEPLOY_001", "device is already assigned to a deployment"}
	ErrBranchAlreadyDeployed = BusinessError{"DEPLOY_002", "branch is already assigned to a deployment"}
	ErrUserAlreadyDeployed   = BusinessError{"DEPLOY_003", "user is already assigned to a deployment"}
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets a coded deployment conflict match ErrDeploymentConflict.
func (e BusinessError) Is(target error) bool {
	return target == ErrDeploymentConflict && len(e.Code) > 7 && e.Code[:7] == "DEPLOY_"
}

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// duplicateOn reports whether err is a unique violation on a constraint that
// mentions column. Constraints without a name match any column.
func duplicateOn(err error, column string) bool {
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		return false
	}
	return dup.Constraint == "" || strings.Contains(dup.Constraint, column)
}
