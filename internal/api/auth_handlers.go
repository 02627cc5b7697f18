package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type forgotPasswordRequest struct {
	Username string `json:"username" binding:"required"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// --- Authentication Endpoints ---

// Login checks credentials and issues a session token.
func (h *APIHandlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "username and password are required", err)
		return
	}

	user, err := h.services.Authentication.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(c, err, "failed to log in")
		return
	}

	token, expiresAt, err := h.tokens.Issue(user)
	if err != nil {
		h.respondError(c, err, "failed to issue session")
		return
	}

	h.logger.WithField("user_id", user.UUID).Info("User logged in")
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expiresAt.UTC(),
		"user":       user,
	})
}

// Logout revokes the current session until it would have expired.
func (h *APIHandlers) Logout(c *gin.Context) {
	claims := currentClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	expiresAt := time.Now()
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := h.services.Authentication.RevokeSession(c.Request.Context(), claims.ID, expiresAt); err != nil {
		h.respondError(c, err, "failed to log out")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Me returns the caller's profile with the resolved branch.
func (h *APIHandlers) Me(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	profile, err := h.services.Users.GetUser(c.Request.Context(), user.UUID)
	if err != nil {
		h.respondError(c, err, "failed to load profile")
		return
	}

	c.JSON(http.StatusOK, profile)
}

// ForgotPassword issues a reset token. The answer never reveals whether the
// username exists.
func (h *APIHandlers) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "username is required", err)
		return
	}

	if err := h.services.Authentication.RequestPasswordReset(c.Request.Context(), req.Username); err != nil {
		h.respondError(c, err, "failed to request password reset")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "if the account exists, reset instructions have been sent"})
}

// ResetPassword redeems a reset token.
func (h *APIHandlers) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "token and new_password are required", err)
		return
	}

	if err := h.services.Authentication.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		h.respondError(c, err, "failed to reset password")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}
