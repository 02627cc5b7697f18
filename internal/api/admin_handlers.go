package api

import (
	"net/http"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/gin-gonic/gin"
)

// branchRequest shadows is_active so an omitted field keeps the stored value.
type branchRequest struct {
	core.Branch
	IsActive *bool `json:"is_active"`
}

// --- Branch Endpoints ---

// CreateBranch adds an active branch.
func (h *APIHandlers) CreateBranch(c *gin.Context) {
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	branch := req.Branch
	if err := h.services.Branches.CreateBranch(c.Request.Context(), &branch); err != nil {
		h.respondError(c, err, "failed to create branch")
		return
	}

	c.JSON(http.StatusCreated, branch)
}

// ListBranches returns visible branches. Admins may pass include_inactive=true.
func (h *APIHandlers) ListBranches(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	branches, err := h.services.Branches.ListBranches(c.Request.Context(), scope, c.Query("include_inactive") == "true")
	if err != nil {
		h.respondError(c, err, "failed to list branches")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"branches": branches,
		"count":    len(branches),
	})
}

// GetBranch retrieves one branch.
func (h *APIHandlers) GetBranch(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	branch, err := h.services.Branches.GetBranch(c.Request.Context(), scope, id)
	if err != nil {
		h.respondError(c, err, "failed to get branch")
		return
	}

	c.JSON(http.StatusOK, branch)
}

// UpdateBranch overwrites a branch.
func (h *APIHandlers) UpdateBranch(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	branch := req.Branch
	if err := h.services.Branches.UpdateBranch(c.Request.Context(), id, &branch, req.IsActive); err != nil {
		h.respondError(c, err, "failed to update branch")
		return
	}

	c.JSON(http.StatusOK, branch)
}

// DeleteBranch deactivates a branch.
func (h *APIHandlers) DeleteBranch(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Branches.DeactivateBranch(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "failed to deactivate branch")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "branch deactivated"})
}

// --- User Endpoints ---

// CreateUser adds a dashboard account.
func (h *APIHandlers) CreateUser(c *gin.Context) {
	var in core.UserInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	user, err := h.services.Users.CreateUser(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, err, "failed to create user")
		return
	}

	c.JSON(http.StatusCreated, user)
}

// ListUsers returns every account with its resolved branch.
func (h *APIHandlers) ListUsers(c *gin.Context) {
	users, err := h.services.Users.ListUsers(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list users")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}

// GetUser retrieves one account.
func (h *APIHandlers) GetUser(c *gin.Context) {
	user, err := h.services.Users.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get user")
		return
	}

	c.JSON(http.StatusOK, user)
}

// UpdateUser overwrites an account. The password changes only when supplied.
func (h *APIHandlers) UpdateUser(c *gin.Context) {
	var in core.UserInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	user, err := h.services.Users.UpdateUser(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.respondError(c, err, "failed to update user")
		return
	}

	c.JSON(http.StatusOK, user)
}

// DeleteUser removes an undeployed account.
func (h *APIHandlers) DeleteUser(c *gin.Context) {
	if err := h.services.Users.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "failed to delete user")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

// --- Deployment Endpoints ---

// CreateDeployment links a device, a branch and a user.
func (h *APIHandlers) CreateDeployment(c *gin.Context) {
	var in core.DeploymentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	dep, err := h.services.Deployments.CreateDeployment(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, err, "failed to create deployment")
		return
	}

	c.JSON(http.StatusCreated, dep)
}

// ListDeployments returns every deployment with member names.
func (h *APIHandlers) ListDeployments(c *gin.Context) {
	deps, err := h.services.Deployments.ListDeployments(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list deployments")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deployments": deps,
		"count":       len(deps),
	})
}

// GetDeployment retrieves one deployment.
func (h *APIHandlers) GetDeployment(c *gin.Context) {
	dep, err := h.services.Deployments.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get deployment")
		return
	}

	c.JSON(http.StatusOK, dep)
}

// UpdateDeployment relinks a deployment.
func (h *APIHandlers) UpdateDeployment(c *gin.Context) {
	var in core.DeploymentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	dep, err := h.services.Deployments.UpdateDeployment(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.respondError(c, err, "failed to update deployment")
		return
	}

	c.JSON(http.StatusOK, dep)
}

// DeleteDeployment removes a deployment and frees its members.
func (h *APIHandlers) DeleteDeployment(c *gin.Context) {
	if err := h.services.Deployments.DeleteDeployment(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "failed to delete deployment")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "deployment deleted"})
}
