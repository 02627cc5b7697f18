package api

import (
	"net/http"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/gin-gonic/gin"
)

// --- Complaint Endpoints ---

// CreateComplaint records a complaint for a branch the caller may see.
func (h *APIHandlers) CreateComplaint(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	var in core.ComplaintInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	complaint, err := h.services.Complaints.CreateComplaint(c.Request.Context(), scope, in)
	if err != nil {
		h.respondError(c, err, "failed to create complaint")
		return
	}

	c.JSON(http.StatusCreated, complaint)
}

// ListComplaints returns a page of visible complaints filtered by status and priority.
func (h *APIHandlers) ListComplaints(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	page, err := h.services.Complaints.ListComplaints(c.Request.Context(), scope, core.ComplaintQuery{
		Status:   c.Query("status"),
		Priority: c.Query("priority"),
		Page:     queryInt(c, "page", 1),
		Limit:    queryInt(c, "limit", 0),
	})
	if err != nil {
		h.respondError(c, err, "failed to list complaints")
		return
	}

	c.JSON(http.StatusOK, page)
}

// GetComplaint retrieves one complaint.
func (h *APIHandlers) GetComplaint(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	complaint, err := h.services.Complaints.GetComplaint(c.Request.Context(), scope, id)
	if err != nil {
		h.respondError(c, err, "failed to get complaint")
		return
	}

	c.JSON(http.StatusOK, complaint)
}

// UpdateComplaint overwrites a complaint.
func (h *APIHandlers) UpdateComplaint(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	var in core.ComplaintInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	complaint, err := h.services.Complaints.UpdateComplaint(c.Request.Context(), scope, id, in)
	if err != nil {
		h.respondError(c, err, "failed to update complaint")
		return
	}

	c.JSON(http.StatusOK, complaint)
}

// DeleteComplaint removes a complaint.
func (h *APIHandlers) DeleteComplaint(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Complaints.DeleteComplaint(c.Request.Context(), scope, id); err != nil {
		h.respondError(c, err, "failed to delete complaint")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "complaint deleted"})
}

// --- Contact Endpoints ---

// CreateContact adds a branch contact person.
func (h *APIHandlers) CreateContact(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	var contact core.Contact
	if err := c.ShouldBindJSON(&contact); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	if err := h.services.Contacts.CreateContact(c.Request.Context(), scope, &contact); err != nil {
		h.respondError(c, err, "failed to create contact")
		return
	}

	c.JSON(http.StatusCreated, contact)
}

// ListContacts returns the visible contacts.
func (h *APIHandlers) ListContacts(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	contacts, err := h.services.Contacts.ListContacts(c.Request.Context(), scope)
	if err != nil {
		h.respondError(c, err, "failed to list contacts")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contacts": contacts,
		"count":    len(contacts),
	})
}

// GetContact retrieves one contact.
func (h *APIHandlers) GetContact(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	contact, err := h.services.Contacts.GetContact(c.Request.Context(), scope, id)
	if err != nil {
		h.respondError(c, err, "failed to get contact")
		return
	}

	c.JSON(http.StatusOK, contact)
}

// UpdateContact overwrites a contact.
func (h *APIHandlers) UpdateContact(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	var contact core.Contact
	if err := c.ShouldBindJSON(&contact); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	if err := h.services.Contacts.UpdateContact(c.Request.Context(), scope, id, &contact); err != nil {
		h.respondError(c, err, "failed to update contact")
		return
	}

	c.JSON(http.StatusOK, contact)
}

// DeleteContact removes a contact.
func (h *APIHandlers) DeleteContact(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Contacts.DeleteContact(c.Request.Context(), scope, id); err != nil {
		h.respondError(c, err, "failed to delete contact")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "contact deleted"})
}
