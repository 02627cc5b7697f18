package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ComplaintInput carries the editable fields of a complaint.
type ComplaintInput struct {
	BranchID      uint       `json:"branch_id"`
	Timestamp     *time.Time `json:"timestamp"`
	CustomerData  JSONBlob   `json:"customer_data"`
	ComplaintText string     `json:"complaint_text"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
}

// ComplaintQuery selects a page of complaints.
type ComplaintQuery struct {
	Status   string
	Priority string
	Page     int
	Limit    int
}

// ComplaintPage is one page of complaints.
type ComplaintPage struct {
	Complaints []*Complaint `json:"complaints"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
}

// --- Complaint Service Implementation ---

type ComplaintService struct {
	store  DataStore
	events EventPublisher
	logger *logrus.Logger
	now    func() time.Time
}

func NewComplaintService(store DataStore, events EventPublisher, logger *logrus.Logger) *ComplaintService {
	if events == nil {
		events = nopPublisher{}
	}
	return &ComplaintService{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

func (s *ComplaintService) CreateComplaint(ctx context.Context, scope Scope, in ComplaintInput) (*Complaint, error) {
	c := &Complaint{}
	if err := s.apply(ctx, scope, c, in); err != nil {
		return nil, err
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now().UTC()
	}

	if err := s.store.CreateComplaint(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create complaint: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"complaint_id": c.ComplaintID,
		"branch_id":    c.BranchID,
		"priority":     c.Priority,
	}).Info("Complaint created")

	event := Event{
		Type:       EventComplaintCreated,
		Subject:    fmt.Sprintf("%d", c.ComplaintID),
		OccurredAt: s.now().UTC(),
		Data:       c,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithField("complaint_id", c.ComplaintID).Warn("Failed to publish complaint event")
	}
	return c, nil
}

func (s *ComplaintService) GetComplaint(ctx context.Context, scope Scope, id uint) (*Complaint, error) {
	c, err := s.store.GetComplaint(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(&c.BranchID) {
		return nil, ErrComplaintNotFound
	}
	return c, nil
}

// UpdateComplaint overwrites every editable field of a complaint.
func (s *ComplaintService) UpdateComplaint(ctx context.Context, scope Scope, id uint, in ComplaintInput) (*Complaint, error) {
	c, err := s.GetComplaint(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, scope, c, in); err != nil {
		return nil, err
	}
	if err := s.store.UpdateComplaint(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ComplaintService) DeleteComplaint(ctx context.Context, scope Scope, id uint) error {
	if _, err := s.GetComplaint(ctx, scope, id); err != nil {
		return err
	}
	return s.store.DeleteComplaint(ctx, id)
}

func (s *ComplaintService) ListComplaints(ctx context.Context, scope Scope, q ComplaintQuery) (*ComplaintPage, error) {
	page, limit := normalizePage(q.Page, q.Limit)
	filter := ComplaintFilter{
		Status:   q.Status,
		Priority: q.Priority,
		Offset:   (page - 1) * limit,
		Limit:    limit,
	}
	if !scope.IsAdmin() {
		branchID := scope.BranchID
		filter.BranchID = &branchID
	}

	complaints, total, err := s.store.ListComplaints(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list complaints: %w", err)
	}
	if complaints == nil {
		complaints = []*Complaint{}
	}
	return &ComplaintPage{Complaints: complaints, Total: total, Page: page, Limit: limit}, nil
}

// CountBy groups the complaints scope may see by status or priority.
func (s *ComplaintService) CountBy(ctx context.Context, scope Scope, field string) (map[string]int64, error) {
	var branchID *uint
	if !scope.IsAdmin() {
		id := scope.BranchID
		branchID = &id
	}
	return s.store.CountComplaintsBy(ctx, field, branchID)
}

func (s *ComplaintService) apply(ctx context.Context, scope Scope, c *Complaint, in ComplaintInput) error {
	if in.BranchID == 0 && !scope.IsAdmin() {
		in.BranchID = scope.BranchID
	}
	in.ComplaintText = strings.TrimSpace(in.ComplaintText)
	switch {
	case in.BranchID == 0:
		return invalid("branch_id", "branch_id is required")
	case in.ComplaintText == "":
		return invalid("complaint_text", "complaint_text is required")
	case !scope.Allows(&in.BranchID):
		return ErrForbidden
	}

	if in.Status == "" {
		in.Status = ComplaintPending
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !oneOf(in.Status, complaintStatuses) {
		return invalid("status", "status must be one of "+strings.Join(complaintStatuses, ", "))
	}
	if !oneOf(in.Priority, complaintPriorities) {
		return invalid("priority", "priority must be one of "+strings.Join(complaintPriorities, ", "))
	}
	if len(in.CustomerData) > 0 && !json.Valid(in.CustomerData) {
		return invalid("customer_data", "customer_data must be valid JSON")
	}

	if in.BranchID != c.BranchID || c.BranchName == "" {
		branch, err := s.store.GetBranch(ctx, in.BranchID)
		if err != nil {
			return err
		}
		c.BranchName = branch.BranchName
	}

	c.BranchID = in.BranchID
	c.ComplaintText = in.ComplaintText
	c.CustomerData = in.CustomerData
	c.Status = in.Status
	c.Priority = in.Priority
	if in.Timestamp != nil {
		c.Timestamp = in.Timestamp.UTC()
	}
	return nil
}
