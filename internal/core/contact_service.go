package core

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// --- Contact Service Implementation ---

type ContactService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewContactService(store DataStore, logger *logrus.Logger) *ContactService {
	return &ContactService{
		store:  store,
		logger: logger,
	}
}

func (s *ContactService) CreateContact(ctx context.Context, scope Scope, c *Contact) error {
	if err := s.validate(ctx, scope, c); err != nil {
		return err
	}
	if err := s.store.CreateContact(ctx, c); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"contact_id": c.ID,
		"branch_id":  c.BranchID,
	}).Info("Contact created")
	return nil
}

func (s *ContactService) GetContact(ctx context.Context, scope Scope, id uint) (*Contact, error) {
	c, err := s.store.GetContact(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(&c.BranchID) {
		return nil, ErrContactNotFound
	}
	return c, nil
}

func (s *ContactService) ListContacts(ctx context.Context, scope Scope) ([]*Contact, error) {
	var branchID *uint
	if !scope.IsAdmin() {
		id := scope.BranchID
		branchID = &id
	}
	contacts, err := s.store.ListContacts(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if contacts == nil {
		contacts = []*Contact{}
	}
	return contacts, nil
}

// UpdateContact overwrites every editable field of a contact.
func (s *ContactService) UpdateContact(ctx context.Context, scope Scope, id uint, c *Contact) error {
	existing, err := s.GetContact(ctx, scope, id)
	if err != nil {
		return err
	}
	if err := s.validate(ctx, scope, c); err != nil {
		return err
	}
	c.ID = existing.ID
	c.CreatedOn = existing.CreatedOn
	return s.store.UpdateContact(ctx, c)
}

func (s *ContactService) DeleteContact(ctx context.Context, scope Scope, id uint) error {
	if _, err := s.GetContact(ctx, scope, id); err != nil {
		return err
	}
	return s.store.DeleteContact(ctx, id)
}

func (s *ContactService) validate(ctx context.Context, scope Scope, c *Contact) error {
	if c.BranchID == 0 && !scope.IsAdmin() {
		c.BranchID = scope.BranchID
	}
	c.Name = strings.TrimSpace(c.Name)
	switch {
	case c.BranchID == 0:
		return invalid("branch_id", "branch_id is required")
	case c.Name == "":
		return invalid("name", "name is required")
	case !scope.Allows(&c.BranchID):
		return ErrForbidden
	}
	_, err := s.store.GetBranch(ctx, c.BranchID)
	return err
}
