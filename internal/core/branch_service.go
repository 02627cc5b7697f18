package core

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// --- Branch Service Implementation ---

type BranchService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewBranchService(store DataStore, logger *logrus.Logger) *BranchService {
	return &BranchService{
		store:  store,
		logger: logger,
	}
}

func (s *BranchService) CreateBranch(ctx context.Context, branch *Branch) error {
	if err := validateBranch(branch); err != nil {
		return err
	}
	branch.IsActive = true

	if err := s.store.CreateBranch(ctx, branch); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return ErrBranchCodeExists
		}
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"branch_id":   branch.ID,
		"branch_code": branch.BranchCode,
	}).Info("Branch created")
	return nil
}

func (s *BranchService) GetBranch(ctx context.Context, scope Scope, id uint) (*Branch, error) {
	if !scope.Allows(&id) {
		return nil, ErrBranchNotFound
	}
	return s.store.GetBranch(ctx, id)
}

// ListBranches returns active branches; admins may include deactivated ones.
// Non-admins only ever see their own branch.
func (s *BranchService) ListBranches(ctx context.Context, scope Scope, includeInactive bool) ([]*Branch, error) {
	if !scope.IsAdmin() {
		b, err := s.store.GetBranch(ctx, scope.BranchID)
		if err != nil {
			if errors.Is(err, ErrBranchNotFound) {
				return []*Branch{}, nil
			}
			return nil, err
		}
		return []*Branch{b}, nil
	}
	return s.store.ListBranches(ctx, includeInactive)
}

// UpdateBranch overwrites every editable field. is_active is only changed
// when active is non-nil.
func (s *BranchService) UpdateBranch(ctx context.Context, id uint, branch *Branch, active *bool) error {
	existing, err := s.store.GetBranch(ctx, id)
	if err != nil {
		return err
	}
	if err := validateBranch(branch); err != nil {
		return err
	}

	branch.ID = existing.ID
	branch.CreatedOn = existing.CreatedOn
	branch.IsActive = existing.IsActive
	if active != nil {
		branch.IsActive = *active
	}
	if err := s.store.UpdateBranch(ctx, branch); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return ErrBranchCodeExists
		}
		return err
	}
	return nil
}

// DeactivateBranch soft deletes a branch. Deployments referencing it are kept
// so recording and heartbeat history stays attributable.
func (s *BranchService) DeactivateBranch(ctx context.Context, id uint) error {
	branch, err := s.store.GetBranch(ctx, id)
	if err != nil {
		return err
	}
	if !branch.IsActive {
		return nil
	}

	branch.IsActive = false
	if err := s.store.UpdateBranch(ctx, branch); err != nil {
		return err
	}

	s.logger.WithField("branch_id", id).Info("Branch deactivated")
	return nil
}

func validateBranch(b *Branch) error {
	b.BranchCode = strings.TrimSpace(b.BranchCode)
	b.BranchName = strings.TrimSpace(b.BranchName)
	if b.BranchCode == "" {
		return invalid("branch_code", "branch_code is required")
	}
	if b.BranchName == "" {
		return invalid("branch_name", "branch_name is required")
	}
	return nil
}
