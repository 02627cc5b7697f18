package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeploymentInput names the three entities a deployment links.
type DeploymentInput struct {
	DeviceID uint   `json:"device_id"`
	BranchID uint   `json:"branch_id"`
	UserID   string `json:"user_id"`
}

// DeploymentView is a deployment with display names of its members.
type DeploymentView struct {
	*Deployment
	DeviceName string `json:"device_name"`
	BranchName string `json:"branch_name"`
	EmpName    string `json:"emp_name"`
}

// --- Deployment Linkage Service Implementation ---

type DeploymentService struct {
	store  DataStore
	events EventPublisher
	logger *logrus.Logger
	now    func() time.Time
}

func NewDeploymentService(store DataStore, events EventPublisher, logger *logrus.Logger) *DeploymentService {
	if events == nil {
		events = nopPublisher{}
	}
	return &DeploymentService{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// CreateDeployment links a device, a branch and a user. Existence and the
// one-to-one-to-one rule are checked in the same transaction as the insert;
// the unique indexes on the link table catch writers that race past the checks.
func (s *DeploymentService) CreateDeployment(ctx context.Context, in DeploymentInput) (*Deployment, error) {
	if err := validateDeploymentInput(in); err != nil {
		return nil, err
	}

	dep := &Deployment{
		UUID:     uuid.New().String(),
		DeviceID: in.DeviceID,
		BranchID: in.BranchID,
		UserID:   in.UserID,
	}

	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if err := checkDeployment(ctx, tx, in, ""); err != nil {
			return err
		}
		if err := tx.CreateDeployment(ctx, dep); err != nil {
			return deploymentWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"deployment_id": dep.UUID,
		"device_id":     dep.DeviceID,
		"branch_id":     dep.BranchID,
		"user_id":       dep.UserID,
	}).Info("Deployment created")
	s.publish(ctx, EventDeploymentCreated, dep)
	return dep, nil
}

// UpdateDeployment relinks an existing deployment, applying the same checks
// as create while ignoring the row being updated.
func (s *DeploymentService) UpdateDeployment(ctx context.Context, id string, in DeploymentInput) (*Deployment, error) {
	if err := validateDeploymentInput(in); err != nil {
		return nil, err
	}

	var dep *Deployment
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		existing, err := tx.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		if err := checkDeployment(ctx, tx, in, existing.UUID); err != nil {
			return err
		}

		existing.DeviceID = in.DeviceID
		existing.BranchID = in.BranchID
		existing.UserID = in.UserID
		if err := tx.UpdateDeployment(ctx, existing); err != nil {
			return deploymentWriteError(err)
		}
		dep = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithField("deployment_id", dep.UUID).Info("Deployment updated")
	s.publish(ctx, EventDeploymentUpdated, dep)
	return dep, nil
}

// DeleteDeployment removes the link. Device, branch and user are untouched and
// can be deployed again immediately.
func (s *DeploymentService) DeleteDeployment(ctx context.Context, id string) error {
	dep, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}

	s.logger.WithField("deployment_id", id).Info("Deployment deleted")
	s.publish(ctx, EventDeploymentDeleted, dep)
	return nil
}

func (s *DeploymentService) GetDeployment(ctx context.Context, id string) (*DeploymentView, error) {
	dep, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	views, err := s.describe(ctx, []*Deployment{dep})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (s *DeploymentService) ListDeployments(ctx context.Context) ([]*DeploymentView, error) {
	deps, err := s.store.ListDeployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return s.describe(ctx, deps)
}

func (s *DeploymentService) describe(ctx context.Context, deps []*Deployment) ([]*DeploymentView, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, true)
	if err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	deviceNames := make(map[uint]string, len(devices))
	for _, d := range devices {
		deviceNames[d.ID] = d.DeviceName
	}
	branchNames := make(map[uint]string, len(branches))
	for _, b := range branches {
		branchNames[b.ID] = b.BranchName
	}
	userNames := make(map[string]string, len(users))
	for _, u := range users {
		userNames[u.UUID] = u.EmpName
	}

	views := make([]*DeploymentView, 0, len(deps))
	for _, dep := range deps {
		views = append(views, &DeploymentView{
			Deployment: dep,
			DeviceName: deviceNames[dep.DeviceID],
			BranchName: branchNames[dep.BranchID],
			EmpName:    userNames[dep.UserID],
		})
	}
	return views, nil
}

func (s *DeploymentService) publish(ctx context.Context, eventType string, dep *Deployment) {
	event := Event{
		Type:       eventType,
		Subject:    dep.UUID,
		OccurredAt: s.now().UTC(),
		Data:       dep,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithField("deployment_id", dep.UUID).Warn("Failed to publish deployment event")
	}
}

func validateDeploymentInput(in DeploymentInput) error {
	switch {
	case in.DeviceID == 0:
		return invalid("device_id", "device_id is required")
	case in.BranchID == 0:
		return invalid("branch_id", "branch_id is required")
	case in.UserID == "":
		return invalid("user_id", "user_id is required")
	}
	return nil
}

// checkDeployment verifies the three members exist and are not linked by any
// deployment other than self.
func checkDeployment(ctx context.Context, tx DataStore, in DeploymentInput, self string) error {
	if _, err := tx.GetDevice(ctx, in.DeviceID); err != nil {
		return err
	}
	branch, err := tx.GetBranch(ctx, in.BranchID)
	if err != nil {
		return err
	}
	if !branch.IsActive {
		return ErrBranchInactive
	}
	if _, err := tx.GetUser(ctx, in.UserID); err != nil {
		return err
	}

	if err := takenBy(tx.GetDeploymentByDevice(ctx, in.DeviceID))(self, ErrDeviceAlreadyDeployed); err != nil {
		return err
	}
	if err := takenBy(tx.GetDeploymentByBranch(ctx, in.BranchID))(self, ErrBranchAlreadyDeployed); err != nil {
		return err
	}
	return takenBy(tx.GetDeploymentByUser(ctx, in.UserID))(self, ErrUserAlreadyDeployed)
}

func takenBy(dep *Deployment, err error) func(self string, conflict error) error {
	return func(self string, conflict error) error {
		switch {
		case errors.Is(err, ErrDeploymentNotFound):
			return nil
		case err != nil:
			return err
		case dep.UUID == self:
			return nil
		}
		return conflict
	}
}

func deploymentWriteError(err error) error {
	switch {
	case !errors.Is(err, ErrDuplicate):
		return err
	case duplicateOn(err, "device_id"):
		return ErrDeviceAlreadyDeployed
	case duplicateOn(err, "branch_id"):
		return ErrBranchAlreadyDeployed
	case duplicateOn(err, "user_id"):
		return ErrUserAlreadyDeployed
	}
	return ErrDeploymentConflict
}
