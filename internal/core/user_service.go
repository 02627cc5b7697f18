package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// UserInput carries the editable fields of a user. Password is optional on
// update; an empty value keeps the current hash.
type UserInput struct {
	EmpName     string `json:"emp_name"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Role        Role   `json:"role"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Designation string `json:"designation"`
	IsActive    *bool  `json:"is_active"`
}

// --- User Service Implementation ---

type UserService struct {
	store      DataStore
	bcryptCost int
	logger     *logrus.Logger
}

func NewUserService(store DataStore, bcryptCost int, logger *logrus.Logger) *UserService {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &UserService{
		store:      store,
		bcryptCost: bcryptCost,
		logger:     logger,
	}
}

func (s *UserService) CreateUser(ctx context.Context, in UserInput) (*User, error) {
	if in.Password == "" {
		return nil, invalid("password", "password is required")
	}

	user := &User{UUID: uuid.New().String(), IsActive: true}
	if err := s.apply(user, in); err != nil {
		return nil, err
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrUsernameExists
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.UUID,
		"username": user.Username,
		"role":     user.Role,
	}).Info("User created")
	return user, nil
}

// UpdateUser overwrites the profile of a user.
func (s *UserService) UpdateUser(ctx context.Context, id string, in UserInput) (*User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(user, in); err != nil {
		return nil, err
	}

	if err := s.store.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrUsernameExists
		}
		return nil, err
	}
	return s.withBranch(ctx, user)
}

func (s *UserService) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withBranch(ctx, user)
}

func (s *UserService) ListUsers(ctx context.Context) ([]*User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	dir, err := loadDirectory(ctx, s.store)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string]*Branch, len(dir.deploymentOf))
	for deviceID, dep := range dir.deploymentOf {
		byUser[dep.UserID] = dir.branchOfDevice(deviceID)
	}
	for _, u := range users {
		if b := byUser[u.UUID]; b != nil {
			id := b.ID
			u.BranchID = &id
			u.BranchCity = b.BranchCity
		}
	}
	return users, nil
}

// DeleteUser removes a user that is not part of a deployment.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if _, err := tx.GetUser(ctx, id); err != nil {
			return err
		}
		if _, err := tx.GetDeploymentByUser(ctx, id); err == nil {
			return ErrUserDeployed
		} else if !errors.Is(err, ErrDeploymentNotFound) {
			return err
		}
		return tx.DeleteUser(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.WithField("user_id", id).Info("User deleted")
	return nil
}

// SetPassword replaces the password hash of a user.
func (s *UserService) SetPassword(ctx context.Context, id, password string) error {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	return s.store.UpdateUser(ctx, user)
}

// withBranch fills the branch fields resolved through the user's deployment.
func (s *UserService) withBranch(ctx context.Context, user *User) (*User, error) {
	dep, err := s.store.GetDeploymentByUser(ctx, user.UUID)
	if errors.Is(err, ErrDeploymentNotFound) {
		return user, nil
	}
	if err != nil {
		return nil, err
	}

	branch, err := s.store.GetBranch(ctx, dep.BranchID)
	if err != nil {
		return nil, err
	}
	id := branch.ID
	user.BranchID = &id
	user.BranchCity = branch.BranchCity
	return user, nil
}

func (s *UserService) apply(user *User, in UserInput) error {
	in.EmpName = strings.TrimSpace(in.EmpName)
	in.Username = strings.TrimSpace(in.Username)
	switch {
	case in.EmpName == "":
		return invalid("emp_name", "emp_name is required")
	case in.Username == "":
		return invalid("username", "username is required")
	}
	if in.Role == "" {
		in.Role = RoleUser
	}
	if !in.Role.Valid() {
		return invalid("role", "role must be one of admin, manager, user")
	}

	if in.Password != "" {
		hash, err := s.hash(in.Password)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
	}

	user.EmpName = in.EmpName
	user.Username = in.Username
	user.Role = in.Role
	user.Email = strings.TrimSpace(in.Email)
	user.Phone = strings.TrimSpace(in.Phone)
	user.Designation = strings.TrimSpace(in.Designation)
	if in.IsActive != nil {
		user.IsActive = *in.IsActive
	}
	return nil
}

func (s *UserService) hash(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", invalid("password", fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(password) > 72 {
		return "", invalid("password", "password must be at most 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
