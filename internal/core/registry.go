package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Heartbeats     *HeartbeatService
	Devices        *DeviceService
	Branches       *BranchService
	Deployments    *DeploymentService
	Users          *UserService
	Authentication *AuthenticationService
	Recordings     *RecordingService
	Complaints     *ComplaintService
	Contacts       *ContactService
	Dashboard      *DashboardService
	Store          DataStore
}

// Dependencies are the collaborators shared by the services. Everything but
// Store and Logger is optional.
type Dependencies struct {
	Store         DataStore
	Cache         Cache
	KnownDevices  KnownSet
	Events        EventPublisher
	Audio         AudioStore
	Policy        StatusPolicy
	BcryptCost    int
	ResetTokenTTL time.Duration
	Logger        *logrus.Logger
	// Sessions holds revoked session ids and must not evict them before they
	// expire. Cache is used when nil.
	Sessions Cache
	// Clock overrides time.Now for status derivation and timestamps.
	Clock func() time.Time
}

// NewServiceRegistry wires every service from deps.
func NewServiceRegistry(deps Dependencies) *ServiceRegistry {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = deps.Cache
	}
	users := NewUserService(deps.Store, deps.BcryptCost, deps.Logger)
	heartbeats := NewHeartbeatService(deps.Store, deps.KnownDevices, deps.Events, deps.Policy, deps.Logger)
	complaints := NewComplaintService(deps.Store, deps.Events, deps.Logger)

	r := &ServiceRegistry{
		Heartbeats:     heartbeats,
		Devices:        NewDeviceService(deps.Store, deps.KnownDevices, deps.Logger),
		Branches:       NewBranchService(deps.Store, deps.Logger),
		Deployments:    NewDeploymentService(deps.Store, deps.Events, deps.Logger),
		Users:          users,
		Authentication: NewAuthenticationService(deps.Store, users, sessions, deps.Events, deps.ResetTokenTTL, deps.Logger),
		Recordings:     NewRecordingService(deps.Store, deps.Audio, deps.Logger),
		Complaints:     complaints,
		Contacts:       NewContactService(deps.Store, deps.Logger),
		Dashboard:      NewDashboardService(deps.Store, heartbeats, complaints, deps.Cache, deps.Logger),
		Store:          deps.Store,
	}
	if deps.Clock != nil {
		r.Heartbeats.now = deps.Clock
		r.Deployments.now = deps.Clock
		r.Authentication.now = deps.Clock
		r.Complaints.now = deps.Clock
		r.Dashboard.now = deps.Clock
	}
	return r
}
