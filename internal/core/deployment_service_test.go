package core_test

import (
	"context"
	"sync"
	"testing"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDeploymentRejectsReusedMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d1, d2 := f.device(t, "AA:00:00:00:01:01"), f.device(t, "AA:00:00:00:01:02")
	b1, b2 := f.branch(t, "B1"), f.branch(t, "B2")
	u1, u2 := f.user(t, "u1", core.RoleUser), f.user(t, "u2", core.RoleUser)

	f.deploy(t, d1, b1, u1)

	tests := []struct {
		name string
		in   core.DeploymentInput
		want error
	}{
		{"same device", core.DeploymentInput{DeviceID: d1.ID, BranchID: b2.ID, UserID: u2.UUID}, core.ErrDeviceAlreadyDeployed},
		{"same branch", core.DeploymentInput{DeviceID: d2.ID, BranchID: b1.ID, UserID: u2.UUID}, core.ErrBranchAlreadyDeployed},
		{"same user", core.DeploymentInput{DeviceID: d2.ID, BranchID: b2.ID, UserID: u1.UUID}, core.ErrUserAlreadyDeployed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.services.Deployments.CreateDeployment(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, core.ErrDeploymentConflict)
		})
	}
}

func TestCreateDeploymentRequiresExistingMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.device(t, "AA:00:00:00:02:01")
	b := f.branch(t, "B1")
	u := f.user(t, "u1", core.RoleUser)

	_, err := f.services.Deployments.CreateDeployment(ctx, core.DeploymentInput{DeviceID: 999, BranchID: b.ID, UserID: u.UUID})
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)

	_, err = f.services.Deployments.CreateDeployment(ctx, core.DeploymentInput{DeviceID: d.ID, BranchID: 999, UserID: u.UUID})
	assert.ErrorIs(t, err, core.ErrBranchNotFound)

	_, err = f.services.Deployments.CreateDeployment(ctx, core.DeploymentInput{DeviceID: d.ID, BranchID: b.ID, UserID: "missing"})
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	_, err = f.services.Deployments.CreateDeployment(ctx, core.DeploymentInput{BranchID: b.ID, UserID: u.UUID})
	assert.True(t, core.IsValidation(err))

	require.NoError(t, f.services.Branches.DeactivateBranch(ctx, b.ID))
	_, err = f.services.Deployments.CreateDeployment(ctx, core.DeploymentInput{DeviceID: d.ID, BranchID: b.ID, UserID: u.UUID})
	assert.ErrorIs(t, err, core.ErrBranchInactive)
}

func TestDeleteDeploymentFreesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.device(t, "AA:00:00:00:03:01")
	b := f.branch(t, "B1")
	u := f.user(t, "u1", core.RoleUser)

	dep := f.deploy(t, d, b, u)
	require.NoError(t, f.services.Deployments.DeleteDeployment(ctx, dep.UUID))

	again := f.deploy(t, d, b, u)
	assert.NotEqual(t, dep.UUID, again.UUID)

	_, err := f.services.Deployments.GetDeployment(ctx, dep.UUID)
	assert.ErrorIs(t, err, core.ErrDeploymentNotFound)
	assert.Len(t, f.events.ofType(core.EventDeploymentDeleted), 1)
	assert.Len(t, f.events.ofType(core.EventDeploymentCreated), 2)
}

func TestUpdateDeploymentExcludesItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d1, d2 := f.device(t, "AA:00:00:00:04:01"), f.device(t, "AA:00:00:00:04:02")
	b1, b2 := f.branch(t, "B1"), f.branch(t, "B2")
	u1, u2 := f.user(t, "u1", core.RoleUser), f.user(t, "u2", core.RoleUser)

	dep := f.deploy(t, d1, b1, u1)
	f.deploy(t, d2, b2, u2)

	// Swapping only the device onto itself is not a conflict.
	updated, err := f.services.Deployments.UpdateDeployment(ctx, dep.UUID, core.DeploymentInput{DeviceID: d1.ID, BranchID: b1.ID, UserID: u1.UUID})
	require.NoError(t, err)
	assert.Equal(t, dep.UUID, updated.UUID)

	_, err = f.services.Deployments.UpdateDeployment(ctx, dep.UUID, core.DeploymentInput{DeviceID: d2.ID, BranchID: b1.ID, UserID: u1.UUID})
	assert.ErrorIs(t, err, core.ErrDeviceAlreadyDeployed)

	_, err = f.services.Deployments.UpdateDeployment(ctx, "missing", core.DeploymentInput{DeviceID: d1.ID, BranchID: b1.ID, UserID: u1.UUID})
	assert.ErrorIs(t, err, core.ErrDeploymentNotFound)
}

func TestConcurrentDeploymentsOfOneDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.device(t, "AA:00:00:00:05:01")
	const n = 8
	inputs := make([]core.DeploymentInput, n)
	for i := range inputs {
		b := f.branch(t, string(rune('A'+i)))
		u := f.user(t, "user"+string(rune('a'+i)), core.RoleUser)
		inputs[i] = core.DeploymentInput{DeviceID: d.ID, BranchID: b.ID, UserID: u.UUID}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, in := range inputs {
		wg.Add(1)
		go func(in core.DeploymentInput) {
			defer wg.Done()
			if _, err := f.services.Deployments.CreateDeployment(ctx, in); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, core.ErrDeviceAlreadyDeployed)
			}
		}(in)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
}

func TestDeployedDeviceAndUserCannotBeDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.device(t, "AA:00:00:00:06:01")
	b := f.branch(t, "B1")
	u := f.user(t, "u1", core.RoleUser)
	dep := f.deploy(t, d, b, u)

	assert.ErrorIs(t, f.services.Devices.DeleteDevice(ctx, d.ID), core.ErrDeviceDeployed)
	assert.ErrorIs(t, f.services.Users.DeleteUser(ctx, u.UUID), core.ErrUserDeployed)

	require.NoError(t, f.services.Deployments.DeleteDeployment(ctx, dep.UUID))
	assert.NoError(t, f.services.Devices.DeleteDevice(ctx, d.ID))
	assert.NoError(t, f.services.Users.DeleteUser(ctx, u.UUID))
}

func TestListDeploymentsCarriesNames(t *testing.T) {
	f := newFixture(t)

	d := f.device(t, "AA:00:00:00:07:01")
	b := f.branch(t, "B1")
	u := f.user(t, "u1", core.RoleUser)
	f.deploy(t, d, b, u)

	views, err := f.services.Deployments.ListDeployments(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, d.DeviceName, views[0].DeviceName)
	assert.Equal(t, b.BranchName, views[0].BranchName)
	assert.Equal(t, u.EmpName, views[0].EmpName)
}
