package core

import (
	"context"
	"fmt"
)

// directory resolves identities to devices and devices to branches along the
// device -> deployment -> branch path. It is loaded per request.
type directory struct {
	byIdentity   map[string]*Device
	branchOf     map[uint]*Branch
	deploymentOf map[uint]*Deployment
}

func loadDirectory(ctx context.Context, store DataStore) (*directory, error) {
	devices, err := store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	deployments, err := store.ListDeployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	branches, err := store.ListBranches(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	branchByID := make(map[uint]*Branch, len(branches))
	for _, b := range branches {
		branchByID[b.ID] = b
	}

	d := &directory{
		byIdentity:   make(map[string]*Device, len(devices)),
		branchOf:     make(map[uint]*Branch, len(deployments)),
		deploymentOf: make(map[uint]*Deployment, len(deployments)),
	}
	for _, dev := range devices {
		if id := dev.Identity(); !id.IsZero() {
			d.byIdentity[id.Key] = dev
		}
	}
	for _, dep := range deployments {
		d.deploymentOf[dep.DeviceID] = dep
		if b, ok := branchByID[dep.BranchID]; ok {
			d.branchOf[dep.DeviceID] = b
		}
	}
	return d, nil
}

// resolve returns the device and branch behind an identity. Either may be nil.
func (d *directory) resolve(identity string) (*Device, *Branch) {
	dev, ok := d.byIdentity[identity]
	if !ok {
		return nil, nil
	}
	return dev, d.branchOf[dev.ID]
}

func (d *directory) branchOfDevice(deviceID uint) *Branch {
	return d.branchOf[deviceID]
}

// identities returns the filter matching everything scope may see.
func (d *directory) identities(scope Scope) IdentityFilter {
	if scope.IsAdmin() {
		return AllIdentities
	}
	keys := []string{}
	for key, dev := range d.byIdentity {
		if b := d.branchOf[dev.ID]; b != nil && b.ID == scope.BranchID {
			keys = append(keys, key)
		}
	}
	return OnlyIdentities(keys...)
}

// visible reports whether scope may see rows of identity.
func (d *directory) visible(scope Scope, identity string) bool {
	if scope.IsAdmin() {
		return true
	}
	_, b := d.resolve(identity)
	return b != nil && b.ID == scope.BranchID
}

func branchRef(b *Branch) (*uint, string) {
	if b == nil {
		return nil, UnassignedBranch
	}
	id := b.ID
	return &id, b.BranchName
}
