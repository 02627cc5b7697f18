package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// DeviceView is a device with the branch it resolves to.
type DeviceView struct {
	*Device
	BranchID   *uint  `json:"branch_id"`
	BranchName string `json:"branch_name"`
}

// --- Device Directory Service Implementation ---

type DeviceService struct {
	store  DataStore
	known  KnownSet
	logger *logrus.Logger
}

func NewDeviceService(store DataStore, known KnownSet, logger *logrus.Logger) *DeviceService {
	if known == nil {
		known = nopKnownSet{}
	}
	return &DeviceService{
		store:  store,
		known:  known,
		logger: logger,
	}
}

func (s *DeviceService) CreateDevice(ctx context.Context, device *Device) error {
	if err := normalizeDevice(device); err != nil {
		return err
	}

	if err := s.store.CreateDevice(ctx, device); err != nil {
		return deviceWriteError(err)
	}

	if device.DeviceMAC != nil {
		s.known.Add(*device.DeviceMAC)
	}
	s.logger.WithFields(logrus.Fields{
		"device_id":   device.ID,
		"device_name": device.DeviceName,
	}).Info("Device created")
	return nil
}

// UpdateDevice overwrites every editable field of the device.
func (s *DeviceService) UpdateDevice(ctx context.Context, id uint, device *Device) error {
	existing, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if err := normalizeDevice(device); err != nil {
		return err
	}

	device.ID = existing.ID
	device.CreatedOn = existing.CreatedOn
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return deviceWriteError(err)
	}

	if existing.DeviceMAC != nil && deref(existing.DeviceMAC) != deref(device.DeviceMAC) {
		s.known.Remove(*existing.DeviceMAC)
	}
	return nil
}

func (s *DeviceService) GetDevice(ctx context.Context, scope Scope, id uint) (*DeviceView, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &DeviceView{Device: device}
	dep, err := s.store.GetDeploymentByDevice(ctx, id)
	switch {
	case err == nil:
		branch, err := s.store.GetBranch(ctx, dep.BranchID)
		if err != nil && !errors.Is(err, ErrBranchNotFound) {
			return nil, err
		}
		view.BranchID, view.BranchName = branchRef(branch)
	case errors.Is(err, ErrDeploymentNotFound):
		view.BranchID, view.BranchName = branchRef(nil)
	default:
		return nil, err
	}

	if !scope.Allows(view.BranchID) {
		return nil, ErrDeviceNotFound
	}
	return view, nil
}

// ListDevices returns the devices scope may see. Devices without a deployment
// are listed as unassigned for admins only.
func (s *DeviceService) ListDevices(ctx context.Context, scope Scope) ([]*DeviceView, error) {
	dir, err := loadDirectory(ctx, s.store)
	if err != nil {
		return nil, err
	}
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	views := make([]*DeviceView, 0, len(devices))
	for _, d := range devices {
		branchID, branchName := branchRef(dir.branchOfDevice(d.ID))
		if !scope.Allows(branchID) {
			continue
		}
		views = append(views, &DeviceView{Device: d, BranchID: branchID, BranchName: branchName})
	}
	return views, nil
}

// DeleteDevice removes a device that is not part of a deployment.
func (s *DeviceService) DeleteDevice(ctx context.Context, id uint) error {
	var mac *string
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		device, err := tx.GetDevice(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.GetDeploymentByDevice(ctx, id); err == nil {
			return ErrDeviceDeployed
		} else if !errors.Is(err, ErrDeploymentNotFound) {
			return err
		}
		mac = device.DeviceMAC
		return tx.DeleteDevice(ctx, id)
	})
	if err != nil {
		return err
	}

	if mac != nil {
		s.known.Remove(*mac)
	}
	s.logger.WithField("device_id", id).Info("Device deleted")
	return nil
}

func normalizeDevice(d *Device) error {
	d.DeviceName = strings.TrimSpace(d.DeviceName)
	if d.DeviceName == "" {
		return invalid("device_name", "device_name is required")
	}

	mac, err := NormalizeMAC(deref(d.DeviceMAC))
	if err != nil {
		return invalid("device_mac", "device_mac is not a valid MAC address")
	}
	d.DeviceMAC = strPtr(mac)
	d.IPAddress = strPtr(strings.TrimSpace(deref(d.IPAddress)))
	if d.DeviceMAC == nil && d.IPAddress == nil {
		return invalid("device_mac", "device_mac or ip_address is required")
	}

	if d.DeviceType == "" {
		d.DeviceType = DeviceTypeRecorder
	}
	if d.DeviceStatus == "" {
		d.DeviceStatus = DeviceStatusInactive
	}
	if !oneOf(d.DeviceStatus, deviceStatuses) {
		return invalid("device_status", "device_status must be one of "+strings.Join(deviceStatuses, ", "))
	}
	return nil
}

func deviceWriteError(err error) error {
	switch {
	case duplicateOn(err, "device_mac"):
		return ErrDeviceMACExists
	case duplicateOn(err, "ip_address"):
		return ErrDeviceIPExists
	case errors.Is(err, ErrDuplicate):
		return ErrDeviceMACExists
	}
	return err
}
