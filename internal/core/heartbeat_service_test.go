package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestRequiresIPAddress(t *testing.T) {
	f := newFixture(t)

	_, err := f.services.Heartbeats.Ingest(context.Background(), core.HeartbeatInput{MACAddress: "aa:bb:cc:dd:ee:ff"}, core.TransportHTTP)
	assert.ErrorIs(t, err, core.ErrIPAddressRequired)
	assert.Zero(t, f.store.HeartbeatCount())
}

func TestIngestAutoRegistersUnknownMAC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hb, err := f.services.Heartbeats.Ingest(ctx, core.HeartbeatInput{IPAddress: "10.0.0.5", MACAddress: "aa-bb-cc-00-11-22"}, core.TransportHTTP)
	require.NoError(t, err)
	assert.Equal(t, "mac:AA:BB:CC:00:11:22", hb.Identity)
	assert.Equal(t, f.clock.Now(), hb.ReceivedAt)

	device, err := f.store.GetDeviceByMAC(ctx, "AA:BB:CC:00:11:22")
	require.NoError(t, err)
	assert.Equal(t, "Device-001122", device.DeviceName)
	assert.Equal(t, core.DeviceStatusInactive, device.DeviceStatus)
	assert.Nil(t, device.IPAddress)

	// A second heartbeat does not create another device.
	f.heartbeat(t, "AA:BB:CC:00:11:22", "10.0.0.6")
	devices, err := f.store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Len(t, f.events.ofType(core.EventDeviceRegistered), 1)
}

func TestIngestWithoutMACRegistersNothing(t *testing.T) {
	f := newFixture(t)

	f.heartbeat(t, "", "10.0.0.7")

	devices, err := f.store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, 1, f.store.HeartbeatCount())
}

func TestConcurrentFirstHeartbeatsCreateOneDevice(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make(chan error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.services.Heartbeats.Ingest(context.Background(), core.HeartbeatInput{
				IPAddress:  fmt.Sprintf("10.0.1.%d", i),
				MACAddress: "de:ad:be:ef:00:01",
			}, core.TransportHTTP)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	devices, err := f.store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, 25, f.store.HeartbeatCount())
}

func TestIngestStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn("CreateHeartbeat", errors.New("connection refused"))

	_, err := f.services.Heartbeats.Ingest(context.Background(), core.HeartbeatInput{IPAddress: "10.0.0.1"}, core.TransportHTTP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIngestKeepsHeartbeatWhenRegistrationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.FailOn("RegisterDeviceIfAbsent", errors.New("connection reset"))

	hb, err := f.services.Heartbeats.Ingest(ctx, core.HeartbeatInput{IPAddress: "10.0.0.1", MACAddress: "AA:BB:CC:00:22:01"}, core.TransportHTTP)
	require.NoError(t, err)
	assert.Equal(t, "mac:AA:BB:CC:00:22:01", hb.Identity)
	assert.EqualValues(t, 1, f.store.HeartbeatCount())

	_, err = f.store.GetDeviceByMAC(ctx, "AA:BB:CC:00:22:01")
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)

	// The next heartbeat retries the registration.
	f.store.FailOn("RegisterDeviceIfAbsent", nil)
	f.heartbeat(t, "AA:BB:CC:00:22:01", "10.0.0.1")
	_, err = f.store.GetDeviceByMAC(ctx, "AA:BB:CC:00:22:01")
	assert.NoError(t, err)
}

func TestListStatusesDerivesStatusFromLastHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := core.AdminScope("admin")

	f.heartbeat(t, "AA:AA:AA:AA:AA:01", "10.0.0.1")

	f.clock.Advance(6 * time.Minute)
	listing, err := f.services.Heartbeats.ListStatuses(ctx, admin)
	require.NoError(t, err)
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, core.StatusProblematic, listing.Devices[0].Status)
	assert.EqualValues(t, 6, listing.Devices[0].MinutesSince)

	f.clock.Advance(14 * time.Minute)
	listing, err = f.services.Heartbeats.ListStatuses(ctx, admin)
	require.NoError(t, err)
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, core.StatusOffline, listing.Devices[0].Status)
	assert.Equal(t, core.StatusSummary{Offline: 1, Total: 1}, listing.Summary)
}

func TestListStatusesOmitsDevicesWithoutHeartbeats(t *testing.T) {
	f := newFixture(t)
	f.device(t, "AA:AA:AA:AA:AA:02")

	listing, err := f.services.Heartbeats.ListStatuses(context.Background(), core.AdminScope("admin"))
	require.NoError(t, err)
	assert.Empty(t, listing.Devices)
	assert.Zero(t, listing.Summary.Total)
}

func TestListStatusesUptimeAndBranch(t *testing.T) {
	f := newFixture(t)
	b := f.branch(t, "LHR-01")
	d := f.device(t, "AA:AA:AA:AA:AA:03")
	u := f.user(t, "clerk", core.RoleUser)
	f.deploy(t, d, b, u)

	for i := 0; i < 150; i++ {
		f.heartbeat(t, "AA:AA:AA:AA:AA:03", "10.0.0.3")
		f.clock.Advance(30 * time.Second)
	}

	listing, err := f.services.Heartbeats.ListStatuses(context.Background(), core.AdminScope("admin"))
	require.NoError(t, err)
	require.Len(t, listing.Devices, 1)

	row := listing.Devices[0]
	assert.Equal(t, core.StatusOnline, row.Status)
	assert.EqualValues(t, 150, row.Heartbeats24h)
	assert.Equal(t, "1h 15m", row.Uptime)
	assert.Equal(t, b.BranchName, row.BranchName)
	require.NotNil(t, row.DeviceID)
	assert.Equal(t, d.ID, *row.DeviceID)
}

func TestIPOnlyIdentityStaysDistinct(t *testing.T) {
	f := newFixture(t)

	f.heartbeat(t, "", "10.0.0.9")
	f.heartbeat(t, "AA:AA:AA:AA:AA:09", "10.0.0.9")

	listing, err := f.services.Heartbeats.ListStatuses(context.Background(), core.AdminScope("admin"))
	require.NoError(t, err)
	require.Len(t, listing.Devices, 2)

	identities := []string{listing.Devices[0].Identity, listing.Devices[1].Identity}
	assert.ElementsMatch(t, []string{"ip:10.0.0.9", "mac:AA:AA:AA:AA:AA:09"}, identities)
}

func TestListStatusesIsBranchScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b1, b2 := f.branch(t, "B1"), f.branch(t, "B2")
	d1, d2 := f.device(t, "AA:00:00:00:00:01"), f.device(t, "AA:00:00:00:00:02")
	u1, u2 := f.user(t, "u1", core.RoleUser), f.user(t, "m2", core.RoleManager)
	f.deploy(t, d1, b1, u1)
	f.deploy(t, d2, b2, u2)

	f.heartbeat(t, "AA:00:00:00:00:01", "10.1.0.1")
	f.heartbeat(t, "AA:00:00:00:00:02", "10.2.0.1")
	f.heartbeat(t, "AA:00:00:00:00:03", "10.3.0.1") // unassigned

	listing, err := f.services.Heartbeats.ListStatuses(ctx, f.scopeFor(t, u1))
	require.NoError(t, err)
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, "mac:AA:00:00:00:00:01", listing.Devices[0].Identity)

	listing, err = f.services.Heartbeats.ListStatuses(ctx, f.scopeFor(t, u2))
	require.NoError(t, err)
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, "mac:AA:00:00:00:00:02", listing.Devices[0].Identity)

	listing, err = f.services.Heartbeats.ListStatuses(ctx, core.AdminScope("admin"))
	require.NoError(t, err)
	require.Len(t, listing.Devices, 3)
	var unassigned int
	for _, row := range listing.Devices {
		if row.BranchName == core.UnassignedBranch {
			unassigned++
			assert.Nil(t, row.BranchID)
		}
	}
	assert.Equal(t, 1, unassigned)
}

func TestHistoryRespectsScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.branch(t, "B1")
	d := f.device(t, "AA:00:00:00:00:10")
	u := f.user(t, "u10", core.RoleUser)
	f.deploy(t, d, b, u)
	other := f.user(t, "u11", core.RoleUser)
	f.deploy(t, f.device(t, "AA:00:00:00:00:11"), f.branch(t, "B2"), other)

	for i := 0; i < 3; i++ {
		f.heartbeat(t, "AA:00:00:00:00:10", "10.0.0.10")
		f.clock.Advance(time.Minute)
	}

	hbs, err := f.services.Heartbeats.History(ctx, f.scopeFor(t, u), "mac:AA:00:00:00:00:10", 2)
	require.NoError(t, err)
	require.Len(t, hbs, 2)
	assert.True(t, hbs[0].ReceivedAt.After(hbs[1].ReceivedAt))

	_, err = f.services.Heartbeats.History(ctx, f.scopeFor(t, other), "mac:AA:00:00:00:00:10", 10)
	assert.ErrorIs(t, err, core.ErrIdentityNotFound)

	_, err = f.services.Heartbeats.History(ctx, core.AdminScope("admin"), "mac:FF:FF:FF:FF:FF:FF", 10)
	assert.ErrorIs(t, err, core.ErrIdentityNotFound)
}

func TestIngestMalformedMACFallsBackToIP(t *testing.T) {
	f := newFixture(t)

	hb, err := f.services.Heartbeats.Ingest(context.Background(), core.HeartbeatInput{IPAddress: "10.0.0.9", MACAddress: "not-a-mac"}, core.TransportHTTP)
	require.NoError(t, err)
	assert.Equal(t, "ip:10.0.0.9", hb.Identity)
	assert.Nil(t, hb.MACAddress)

	devices, err := f.store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}
