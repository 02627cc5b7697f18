package core_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/core/memstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: make(map[string]string)} }

func (c *memCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []core.Event
}

func (p *capturePublisher) Publish(_ context.Context, e core.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) ofType(t string) []core.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []core.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	store    *memstore.Store
	clock    *fakeClock
	cache    *memCache
	events   *capturePublisher
	services *core.ServiceRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  memstore.New(),
		clock:  &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		cache:  newMemCache(),
		events: &capturePublisher{},
	}
	f.services = core.NewServiceRegistry(core.Dependencies{
		Store:         f.store,
		Cache:         f.cache,
		Events:        f.events,
		Policy:        core.DefaultStatusPolicy(),
		BcryptCost:    bcrypt.MinCost,
		ResetTokenTTL: 30 * time.Minute,
		Logger:        quietLogger(),
		Clock:         f.clock.Now,
	})
	return f
}

func (f *fixture) branch(t *testing.T, code string) *core.Branch {
	t.Helper()
	b := &core.Branch{BranchCode: code, BranchName: "Branch " + code, BranchCity: "Lahore"}
	require.NoError(t, f.services.Branches.CreateBranch(context.Background(), b))
	return b
}

func (f *fixture) device(t *testing.T, mac string) *core.Device {
	t.Helper()
	d := &core.Device{DeviceName: "Recorder " + mac, DeviceMAC: &mac}
	require.NoError(t, f.services.Devices.CreateDevice(context.Background(), d))
	return d
}

func (f *fixture) user(t *testing.T, username string, role core.Role) *core.User {
	t.Helper()
	u, err := f.services.Users.CreateUser(context.Background(), core.UserInput{
		EmpName:  "Emp " + username,
		Username: username,
		Password: "s3cret-pass",
		Role:     role,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) deploy(t *testing.T, d *core.Device, b *core.Branch, u *core.User) *core.Deployment {
	t.Helper()
	dep, err := f.services.Deployments.CreateDeployment(context.Background(), core.DeploymentInput{
		DeviceID: d.ID,
		BranchID: b.ID,
		UserID:   u.UUID,
	})
	require.NoError(t, err)
	return dep
}

func (f *fixture) heartbeat(t *testing.T, mac, ip string) {
	t.Helper()
	_, err := f.services.Heartbeats.Ingest(context.Background(), core.HeartbeatInput{IPAddress: ip, MACAddress: mac}, core.TransportHTTP)
	require.NoError(t, err)
}

func (f *fixture) scopeFor(t *testing.T, u *core.User) core.Scope {
	t.Helper()
	scope, err := core.ResolveScope(context.Background(), f.store, u.UUID, u.Role)
	require.NoError(t, err)
	return scope
}
