// Package memstore is an in-memory core.DataStore used by tests and by the
// device simulator's dry-run mode. It enforces the same unique keys as the
// PostgreSQL schema. Transactions are serialized but not rolled back.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/branchops/internal/core"
)

// Store implements core.DataStore in memory.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	nextID      uint
	heartbeats  []*core.Heartbeat
	devices     map[uint]*core.Device
	branches    map[uint]*core.Branch
	users       map[string]*core.User
	deployments map[string]*core.Deployment
	recordings  []*core.Recording
	complaints  map[uint]*core.Complaint
	contacts    map[uint]*core.Contact
	tokens      map[string]*core.PasswordResetToken

	faults map[string]error
	now    func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		devices:     make(map[uint]*core.Device),
		branches:    make(map[uint]*core.Branch),
		users:       make(map[string]*core.User),
		deployments: make(map[string]*core.Deployment),
		complaints:  make(map[uint]*core.Complaint),
		contacts:    make(map[uint]*core.Contact),
		tokens:      make(map[string]*core.PasswordResetToken),
		faults:      make(map[string]error),
		now:         time.Now,
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	return s.faults[method]
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

func duplicate(table, column string) error {
	return &core.DuplicateError{Constraint: fmt.Sprintf("idx_%s_%s", table, column)}
}

func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, core.DataStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
}

func (s *Store) Ping(context.Context) error { return nil }

// --- Heartbeats ---

func (s *Store) CreateHeartbeat(_ context.Context, hb *core.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateHeartbeat"); err != nil {
		return err
	}
	hb.ID = s.id()
	cp := *hb
	s.heartbeats = append(s.heartbeats, &cp)
	return nil
}

// HeartbeatCount returns the number of stored heartbeats.
func (s *Store) HeartbeatCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.heartbeats)
}

func (s *Store) HeartbeatSummaries(_ context.Context, since time.Time, filter core.IdentityFilter) ([]core.HeartbeatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("HeartbeatSummaries"); err != nil {
		return nil, err
	}
	if filter.Empty() {
		return nil, nil
	}

	latest := make(map[string]*core.Heartbeat)
	counts := make(map[string]int64)
	for _, hb := range s.heartbeats {
		if !filter.Match(hb.Identity) {
			continue
		}
		if cur, ok := latest[hb.Identity]; !ok || newer(hb, cur) {
			latest[hb.Identity] = hb
		}
		if !hb.ReceivedAt.Before(since) {
			counts[hb.Identity]++
		}
	}

	rows := make([]core.HeartbeatSummary, 0, len(latest))
	for identity, hb := range latest {
		rows = append(rows, core.HeartbeatSummary{
			Identity:      identity,
			MACAddress:    hb.MACAddress,
			IPAddress:     hb.IPAddress,
			LastHeartbeat: hb.ReceivedAt,
			RecentCount:   counts[identity],
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastHeartbeat.Equal(rows[j].LastHeartbeat) {
			return rows[i].LastHeartbeat.After(rows[j].LastHeartbeat)
		}
		return rows[i].Identity < rows[j].Identity
	})
	return rows, nil
}

func newer(a, b *core.Heartbeat) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.ID > b.ID
}

func (s *Store) ListHeartbeats(_ context.Context, identity string, limit int) ([]*core.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Heartbeat
	for _, hb := range s.heartbeats {
		if hb.Identity == identity {
			cp := *hb
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Devices ---

func (s *Store) RegisterDeviceIfAbsent(_ context.Context, d *core.Device) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RegisterDeviceIfAbsent"); err != nil {
		return false, err
	}
	if d.DeviceMAC != nil && s.deviceByMAC(*d.DeviceMAC) != nil {
		return false, nil
	}
	if err := s.insertDevice(d); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreateDevice(_ context.Context, d *core.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertDevice(d)
}

func (s *Store) insertDevice(d *core.Device) error {
	if err := s.checkDeviceKeys(d, 0); err != nil {
		return err
	}
	d.ID = s.id()
	d.CreatedOn = s.now()
	d.UpdatedOn = d.CreatedOn
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *Store) checkDeviceKeys(d *core.Device, self uint) error {
	for _, other := range s.devices {
		if other.ID == self {
			continue
		}
		if d.DeviceMAC != nil && other.DeviceMAC != nil && *d.DeviceMAC == *other.DeviceMAC {
			return duplicate("devices", "device_mac")
		}
		if d.IPAddress != nil && other.IPAddress != nil && *d.IPAddress == *other.IPAddress {
			return duplicate("devices", "ip_address")
		}
	}
	return nil
}

func (s *Store) deviceByMAC(mac string) *core.Device {
	for _, d := range s.devices {
		if d.DeviceMAC != nil && *d.DeviceMAC == mac {
			return d
		}
	}
	return nil
}

func (s *Store) UpdateDevice(_ context.Context, d *core.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; !ok {
		return core.ErrDeviceNotFound
	}
	if err := s.checkDeviceKeys(d, d.ID); err != nil {
		return err
	}
	d.UpdatedOn = s.now()
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *Store) GetDevice(_ context.Context, id uint) (*core.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, core.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) GetDeviceByMAC(_ context.Context, mac string) (*core.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.deviceByMAC(mac)
	if d == nil {
		return nil, core.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDevices(context.Context) ([]*core.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteDevice(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return core.ErrDeviceNotFound
	}
	delete(s.devices, id)
	return nil
}

// --- Branches ---

func (s *Store) CreateBranch(_ context.Context, b *core.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkBranchCode(b, 0); err != nil {
		return err
	}
	b.ID = s.id()
	b.CreatedOn = s.now()
	b.UpdatedOn = b.CreatedOn
	cp := *b
	s.branches[b.ID] = &cp
	return nil
}

func (s *Store) checkBranchCode(b *core.Branch, self uint) error {
	for _, other := range s.branches {
		if other.ID != self && other.BranchCode == b.BranchCode {
			return duplicate("branches", "branch_code")
		}
	}
	return nil
}

func (s *Store) UpdateBranch(_ context.Context, b *core.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[b.ID]; !ok {
		return core.ErrBranchNotFound
	}
	if err := s.checkBranchCode(b, b.ID); err != nil {
		return err
	}
	b.UpdatedOn = s.now()
	cp := *b
	s.branches[b.ID] = &cp
	return nil
}

func (s *Store) GetBranch(_ context.Context, id uint) (*core.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetBranch"); err != nil {
		return nil, err
	}
	b, ok := s.branches[id]
	if !ok {
		return nil, core.ErrBranchNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBranches(_ context.Context, includeInactive bool) ([]*core.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		if b.IsActive || includeInactive {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchName < out[j].BranchName })
	return out, nil
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, u *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsername(u); err != nil {
		return err
	}
	u.CreatedOn = s.now()
	u.UpdatedOn = u.CreatedOn
	cp := *u
	s.users[u.UUID] = &cp
	return nil
}

func (s *Store) checkUsername(u *core.User) error {
	for _, other := range s.users {
		if other.UUID != u.UUID && other.Username == u.Username {
			return duplicate("users", "username")
		}
	}
	return nil
}

func (s *Store) UpdateUser(_ context.Context, u *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UUID]; !ok {
		return core.ErrUserNotFound
	}
	if err := s.checkUsername(u); err != nil {
		return err
	}
	u.UpdatedOn = s.now()
	cp := *u
	cp.BranchID, cp.BranchCity = nil, ""
	s.users[u.UUID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.ErrUserNotFound
}

func (s *Store) ListUsers(context.Context) ([]*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmpName < out[j].EmpName })
	return out, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return core.ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

// --- Deployments ---

func (s *Store) CreateDeployment(_ context.Context, d *core.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDeploymentKeys(d); err != nil {
		return err
	}
	d.CreatedOn = s.now()
	d.UpdatedOn = d.CreatedOn
	cp := *d
	s.deployments[d.UUID] = &cp
	return nil
}

func (s *Store) checkDeploymentKeys(d *core.Deployment) error {
	for _, other := range s.deployments {
		if other.UUID == d.UUID {
			continue
		}
		switch {
		case other.DeviceID == d.DeviceID:
			return duplicate("link_device_branch_user", "device_id")
		case other.BranchID == d.BranchID:
			return duplicate("link_device_branch_user", "branch_id")
		case other.UserID == d.UserID:
			return duplicate("link_device_branch_user", "user_id")
		}
	}
	return nil
}

func (s *Store) UpdateDeployment(_ context.Context, d *core.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.UUID]; !ok {
		return core.ErrDeploymentNotFound
	}
	if err := s.checkDeploymentKeys(d); err != nil {
		return err
	}
	d.UpdatedOn = s.now()
	cp := *d
	s.deployments[d.UUID] = &cp
	return nil
}

func (s *Store) GetDeployment(_ context.Context, id string) (*core.Deployment, error) {
	return s.findDeployment(func(d *core.Deployment) bool { return d.UUID == id })
}

func (s *Store) GetDeploymentByDevice(_ context.Context, deviceID uint) (*core.Deployment, error) {
	return s.findDeployment(func(d *core.Deployment) bool { return d.DeviceID == deviceID })
}

func (s *Store) GetDeploymentByBranch(_ context.Context, branchID uint) (*core.Deployment, error) {
	return s.findDeployment(func(d *core.Deployment) bool { return d.BranchID == branchID })
}

func (s *Store) GetDeploymentByUser(_ context.Context, userID string) (*core.Deployment, error) {
	return s.findDeployment(func(d *core.Deployment) bool { return d.UserID == userID })
}

func (s *Store) findDeployment(match func(*core.Deployment) bool) (*core.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments {
		if match(d) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, core.ErrDeploymentNotFound
}

func (s *Store) ListDeployments(context.Context) ([]*core.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (s *Store) DeleteDeployment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[id]; !ok {
		return core.ErrDeploymentNotFound
	}
	delete(s.deployments, id)
	return nil
}

// --- Recordings ---

func (s *Store) CreateRecording(_ context.Context, r *core.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateRecording"); err != nil {
		return err
	}
	r.ID = s.id()
	r.CreatedOn = s.now()
	cp := *r
	s.recordings = append(s.recordings, &cp)
	return nil
}

func (s *Store) ListRecordings(_ context.Context, f core.RecordingFilter) ([]*core.Recording, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.Identities.Empty() {
		return nil, 0, nil
	}

	var matched []*core.Recording
	for _, r := range s.recordings {
		if !f.Identities.Match(r.Identity) {
			continue
		}
		if f.CNIC != "" && !strings.Contains(r.CNIC, f.CNIC) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	return paginate(matched, f.Offset, f.Limit), total, nil
}

func (s *Store) GetRecordingByFileName(_ context.Context, name string) (*core.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.recordings {
		if r.FileName != nil && *r.FileName == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, core.ErrAudioNotFound
}

func (s *Store) RecordingsPerDay(_ context.Context, since time.Time, filter core.IdentityFilter) ([]core.DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("RecordingsPerDay"); err != nil {
		return nil, err
	}
	if filter.Empty() {
		return nil, nil
	}

	byDay := make(map[time.Time]int64)
	for _, r := range s.recordings {
		if r.StartTime.Before(since) || !filter.Match(r.Identity) {
			continue
		}
		byDay[r.StartTime.UTC().Truncate(24*time.Hour)]++
	}

	out := make([]core.DailyCount, 0, len(byDay))
	for day, n := range byDay {
		out = append(out, core.DailyCount{Day: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// --- Complaints ---

func (s *Store) CreateComplaint(_ context.Context, c *core.Complaint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ComplaintID = s.id()
	c.CreatedOn = s.now()
	c.UpdatedOn = c.CreatedOn
	cp := *c
	s.complaints[c.ComplaintID] = &cp
	return nil
}

func (s *Store) UpdateComplaint(_ context.Context, c *core.Complaint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.complaints[c.ComplaintID]; !ok {
		return core.ErrComplaintNotFound
	}
	c.UpdatedOn = s.now()
	cp := *c
	s.complaints[c.ComplaintID] = &cp
	return nil
}

func (s *Store) GetComplaint(_ context.Context, id uint) (*core.Complaint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.complaints[id]
	if !ok {
		return nil, core.ErrComplaintNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListComplaints(_ context.Context, f core.ComplaintFilter) ([]*core.Complaint, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*core.Complaint
	for _, c := range s.complaints {
		if f.BranchID != nil && c.BranchID != *f.BranchID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Priority != "" && c.Priority != f.Priority {
			continue
		}
		cp := *c
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ComplaintID > matched[j].ComplaintID
	})

	total := int64(len(matched))
	return paginate(matched, f.Offset, f.Limit), total, nil
}

func (s *Store) DeleteComplaint(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.complaints[id]; !ok {
		return core.ErrComplaintNotFound
	}
	delete(s.complaints, id)
	return nil
}

func (s *Store) CountComplaintsBy(_ context.Context, field string, branchID *uint) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("CountComplaintsBy"); err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, c := range s.complaints {
		if branchID != nil && c.BranchID != *branchID {
			continue
		}
		switch field {
		case "status":
			counts[c.Status]++
		case "priority":
			counts[c.Priority]++
		default:
			return nil, fmt.Errorf("cannot group complaints by %q", field)
		}
	}
	return counts, nil
}

// --- Contacts ---

func (s *Store) CreateContact(_ context.Context, c *core.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	c.CreatedOn = s.now()
	c.UpdatedOn = c.CreatedOn
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *Store) UpdateContact(_ context.Context, c *core.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[c.ID]; !ok {
		return core.ErrContactNotFound
	}
	c.UpdatedOn = s.now()
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *Store) GetContact(_ context.Context, id uint) (*core.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, core.ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListContacts(_ context.Context, branchID *uint) ([]*core.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Contact
	for _, c := range s.contacts {
		if branchID != nil && c.BranchID != *branchID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteContact(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[id]; !ok {
		return core.ErrContactNotFound
	}
	delete(s.contacts, id)
	return nil
}

// --- Password reset ---

func (s *Store) CreateResetToken(_ context.Context, t *core.PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.CreatedOn = s.now()
	cp := *t
	s.tokens[t.Token] = &cp
	return nil
}

func (s *Store) ConsumeResetToken(_ context.Context, token string, now time.Time) (*core.PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.UsedAt != nil || !t.ExpiresAt.After(now) {
		return nil, core.ErrResetTokenInvalid
	}
	used := now
	t.UsedAt = &used
	cp := *t
	return &cp, nil
}

// ResetTokens returns the stored reset tokens of a user.
func (s *Store) ResetTokens(userID string) []*core.PasswordResetToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.PasswordResetToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func paginate[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
