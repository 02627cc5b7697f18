package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HeartbeatSummary is the latest heartbeat of one identity plus the number of
// heartbeats received inside the uptime window.
type HeartbeatSummary struct {
	Identity      string    `gorm:"column:identity"`
	MACAddress    *string   `gorm:"column:mac_address"`
	IPAddress     string    `gorm:"column:ip_address"`
	LastHeartbeat time.Time `gorm:"column:last_heartbeat"`
	RecentCount   int64     `gorm:"column:recent_count"`
}

// IdentityFilter restricts a query to a set of identities. The zero value
// matches everything; a restricted filter with no keys matches nothing.
type IdentityFilter struct {
	Restricted bool
	Keys       []string
}

// AllIdentities matches every identity.
var AllIdentities = IdentityFilter{}

// OnlyIdentities matches exactly keys.
func OnlyIdentities(keys ...string) IdentityFilter {
	return IdentityFilter{Restricted: true, Keys: keys}
}

// Empty reports whether the filter can never match.
func (f IdentityFilter) Empty() bool { return f.Restricted && len(f.Keys) == 0 }

// Match reports whether key passes the filter.
func (f IdentityFilter) Match(key string) bool {
	if !f.Restricted {
		return true
	}
	for _, k := range f.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// RecordingFilter selects a page of recordings.
type RecordingFilter struct {
	Identities IdentityFilter
	CNIC       string
	Offset     int
	Limit      int
}

// ComplaintFilter selects a page of complaints.
type ComplaintFilter struct {
	BranchID *uint
	Status   string
	Priority string
	Offset   int
	Limit    int
}

// DailyCount is one bucket of a per-day histogram.
type DailyCount struct {
	Day   time.Time `json:"day" gorm:"column:day"`
	Count int64     `json:"count" gorm:"column:count"`
}

// DuplicateError is returned when a unique constraint rejects a write.
type DuplicateError struct {
	Constraint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate key violates %s", e.Constraint)
}

// Is makes DuplicateError match ErrDuplicate.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// DataStore defines the data access operations of the service.
type DataStore interface {
	// Heartbeat operations
	CreateHeartbeat(ctx context.Context, hb *Heartbeat) error
	HeartbeatSummaries(ctx context.Context, since time.Time, filter IdentityFilter) ([]HeartbeatSummary, error)
	ListHeartbeats(ctx context.Context, identity string, limit int) ([]*Heartbeat, error)

	// Device operations
	RegisterDeviceIfAbsent(ctx context.Context, device *Device) (bool, error)
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id uint) (*Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	DeleteDevice(ctx context.Context, id uint) error

	// Branch operations
	CreateBranch(ctx context.Context, branch *Branch) error
	UpdateBranch(ctx context.Context, branch *Branch) error
	GetBranch(ctx context.Context, id uint) (*Branch, error)
	ListBranches(ctx context.Context, includeInactive bool) ([]*Branch, error)

	// User operations
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id string) error

	// Deployment operations
	CreateDeployment(ctx context.Context, dep *Deployment) error
	UpdateDeployment(ctx context.Context, dep *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	GetDeploymentByDevice(ctx context.Context, deviceID uint) (*Deployment, error)
	GetDeploymentByBranch(ctx context.Context, branchID uint) (*Deployment, error)
	GetDeploymentByUser(ctx context.Context, userID string) (*Deployment, error)
	ListDeployments(ctx context.Context) ([]*Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error

	// Recording operations
	CreateRecording(ctx context.Context, rec *Recording) error
	ListRecordings(ctx context.Context, filter RecordingFilter) ([]*Recording, int64, error)
	GetRecordingByFileName(ctx context.Context, name string) (*Recording, error)
	RecordingsPerDay(ctx context.Context, since time.Time, filter IdentityFilter) ([]DailyCount, error)

	// Complaint operations
	CreateComplaint(ctx context.Context, c *Complaint) error
	UpdateComplaint(ctx context.Context, c *Complaint) error
	GetComplaint(ctx context.Context, id uint) (*Complaint, error)
	ListComplaints(ctx context.Context, filter ComplaintFilter) ([]*Complaint, int64, error)
	DeleteComplaint(ctx context.Context, id uint) error
	CountComplaintsBy(ctx context.Context, field string, branchID *uint) (map[string]int64, error)

	// Contact operations
	CreateContact(ctx context.Context, c *Contact) error
	UpdateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id uint) (*Contact, error)
	ListContacts(ctx context.Context, branchID *uint) ([]*Contact, error)
	DeleteContact(ctx context.Context, id uint) error

	// Password reset operations
	CreateResetToken(ctx context.Context, token *PasswordResetToken) error
	ConsumeResetToken(ctx context.Context, token string, now time.Time) (*PasswordResetToken, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error

	Ping(ctx context.Context) error
}

// repository depends on the generic *gorm.DB, not a concrete type from infrastructure.
type repository struct {
	db *gorm.DB
}

// NewDataStore accepts a *gorm.DB, inverting the dependency.
func NewDataStore(db *gorm.DB) DataStore {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &repository{db: tx})
	})
}

func (r *repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translate maps driver errors onto the package's sentinel errors.
func translate(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &DuplicateError{Constraint: pgErr.ConstraintName}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &DuplicateError{}
	}
	return err
}

// --- Heartbeats ---

func (r *repository) CreateHeartbeat(ctx context.Context, hb *Heartbeat) error {
	return translate(r.db.WithContext(ctx).Create(hb).Error, nil)
}

func (r *repository) HeartbeatSummaries(ctx context.Context, since time.Time, filter IdentityFilter) ([]HeartbeatSummary, error) {
	if filter.Empty() {
		return nil, nil
	}

	latestWhere, recentWhere := "", ""
	latestArgs := []interface{}{}
	recentArgs := []interface{}{since}
	if filter.Restricted {
		latestWhere = "WHERE identity IN ?"
		recentWhere = "AND identity IN ?"
		latestArgs = append(latestArgs, filter.Keys)
		recentArgs = append(recentArgs, filter.Keys)
	}

	query := `
SELECT l.identity, l.mac_address, l.ip_address, l.received_at AS last_heartbeat,
       COALESCE(r.recent_count, 0) AS recent_count
FROM (
    SELECT DISTINCT ON (identity) identity, mac_address, ip_address, received_at
    FROM heartbeat ` + latestWhere + `
    ORDER BY identity, received_at DESC, id DESC
) l
LEFT JOIN (
    SELECT identity, COUNT(*) AS recent_count
    FROM heartbeat
    WHERE received_at >= ? ` + recentWhere + `
    GROUP BY identity
) r ON r.identity = l.identity
ORDER BY l.received_at DESC, l.identity`

	var rows []HeartbeatSummary
	err := r.db.WithContext(ctx).Raw(query, append(latestArgs, recentArgs...)...).Scan(&rows).Error
	return rows, translate(err, nil)
}

func (r *repository) ListHeartbeats(ctx context.Context, identity string, limit int) ([]*Heartbeat, error) {
	var hbs []*Heartbeat
	q := r.db.WithContext(ctx).Where("identity = ?", identity).Order("received_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return hbs, translate(q.Find(&hbs).Error, nil)
}

// --- Devices ---

// RegisterDeviceIfAbsent inserts device unless its MAC is already registered.
// The unique index on device_mac decides; concurrent callers never both win.
func (r *repository) RegisterDeviceIfAbsent(ctx context.Context, d *Device) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "device_mac"}}, DoNothing: true}).
		Create(d)
	if res.Error != nil {
		return false, translate(res.Error, nil)
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	return translate(r.db.WithContext(ctx).Create(d).Error, nil)
}

func (r *repository) UpdateDevice(ctx context.Context, d *Device) error {
	res := r.db.WithContext(ctx).Model(d).Select("*").Omit("id", "created_on").Updates(d)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return translate(res.Error, ErrDeviceNotFound)
}

func (r *repository) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var d Device
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, translate(err, ErrDeviceNotFound)
	}
	return &d, nil
}

func (r *repository) GetDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	var d Device
	if err := r.db.WithContext(ctx).Where("device_mac = ?", mac).First(&d).Error; err != nil {
		return nil, translate(err, ErrDeviceNotFound)
	}
	return &d, nil
}

func (r *repository) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	return devices, translate(r.db.WithContext(ctx).Order("id").Find(&devices).Error, nil)
}

func (r *repository) DeleteDevice(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&Device{}, id)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return translate(res.Error, ErrDeviceNotFound)
}

// --- Branches ---

func (r *repository) CreateBranch(ctx context.Context, b *Branch) error {
	return translate(r.db.WithContext(ctx).Create(b).Error, nil)
}

func (r *repository) UpdateBranch(ctx context.Context, b *Branch) error {
	res := r.db.WithContext(ctx).Model(b).Select("*").Omit("id", "created_on").Updates(b)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrBranchNotFound
	}
	return translate(res.Error, ErrBranchNotFound)
}

func (r *repository) GetBranch(ctx context.Context, id uint) (*Branch, error) {
	var b Branch
	if err := r.db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, translate(err, ErrBranchNotFound)
	}
	return &b, nil
}

func (r *repository) ListBranches(ctx context.Context, includeInactive bool) ([]*Branch, error) {
	var branches []*Branch
	q := r.db.WithContext(ctx).Order("branch_name")
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	return branches, translate(q.Find(&branches).Error, nil)
}

// --- Users ---

func (r *repository) CreateUser(ctx context.Context, u *User) error {
	return translate(r.db.WithContext(ctx).Create(u).Error, nil)
}

func (r *repository) UpdateUser(ctx context.Context, u *User) error {
	res := r.db.WithContext(ctx).Model(u).Select("*").Omit("uuid", "created_on").Updates(u)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return translate(res.Error, ErrUserNotFound)
}

func (r *repository) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where("uuid = ?", id).First(&u).Error; err != nil {
		return nil, translate(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, translate(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *repository) ListUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	return users, translate(r.db.WithContext(ctx).Order("emp_name").Find(&users).Error, nil)
}

func (r *repository) DeleteUser(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("uuid = ?", id).Delete(&User{})
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return translate(res.Error, ErrUserNotFound)
}

// --- Deployments ---

func (r *repository) CreateDeployment(ctx context.Context, d *Deployment) error {
	return translate(r.db.WithContext(ctx).Create(d).Error, nil)
}

func (r *repository) UpdateDeployment(ctx context.Context, d *Deployment) error {
	res := r.db.WithContext(ctx).Model(d).Select("device_id", "branch_id", "user_id", "updated_on").Updates(d)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrDeploymentNotFound
	}
	return translate(res.Error, ErrDeploymentNotFound)
}

func (r *repository) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	return r.findDeployment(ctx, "uuid = ?", id)
}

func (r *repository) GetDeploymentByDevice(ctx context.Context, deviceID uint) (*Deployment, error) {
	return r.findDeployment(ctx, "device_id = ?", deviceID)
}

func (r *repository) GetDeploymentByBranch(ctx context.Context, branchID uint) (*Deployment, error) {
	return r.findDeployment(ctx, "branch_id = ?", branchID)
}

func (r *repository) GetDeploymentByUser(ctx context.Context, userID string) (*Deployment, error) {
	return r.findDeployment(ctx, "user_id = ?", userID)
}

func (r *repository) findDeployment(ctx context.Context, where string, arg interface{}) (*Deployment, error) {
	var d Deployment
	if err := r.db.WithContext(ctx).Where(where, arg).First(&d).Error; err != nil {
		return nil, translate(err, ErrDeploymentNotFound)
	}
	return &d, nil
}

func (r *repository) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	var deps []*Deployment
	return deps, translate(r.db.WithContext(ctx).Order("created_on").Find(&deps).Error, nil)
}

func (r *repository) DeleteDeployment(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("uuid = ?", id).Delete(&Deployment{})
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrDeploymentNotFound
	}
	return translate(res.Error, ErrDeploymentNotFound)
}

// --- Recordings ---

func (r *repository) CreateRecording(ctx context.Context, rec *Recording) error {
	return translate(r.db.WithContext(ctx).Create(rec).Error, nil)
}

func (r *repository) ListRecordings(ctx context.Context, f RecordingFilter) ([]*Recording, int64, error) {
	if f.Identities.Empty() {
		return nil, 0, nil
	}

	q := r.db.WithContext(ctx).Model(&Recording{})
	if f.Identities.Restricted {
		q = q.Where("identity IN ?", f.Identities.Keys)
	}
	if f.CNIC != "" {
		q = q.Where("cnic LIKE ?", "%"+f.CNIC+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, nil)
	}

	var recs []*Recording
	err := q.Order("start_time DESC, id DESC").Offset(f.Offset).Limit(f.Limit).Find(&recs).Error
	return recs, total, translate(err, nil)
}

func (r *repository) GetRecordingByFileName(ctx context.Context, name string) (*Recording, error) {
	var rec Recording
	err := r.db.WithContext(ctx).Where("file_name = ?", name).First(&rec).Error
	if err != nil {
		return nil, translate(err, ErrAudioNotFound)
	}
	return &rec, nil
}

func (r *repository) RecordingsPerDay(ctx context.Context, since time.Time, filter IdentityFilter) ([]DailyCount, error) {
	if filter.Empty() {
		return nil, nil
	}
	q := r.db.WithContext(ctx).Model(&Recording{}).
		Select("date_trunc('day', start_time) AS day, COUNT(*) AS count").
		Where("start_time >= ?", since)
	if filter.Restricted {
		q = q.Where("identity IN ?", filter.Keys)
	}
	var rows []DailyCount
	err := q.Group("day").Order("day").Scan(&rows).Error
	return rows, translate(err, nil)
}

// --- Complaints ---

func (r *repository) CreateComplaint(ctx context.Context, c *Complaint) error {
	return translate(r.db.WithContext(ctx).Create(c).Error, nil)
}

func (r *repository) UpdateComplaint(ctx context.Context, c *Complaint) error {
	res := r.db.WithContext(ctx).Model(c).Select("*").Omit("complaint_id", "created_on").Updates(c)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrComplaintNotFound
	}
	return translate(res.Error, ErrComplaintNotFound)
}

func (r *repository) GetComplaint(ctx context.Context, id uint) (*Complaint, error) {
	var c Complaint
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err, ErrComplaintNotFound)
	}
	return &c, nil
}

func (r *repository) ListComplaints(ctx context.Context, f ComplaintFilter) ([]*Complaint, int64, error) {
	q := r.db.WithContext(ctx).Model(&Complaint{})
	if f.BranchID != nil {
		q = q.Where("branch_id = ?", *f.BranchID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, nil)
	}

	var complaints []*Complaint
	err := q.Order("timestamp DESC, complaint_id DESC").Offset(f.Offset).Limit(f.Limit).Find(&complaints).Error
	return complaints, total, translate(err, nil)
}

func (r *repository) DeleteComplaint(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&Complaint{}, id)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrComplaintNotFound
	}
	return translate(res.Error, ErrComplaintNotFound)
}

func (r *repository) CountComplaintsBy(ctx context.Context, field string, branchID *uint) (map[string]int64, error) {
	if field != "status" && field != "priority" {
		return nil, fmt.Errorf("cannot group complaints by %q", field)
	}

	q := r.db.WithContext(ctx).Model(&Complaint{}).Select(field + " AS key, COUNT(*) AS count")
	if branchID != nil {
		q = q.Where("branch_id = ?", *branchID)
	}

	var rows []struct {
		Key   string
		Count int64
	}
	if err := q.Group(field).Scan(&rows).Error; err != nil {
		return nil, translate(err, nil)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Key] = row.Count
	}
	return counts, nil
}

// --- Contacts ---

func (r *repository) CreateContact(ctx context.Context, c *Contact) error {
	return translate(r.db.WithContext(ctx).Create(c).Error, nil)
}

func (r *repository) UpdateContact(ctx context.Context, c *Contact) error {
	res := r.db.WithContext(ctx).Model(c).Select("*").Omit("id", "created_on").Updates(c)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrContactNotFound
	}
	return translate(res.Error, ErrContactNotFound)
}

func (r *repository) GetContact(ctx context.Context, id uint) (*Contact, error) {
	var c Contact
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err, ErrContactNotFound)
	}
	return &c, nil
}

func (r *repository) ListContacts(ctx context.Context, branchID *uint) ([]*Contact, error) {
	var contacts []*Contact
	q := r.db.WithContext(ctx).Order("name")
	if branchID != nil {
		q = q.Where("branch_id = ?", *branchID)
	}
	return contacts, translate(q.Find(&contacts).Error, nil)
}

func (r *repository) DeleteContact(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&Contact{}, id)
	if res.Error == nil && res.RowsAffected == 0 {
		return ErrContactNotFound
	}
	return translate(res.Error, ErrContactNotFound)
}

// --- Password reset ---

func (r *repository) CreateResetToken(ctx context.Context, t *PasswordResetToken) error {
	return translate(r.db.WithContext(ctx).Create(t).Error, nil)
}

// ConsumeResetToken marks the token used in a single conditional update so a
// token can be redeemed at most once.
func (r *repository) ConsumeResetToken(ctx context.Context, token string, now time.Time) (*PasswordResetToken, error) {
	res := r.db.WithContext(ctx).Model(&PasswordResetToken{}).
		Where("token = ? AND used_at IS NULL AND expires_at > ?", token, now).
		Update("used_at", now)
	if res.Error != nil {
		return nil, translate(res.Error, nil)
	}
	if res.RowsAffected == 0 {
		return nil, ErrResetTokenInvalid
	}

	var t PasswordResetToken
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&t).Error; err != nil {
		return nil, translate(err, ErrResetTokenInvalid)
	}
	return &t, nil
}
