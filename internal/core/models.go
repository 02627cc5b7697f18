// services/branchops/internal/core/models.go
package core

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Heartbeat is an immutable liveness ping from a recording device.
// Identity is resolved once at ingest time and never rewritten.
type Heartbeat struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Identity   string    `json:"identity" gorm:"size:64;not null;index:idx_heartbeat_identity_time,priority:1"`
	IPAddress  string    `json:"ip_address" gorm:"size:45;not null"`
	MACAddress *string   `json:"mac_address" gorm:"size:17;index"`
	ReceivedAt time.Time `json:"received_at" gorm:"not null;index;index:idx_heartbeat_identity_time,priority:2"`
}

// Device is a registry entry for a physical recorder.
// DeviceStatus is operator-set and independent of the heartbeat-derived status.
type Device struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	DeviceName   string    `json:"device_name" gorm:"size:128;not null"`
	DeviceMAC    *string   `json:"device_mac" gorm:"size:17;uniqueIndex"`
	IPAddress    *string   `json:"ip_address" gorm:"size:45;uniqueIndex"`
	DeviceType   string    `json:"device_type" gorm:"size:64;not null;default:recorder"`
	DeviceStatus string    `json:"device_status" gorm:"size:16;not null;default:inactive"`
	Notes        string    `json:"notes"`
	CreatedOn    time.Time `json:"created_on" gorm:"autoCreateTime"`
	UpdatedOn    time.Time `json:"updated_on" gorm:"autoUpdateTime"`
}

// Identity returns the key heartbeats from this device are grouped under.
func (d *Device) Identity() Identity {
	return ResolveIdentity(deref(d.DeviceMAC), deref(d.IPAddress))
}

// Branch is a bank branch. Branches are deactivated, never removed.
type Branch struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	BranchCode    string    `json:"branch_code" gorm:"size:32;uniqueIndex;not null"`
	BranchName    string    `json:"branch_name" gorm:"size:128;not null"`
	BranchCity    string    `json:"branch_city" gorm:"size:64"`
	BranchAddress string    `json:"branch_address"`
	Region        string    `json:"region" gorm:"size:64"`
	ContactPhone  string    `json:"contact_phone" gorm:"size:32"`
	ContactEmail  string    `json:"contact_email" gorm:"size:128"`
	IsActive      bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedOn     time.Time `json:"created_on" gorm:"autoCreateTime"`
	UpdatedOn     time.Time `json:"updated_on" gorm:"autoUpdateTime"`
}

// Deployment links exactly one device, one branch and one user.
type Deployment struct {
	UUID      string    `json:"uuid" gorm:"primaryKey;size:36"`
	DeviceID  uint      `json:"device_id" gorm:"not null;uniqueIndex"`
	BranchID  uint      `json:"branch_id" gorm:"not null;uniqueIndex"`
	UserID    string    `json:"user_id" gorm:"size:36;not null;uniqueIndex"`
	CreatedOn time.Time `json:"created_on" gorm:"autoCreateTime"`
	UpdatedOn time.Time `json:"updated_on" gorm:"autoUpdateTime"`
}

// User is a dashboard account. BranchID and BranchCity are resolved through the
// deployment and are not stored on the row.
type User struct {
	UUID         string    `json:"uuid" gorm:"primaryKey;size:36"`
	EmpName      string    `json:"emp_name" gorm:"size:128;not null"`
	Username     string    `json:"username" gorm:"size:64;uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	Role         Role      `json:"role" gorm:"size:16;not null;default:user"`
	Email        string    `json:"email" gorm:"size:128"`
	Phone        string    `json:"phone" gorm:"size:32"`
	Designation  string    `json:"designation" gorm:"size:64"`
	IsActive     bool      `json:"is_active" gorm:"not null"`
	CreatedOn    time.Time `json:"created_on" gorm:"autoCreateTime"`
	UpdatedOn    time.Time `json:"updated_on" gorm:"autoUpdateTime"`
	BranchID     *uint     `json:"branch_id" gorm:"-"`
	BranchCity   string    `json:"branch_city,omitempty" gorm:"-"`
}

// Recording is metadata for a captured voice session. Status and
// DurationSeconds are derived at read time.
type Recording struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	Identity        string     `json:"-" gorm:"size:64;not null;index"`
	CNIC            string     `json:"cnic" gorm:"size:15;not null;index"`
	StartTime       time.Time  `json:"start_time" gorm:"not null;index"`
	EndTime         *time.Time `json:"end_time"`
	FileName        *string    `json:"file_name" gorm:"size:255"`
	IPAddress       string     `json:"ip_address" gorm:"size:45;not null"`
	MACAddress      *string    `json:"mac_address" gorm:"size:17"`
	CreatedOn       time.Time  `json:"created_on" gorm:"autoCreateTime"`
	DurationSeconds *int64     `json:"duration_seconds" gorm:"-"`
	Status          string     `json:"status" gorm:"-"`
}

// Complaint is a customer complaint raised at a branch.
type Complaint struct {
	ComplaintID   uint      `json:"complaint_id" gorm:"primaryKey;column:complaint_id"`
	BranchID      uint      `json:"branch_id" gorm:"not null;index"`
	BranchName    string    `json:"branch_name" gorm:"size:128"`
	Timestamp     time.Time `json:"timestamp" gorm:"not null"`
	CustomerData  JSONBlob  `json:"customer_data" gorm:"type:jsonb"`
	ComplaintText string    `json:"complaint_text" gorm:"not null"`
	Status        string    `json:"status" gorm:"size:16;not null;default:pending;index"`
	Priority      string    `json:"priority" gorm:"size:16;not null;default:medium;index"`
	CreatedOn     time.Time `json:"created_on" gorm:"autoCreateTime"`
	UpdatedOn     time.Time `json:"updated_on" gorm:"autoUpdateTime"`
}

// Contact is a branch contact person.
type Contact struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	BranchID    uint      `json:"branch_id" gorm:"not null;index"`
	Name        string    `json:"name" gorm:"size:128;not null"`
	Designation string    `json:"designation" gorm:"size:64"`
	Phone       string    `json:"phone" gorm:"size:32"`
	Email       string    `json:"email" gorm:"size:128"`
	Notes       string    `json:"notes"`
	CreatedOn   time.Time `json:"created_on" gorm:"autoCreateTime"`
	UpdatedOn   time.Time `json:"updated_on" gorm:"autoUpdateTime"`
}

// PasswordResetToken is a single-use credential for resetting a password.
type PasswordResetToken struct {
	Token     string     `json:"-" gorm:"primaryKey;size:36"`
	UserID    string     `json:"user_id" gorm:"size:36;not null;index"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"not null"`
	UsedAt    *time.Time `json:"used_at"`
	CreatedOn time.Time  `json:"created_on" gorm:"autoCreateTime"`
}

// TableName overrides for GORM
func (Heartbeat) TableName() string          { return "heartbeat" }
func (Device) TableName() string             { return "devices" }
func (Branch) TableName() string             { return "branches" }
func (Deployment) TableName() string         { return "link_device_branch_user" }
func (User) TableName() string               { return "users" }
func (Recording) TableName() string          { return "recordings" }
func (Complaint) TableName() string          { return "complaints" }
func (Contact) TableName() string            { return "contacts" }
func (PasswordResetToken) TableName() string { return "password_reset_tokens" }

// AllModels lists every persisted model in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Branch{},
		&Device{},
		&User{},
		&Deployment{},
		&Heartbeat{},
		&Recording{},
		&Complaint{},
		&Contact{},
		&PasswordResetToken{},
	}
}

// JSONBlob stores arbitrary JSON in a jsonb column.
type JSONBlob json.RawMessage

// Value implements driver.Valuer.
func (j JSONBlob) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	if !json.Valid(j) {
		return nil, errors.New("customer_data is not valid JSON")
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONBlob) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONBlob(v)
	default:
		return errors.New("unsupported customer_data type")
	}
	return nil
}

// MarshalJSON keeps the blob verbatim.
func (j JSONBlob) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON keeps the blob verbatim.
func (j *JSONBlob) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Constants for business processes
const (
	// Operator-set device statuses
	DeviceStatusActive      = "active"
	DeviceStatusInactive    = "inactive"
	DeviceStatusMaintenance = "maintenance"

	DeviceTypeRecorder = "recorder"

	// Complaint statuses
	ComplaintPending    = "pending"
	ComplaintInProgress = "in_progress"
	ComplaintResolved   = "resolved"
	ComplaintClosed     = "closed"

	// Complaint priorities
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"

	// Derived recording statuses
	RecordingCompleted  = "completed"
	RecordingInProgress = "in_progress"
	RecordingFailed     = "failed"

	// Branch label for devices without a deployment
	UnassignedBranch = "unassigned"
)

var (
	deviceStatuses      = []string{DeviceStatusActive, DeviceStatusInactive, DeviceStatusMaintenance}
	complaintStatuses   = []string{ComplaintPending, ComplaintInProgress, ComplaintResolved, ComplaintClosed}
	complaintPriorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
)

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
