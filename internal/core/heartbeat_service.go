package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/branchops/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Heartbeat transports.
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

// HeartbeatInput is the payload a device sends.
type HeartbeatInput struct {
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address"`
}

// DeviceHeartbeatStatus is one row of the status listing.
type DeviceHeartbeatStatus struct {
	Identity      string       `json:"identity"`
	MACAddress    *string      `json:"mac_address"`
	IPAddress     string       `json:"ip_address"`
	DeviceID      *uint        `json:"device_id"`
	DeviceName    string       `json:"device_name,omitempty"`
	BranchID      *uint        `json:"branch_id"`
	BranchName    string       `json:"branch_name"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	MinutesSince  int64        `json:"minutes_since"`
	Status        DeviceStatus `json:"status"`
	Heartbeats24h int64        `json:"heartbeats_24h"`
	Uptime        string       `json:"uptime"`
}

// StatusSummary counts listing rows per derived status.
type StatusSummary struct {
	Online      int `json:"online"`
	Problematic int `json:"problematic"`
	Offline     int `json:"offline"`
	Total       int `json:"total"`
}

func (s *StatusSummary) add(status DeviceStatus) {
	s.Total++
	switch status {
	case StatusOnline:
		s.Online++
	case StatusProblematic:
		s.Problematic++
	default:
		s.Offline++
	}
}

// HeartbeatListing is the branch-scoped status view.
type HeartbeatListing struct {
	Devices     []DeviceHeartbeatStatus `json:"devices"`
	Summary     StatusSummary           `json:"summary"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// --- Heartbeat Service Implementation ---

type HeartbeatService struct {
	store  DataStore
	known  KnownSet
	events EventPublisher
	policy StatusPolicy
	logger *logrus.Logger
	now    func() time.Time
}

func NewHeartbeatService(store DataStore, known KnownSet, events EventPublisher, policy StatusPolicy, logger *logrus.Logger) *HeartbeatService {
	if known == nil {
		known = nopKnownSet{}
	}
	if events == nil {
		events = nopPublisher{}
	}
	if policy == (StatusPolicy{}) {
		policy = DefaultStatusPolicy()
	}
	return &HeartbeatService{
		store:  store,
		known:  known,
		events: events,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Policy returns the thresholds used for status derivation.
func (s *HeartbeatService) Policy() StatusPolicy { return s.policy }

// Ingest persists one heartbeat and registers its MAC in the device directory
// the first time it is seen.
func (s *HeartbeatService) Ingest(ctx context.Context, in HeartbeatInput, transport string) (*Heartbeat, error) {
	ip := strings.TrimSpace(in.IPAddress)
	if ip == "" {
		metrics.HeartbeatsRejectedTotal.WithLabelValues(transport, "validation").Inc()
		return nil, ErrIPAddressRequired
	}

	mac, err := NormalizeMAC(in.MACAddress)
	if err != nil {
		// Ingest only requires an IP; the heartbeat falls back to the IP identity.
		mac = ""
		s.logger.WithFields(logrus.Fields{
			"ip_address":  ip,
			"mac_address": in.MACAddress,
		}).Warn("Heartbeat carries a malformed MAC address")
	}

	identity := ResolveIdentity(mac, ip)
	hb := &Heartbeat{
		Identity:   identity.Key,
		IPAddress:  ip,
		MACAddress: strPtr(mac),
		ReceivedAt: s.now().UTC(),
	}

	if err := s.store.CreateHeartbeat(ctx, hb); err != nil {
		metrics.HeartbeatsRejectedTotal.WithLabelValues(transport, "storage").Inc()
		return nil, fmt.Errorf("failed to store heartbeat: %w", err)
	}
	metrics.HeartbeatsIngestedTotal.WithLabelValues(transport).Inc()

	// The heartbeat is already stored. A failed registration is retried on
	// the next heartbeat from this MAC, since it is not marked known.
	if mac != "" && !s.known.Contains(mac) {
		if err := s.registerDevice(ctx, mac); err != nil {
			s.logger.WithError(err).WithField("mac_address", mac).Error("Device auto-registration failed")
		}
	}

	return hb, nil
}

func (s *HeartbeatService) registerDevice(ctx context.Context, mac string) error {
	device := &Device{
		DeviceName:   GeneratedDeviceName(mac),
		DeviceMAC:    &mac,
		DeviceType:   DeviceTypeRecorder,
		DeviceStatus: DeviceStatusInactive,
		Notes:        "registered automatically from first heartbeat",
	}

	created, err := s.store.RegisterDeviceIfAbsent(ctx, device)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	s.known.Add(mac)

	if !created {
		return nil
	}

	metrics.DevicesAutoRegisteredTotal.Inc()
	s.logger.WithFields(logrus.Fields{
		"device_id":   device.ID,
		"device_mac":  mac,
		"device_name": device.DeviceName,
	}).Info("Device registered from heartbeat")

	event := Event{
		Type:       EventDeviceRegistered,
		Subject:    mac,
		OccurredAt: s.now().UTC(),
		Data:       device,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithField("device_mac", mac).Warn("Failed to publish device registration")
	}
	return nil
}

// ListStatuses returns every identity with at least one heartbeat that scope
// may see, with its derived status and uptime estimate.
func (s *HeartbeatService) ListStatuses(ctx context.Context, scope Scope) (*HeartbeatListing, error) {
	dir, err := loadDirectory(ctx, s.store)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summaries, err := s.store.HeartbeatSummaries(ctx, now.Add(-s.policy.UptimeWindow), dir.identities(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to load heartbeat summaries: %w", err)
	}

	listing := &HeartbeatListing{
		Devices:     make([]DeviceHeartbeatStatus, 0, len(summaries)),
		GeneratedAt: now.UTC(),
	}
	for _, sum := range summaries {
		if !dir.visible(scope, sum.Identity) {
			continue
		}
		row := s.statusRow(dir, sum, now)
		listing.Summary.add(row.Status)
		listing.Devices = append(listing.Devices, row)
	}

	if scope.IsAdmin() {
		metrics.SetDeviceStatus(listing.Summary.Online, listing.Summary.Problematic, listing.Summary.Offline)
	}

	return listing, nil
}

func (s *HeartbeatService) statusRow(dir *directory, sum HeartbeatSummary, now time.Time) DeviceHeartbeatStatus {
	device, branch := dir.resolve(sum.Identity)
	branchID, branchName := branchRef(branch)

	row := DeviceHeartbeatStatus{
		Identity:      sum.Identity,
		MACAddress:    sum.MACAddress,
		IPAddress:     sum.IPAddress,
		BranchID:      branchID,
		BranchName:    branchName,
		LastHeartbeat: sum.LastHeartbeat.UTC(),
		MinutesSince:  MinutesSince(sum.LastHeartbeat, now),
		Status:        s.policy.Derive(sum.LastHeartbeat, now),
		Heartbeats24h: sum.RecentCount,
		Uptime:        FormatUptime(s.policy.Uptime(sum.RecentCount)),
	}
	if device != nil {
		id := device.ID
		row.DeviceID = &id
		row.DeviceName = device.DeviceName
	}
	return row
}

// History returns the latest raw heartbeats of one identity.
func (s *HeartbeatService) History(ctx context.Context, scope Scope, identity string, limit int) ([]*Heartbeat, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	if !scope.IsAdmin() {
		dir, err := loadDirectory(ctx, s.store)
		if err != nil {
			return nil, err
		}
		if !dir.visible(scope, identity) {
			return nil, ErrIdentityNotFound
		}
	}

	hbs, err := s.store.ListHeartbeats(ctx, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	if len(hbs) == 0 {
		return nil, ErrIdentityNotFound
	}
	return hbs, nil
}
