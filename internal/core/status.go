// services/branchops/internal/core/status.go
package core

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// DeviceStatus is the heartbeat-derived liveness of a device. It is never persisted.
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "online"
	StatusProblematic DeviceStatus = "problematic"
	StatusOffline     DeviceStatus = "offline"
)

// StatusPolicy holds the thresholds every status computation uses.
type StatusPolicy struct {
	OnlineWithin      time.Duration
	ProblematicWithin time.Duration
	// Nominal time between two heartbeats of a healthy device.
	Interval     time.Duration
	UptimeWindow time.Duration
}

// DefaultStatusPolicy returns the 5m/15m thresholds with 30s heartbeats over 24h.
func DefaultStatusPolicy() StatusPolicy {
	return StatusPolicy{
		OnlineWithin:      5 * time.Minute,
		ProblematicWithin: 15 * time.Minute,
		Interval:          30 * time.Second,
		UptimeWindow:      24 * time.Hour,
	}
}

// Derive maps the age of the most recent heartbeat to a status.
// Boundary ages resolve to the less severe state.
func (p StatusPolicy) Derive(lastHeartbeat, now time.Time) DeviceStatus {
	age := now.Sub(lastHeartbeat)
	switch {
	case age <= p.OnlineWithin:
		return StatusOnline
	case age <= p.ProblematicWithin:
		return StatusProblematic
	default:
		return StatusOffline
	}
}

// Uptime estimates time online from the heartbeat count inside UptimeWindow.
// It assumes one heartbeat per Interval, so missed heartbeats undercount; it is
// not a measured duty cycle. The result is capped at the window length.
func (p StatusPolicy) Uptime(heartbeats int64) time.Duration {
	if heartbeats <= 0 {
		return 0
	}
	d := time.Duration(heartbeats) * p.Interval
	if p.UptimeWindow > 0 && d > p.UptimeWindow {
		return p.UptimeWindow
	}
	return d
}

// FormatUptime renders a duration as "Hh Mm".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Minute)
	return fmt.Sprintf("%dh %dm", total/60, total%60)
}

// MinutesSince returns whole minutes elapsed since t, never negative.
func MinutesSince(t, now time.Time) int64 {
	m := int64(now.Sub(t) / time.Minute)
	if m < 0 {
		return 0
	}
	return m
}

// Identity is the stable key heartbeats, recordings and devices are joined on.
// A MAC always wins; devices without a MAC are keyed by IP and stay distinct
// even if they later report a MAC.
type Identity struct {
	Key string `json:"identity"`
	MAC string `json:"mac_address,omitempty"`
	IP  string `json:"ip_address,omitempty"`
}

const (
	identityMACPrefix = "mac:"
	identityIPPrefix  = "ip:"
)

// ResolveIdentity is the single place device identity is decided.
// mac must already be normalised (see NormalizeMAC).
func ResolveIdentity(mac, ip string) Identity {
	mac = strings.TrimSpace(mac)
	ip = strings.TrimSpace(ip)
	if mac != "" {
		return Identity{Key: identityMACPrefix + mac, MAC: mac, IP: ip}
	}
	if ip != "" {
		return Identity{Key: identityIPPrefix + ip, IP: ip}
	}
	return Identity{}
}

// IsZero reports whether no identity could be resolved.
func (i Identity) IsZero() bool { return i.Key == "" }

// NormalizeMAC returns the upper-case colon-separated form of a 48-bit MAC.
// An empty input yields an empty result.
func NormalizeMAC(mac string) (string, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return "", nil
	}
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		if len(mac) == 12 && isHex(mac) {
			hw, err = net.ParseMAC(strings.Join(splitPairs(mac), ":"))
		}
		if err != nil || len(hw) != 6 {
			return "", ErrInvalidMACAddress
		}
	}
	return strings.ToUpper(hw.String()), nil
}

// GeneratedDeviceName names an auto-registered device after the last six hex
// characters of its MAC.
func GeneratedDeviceName(mac string) string {
	hex := strings.ReplaceAll(strings.ToUpper(mac), ":", "")
	if len(hex) > 6 {
		hex = hex[len(hex)-6:]
	}
	return "Device-" + hex
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func splitPairs(s string) []string {
	pairs := make([]string, 0, len(s)/2)
	for i := 0; i+1 < len(s); i += 2 {
		pairs = append(pairs, s[i:i+2])
	}
	return pairs
}
