package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/branchops/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	dashboardCacheTTL = 15 * time.Second
	recordingDays     = 7
)

// Dashboard is the analytics summary. A section that failed is nil and its
// error message is listed under Errors.
type Dashboard struct {
	DeviceStatus         *StatusSummary    `json:"device_status"`
	RecordingsPerDay     []DailyCount      `json:"recordings_per_day"`
	ComplaintsByStatus   map[string]int64  `json:"complaints_by_status"`
	ComplaintsByPriority map[string]int64  `json:"complaints_by_priority"`
	Errors               map[string]string `json:"errors,omitempty"`
	GeneratedAt          time.Time         `json:"generated_at"`
}

// --- Dashboard Service Implementation ---

type DashboardService struct {
	store      DataStore
	heartbeats *HeartbeatService
	complaints *ComplaintService
	cache      Cache
	logger     *logrus.Logger
	now        func() time.Time
}

func NewDashboardService(store DataStore, heartbeats *HeartbeatService, complaints *ComplaintService, cache Cache, logger *logrus.Logger) *DashboardService {
	return &DashboardService{
		store:      store,
		heartbeats: heartbeats,
		complaints: complaints,
		cache:      cache,
		logger:     logger,
		now:        time.Now,
	}
}

// Summary builds every section in parallel. Sections fail independently.
func (s *DashboardService) Summary(ctx context.Context, scope Scope) (*Dashboard, error) {
	key := "dashboard:" + scope.CacheKey()
	if cached := s.cached(ctx, key); cached != nil {
		return cached, nil
	}

	d := &Dashboard{GeneratedAt: s.now().UTC()}
	var mu sync.Mutex
	fail := func(section string, err error) {
		metrics.DashboardSectionFailuresTotal.WithLabelValues(section).Inc()
		s.logger.WithError(err).WithField("section", section).Error("Dashboard section failed")
		mu.Lock()
		defer mu.Unlock()
		if d.Errors == nil {
			d.Errors = make(map[string]string)
		}
		d.Errors[section] = err.Error()
	}

	var g errgroup.Group
	g.Go(func() error {
		listing, err := s.heartbeats.ListStatuses(ctx, scope)
		if err != nil {
			fail("device_status", err)
			return nil
		}
		d.DeviceStatus = &listing.Summary
		return nil
	})
	g.Go(func() error {
		counts, err := s.recordingsPerDay(ctx, scope)
		if err != nil {
			fail("recordings_per_day", err)
			return nil
		}
		d.RecordingsPerDay = counts
		return nil
	})
	g.Go(func() error {
		counts, err := s.complaints.CountBy(ctx, scope, "status")
		if err != nil {
			fail("complaints_by_status", err)
			return nil
		}
		d.ComplaintsByStatus = counts
		return nil
	})
	g.Go(func() error {
		counts, err := s.complaints.CountBy(ctx, scope, "priority")
		if err != nil {
			fail("complaints_by_priority", err)
			return nil
		}
		d.ComplaintsByPriority = counts
		return nil
	})
	_ = g.Wait()

	if len(d.Errors) == 0 {
		s.remember(ctx, key, d)
	}
	return d, nil
}

func (s *DashboardService) recordingsPerDay(ctx context.Context, scope Scope) ([]DailyCount, error) {
	dir, err := loadDirectory(ctx, s.store)
	if err != nil {
		return nil, err
	}
	since := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(recordingDays - 1))
	counts, err := s.store.RecordingsPerDay(ctx, since, dir.identities(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to count recordings: %w", err)
	}
	if counts == nil {
		counts = []DailyCount{}
	}
	return counts, nil
}

func (s *DashboardService) cached(ctx context.Context, key string) *Dashboard {
	if s.cache == nil {
		return nil
	}
	data, found, err := s.cache.Get(ctx, key)
	if err != nil || !found {
		return nil
	}
	var d Dashboard
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil
	}
	return &d
}

func (s *DashboardService) remember(ctx context.Context, key string, d *Dashboard) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(data), dashboardCacheTTL); err != nil {
		s.logger.WithError(err).Warn("Failed to cache dashboard")
	}
}
