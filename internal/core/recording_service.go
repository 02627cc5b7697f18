package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// RecordingUpload is the metadata of an uploaded recording plus its audio.
// File may be nil when a device reports a session without audio.
type RecordingUpload struct {
	CNIC       string
	StartTime  time.Time
	EndTime    *time.Time
	IPAddress  string
	MACAddress string
	FileName   string
	File       io.Reader
}

// RecordingQuery selects a page of recordings.
type RecordingQuery struct {
	CNIC  string
	Page  int
	Limit int
}

// RecordingPage is one page of recordings.
type RecordingPage struct {
	Recordings []*Recording `json:"recordings"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int64        `json:"total_pages"`
}

// --- Recording Service Implementation ---

type RecordingService struct {
	store  DataStore
	audio  AudioStore
	logger *logrus.Logger
}

func NewRecordingService(store DataStore, audio AudioStore, logger *logrus.Logger) *RecordingService {
	return &RecordingService{
		store:  store,
		audio:  audio,
		logger: logger,
	}
}

// Upload stores the audio file, if any, and records the session metadata
// under the same identity heartbeats from that device use.
func (s *RecordingService) Upload(ctx context.Context, in RecordingUpload) (*Recording, error) {
	in.CNIC = strings.TrimSpace(in.CNIC)
	in.IPAddress = strings.TrimSpace(in.IPAddress)
	switch {
	case in.CNIC == "":
		return nil, invalid("cnic", "cnic is required")
	case in.IPAddress == "":
		return nil, ErrIPAddressRequired
	case in.StartTime.IsZero():
		return nil, invalid("start_time", "start_time is required")
	case in.EndTime != nil && in.EndTime.Before(in.StartTime):
		return nil, invalid("end_time", "end_time must not be before start_time")
	}

	mac, err := NormalizeMAC(in.MACAddress)
	if err != nil {
		return nil, invalid("mac_address", "mac_address is not a valid MAC address")
	}

	rec := &Recording{
		Identity:   ResolveIdentity(mac, in.IPAddress).Key,
		CNIC:       in.CNIC,
		StartTime:  in.StartTime.UTC(),
		IPAddress:  in.IPAddress,
		MACAddress: strPtr(mac),
	}
	if in.EndTime != nil {
		end := in.EndTime.UTC()
		rec.EndTime = &end
	}

	if in.File != nil {
		if s.audio == nil {
			return nil, fmt.Errorf("audio storage is not configured")
		}
		stored, err := s.audio.Save(ctx, in.FileName, in.File)
		if err != nil {
			return nil, fmt.Errorf("failed to store audio: %w", err)
		}
		rec.FileName = &stored
	}

	if err := s.store.CreateRecording(ctx, rec); err != nil {
		if rec.FileName != nil {
			if rmErr := s.audio.Remove(*rec.FileName); rmErr != nil {
				s.logger.WithError(rmErr).WithField("file_name", *rec.FileName).Warn("Failed to remove orphaned audio")
			}
		}
		return nil, fmt.Errorf("failed to save recording: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"recording_id": rec.ID,
		"identity":     rec.Identity,
		"file_name":    deref(rec.FileName),
	}).Info("Recording uploaded")
	return decorateRecording(rec), nil
}

// ListRecordings returns a page of recordings scope may see, newest first.
func (s *RecordingService) ListRecordings(ctx context.Context, scope Scope, q RecordingQuery) (*RecordingPage, error) {
	page, limit := normalizePage(q.Page, q.Limit)

	dir, err := loadDirectory(ctx, s.store)
	if err != nil {
		return nil, err
	}

	recs, total, err := s.store.ListRecordings(ctx, RecordingFilter{
		Identities: dir.identities(scope),
		CNIC:       strings.TrimSpace(q.CNIC),
		Offset:     (page - 1) * limit,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}

	if recs == nil {
		recs = []*Recording{}
	}
	for _, r := range recs {
		decorateRecording(r)
	}

	return &RecordingPage{
		Recordings: recs,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + int64(limit) - 1) / int64(limit),
	}, nil
}

// AudioPath resolves a stored audio file name for scope. Audio of a recording
// outside the caller's branch is reported as missing.
func (s *RecordingService) AudioPath(ctx context.Context, scope Scope, name string) (string, error) {
	if s.audio == nil {
		return "", ErrAudioNotFound
	}

	rec, err := s.store.GetRecordingByFileName(ctx, name)
	if err != nil {
		return "", err
	}
	if !scope.IsAdmin() {
		dir, err := loadDirectory(ctx, s.store)
		if err != nil {
			return "", err
		}
		if !dir.visible(scope, rec.Identity) {
			return "", ErrAudioNotFound
		}
	}
	return s.audio.Path(name)
}

// RecordingStatus derives the status of a recording: no end time means the
// session is still running; an end time without a file means the upload failed.
func RecordingStatus(r *Recording) string {
	switch {
	case r.EndTime == nil:
		return RecordingInProgress
	case r.FileName != nil && *r.FileName != "":
		return RecordingCompleted
	default:
		return RecordingFailed
	}
}

func decorateRecording(r *Recording) *Recording {
	r.Status = RecordingStatus(r)
	r.DurationSeconds = nil
	if r.EndTime != nil {
		d := int64(r.EndTime.Sub(r.StartTime) / time.Second)
		r.DurationSeconds = &d
	}
	return r
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}
