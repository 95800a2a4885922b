// Package store persists call and participant records over gorm/sqlite and
// serves the per-call participant change feed the session layer reconciles
// against.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

type Store struct {
	db   *gorm.DB
	feed *feed
}

// Open creates or opens the database at path. ":memory:" is valid and used
// throughout the tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&callRecord{}, &participantRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, feed: newFeed()}, nil
}

func (s *Store) CreateCall(ctx context.Context, call *domain.Call) error {
	if err := s.db.WithContext(ctx).Create(callFromDomain(call)).Error; err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *Store) CallByCode(ctx context.Context, code string) (*domain.Call, error) {
	var rec callRecord
	err := s.db.WithContext(ctx).
		Where("join_code = ? AND status <> ?", code, string(domain.CallStatusEnded)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query call by code: %w", err)
	}
	return callToDomain(&rec), nil
}

func (s *Store) CallByID(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	var rec callRecord
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query call: %w", err)
	}
	return callToDomain(&rec), nil
}

func (s *Store) SetCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error {
	var rec callRecord
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrCallNotFound
	}
	if err != nil {
		return fmt.Errorf("query call: %w", err)
	}
	if rec.Status == string(domain.CallStatusEnded) {
		return core.ErrCallEnded
	}

	now := time.Now()
	updates := map[string]any{"status": string(status)}
	if status == domain.CallStatusActive && rec.StartedAt == nil {
		updates["started_at"] = &now
	}
	if status == domain.CallStatusEnded {
		updates["ended_at"] = &now
	}
	if err := s.db.WithContext(ctx).Model(&callRecord{}).Where("id = ?", string(id)).Updates(updates).Error; err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return nil
}

// AddParticipant inserts a membership row. At most one non-left row may
// exist per (call, user); re-adding while present is a no-op.
func (s *Store) AddParticipant(ctx context.Context, p *domain.Participant) error {
	var existing participantRecord
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND user_id = ? AND left_at IS NULL", string(p.CallID), string(p.UserID)).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("query participant: %w", err)
	}

	rec := participantFromDomain(p)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	s.feed.publish(p.CallID, core.ParticipantEvent{
		Kind:  core.ParticipantInsert,
		After: participantToDomain(rec),
	})
	return nil
}

func (s *Store) ActiveParticipant(ctx context.Context, callID domain.CallID, userID domain.UserID) (*domain.Participant, error) {
	var rec participantRecord
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND user_id = ? AND left_at IS NULL", string(callID), string(userID)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query participant: %w", err)
	}
	return participantToDomain(&rec), nil
}

func (s *Store) ActiveParticipants(ctx context.Context, callID domain.CallID) ([]domain.Participant, error) {
	var recs []participantRecord
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND left_at IS NULL", string(callID)).
		Order("joined_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	out := make([]domain.Participant, 0, len(recs))
	for i := range recs {
		out = append(out, *participantToDomain(&recs[i]))
	}
	return out, nil
}

func (s *Store) UpdateToggles(ctx context.Context, callID domain.CallID, userID domain.UserID, t domain.Toggles) error {
	var rec participantRecord
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND user_id = ? AND left_at IS NULL", string(callID), string(userID)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrCallNotFound
	}
	if err != nil {
		return fmt.Errorf("query participant: %w", err)
	}

	before := participantToDomain(&rec)
	updates := map[string]any{
		"muted":          t.Muted,
		"camera_off":     t.CameraOff,
		"screen_sharing": t.ScreenSharing,
	}
	if err := s.db.WithContext(ctx).Model(&participantRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update toggles: %w", err)
	}

	after := *before
	after.Toggles = t
	s.feed.publish(callID, core.ParticipantEvent{
		Kind:   core.ParticipantUpdate,
		Before: before,
		After:  &after,
	})
	return nil
}

// MarkLeft stamps the non-left row for (call, user). Marking an absent row
// is a no-op so best-effort leave paths stay idempotent. When the last
// participant leaves, a call that was never explicitly ended is ended here
// as the failure-cleanup path.
func (s *Store) MarkLeft(ctx context.Context, callID domain.CallID, userID domain.UserID, at time.Time) error {
	var rec participantRecord
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND user_id = ? AND left_at IS NULL", string(callID), string(userID)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query participant: %w", err)
	}

	before := participantToDomain(&rec)
	if err := s.db.WithContext(ctx).Model(&participantRecord{}).Where("id = ?", rec.ID).Update("left_at", &at).Error; err != nil {
		return fmt.Errorf("mark left: %w", err)
	}

	after := *before
	after.LeftAt = &at
	s.feed.publish(callID, core.ParticipantEvent{
		Kind:   core.ParticipantUpdate,
		Before: before,
		After:  &after,
	})

	var present int64
	if err := s.db.WithContext(ctx).Model(&participantRecord{}).
		Where("call_id = ? AND left_at IS NULL", string(callID)).
		Count(&present).Error; err == nil && present == 0 {
		if err := s.SetCallStatus(ctx, callID, domain.CallStatusEnded); err != nil && !errors.Is(err, core.ErrCallEnded) {
			log.Warn().Err(err).Str("module", "store").Str("call", string(callID)).Msg("end empty call")
		}
	}
	return nil
}

// EndCall marks the call ended and every non-left participant left as one
// best-effort batch: a failing row update is logged and does not block the
// rest.
func (s *Store) EndCall(ctx context.Context, callID domain.CallID, at time.Time) error {
	if err := s.SetCallStatus(ctx, callID, domain.CallStatusEnded); err != nil && !errors.Is(err, core.ErrCallEnded) {
		return err
	}

	var recs []participantRecord
	if err := s.db.WithContext(ctx).
		Where("call_id = ? AND left_at IS NULL", string(callID)).
		Order("id").
		Find(&recs).Error; err != nil {
		return fmt.Errorf("query participants: %w", err)
	}

	var firstErr error
	for i := range recs {
		rec := recs[i]
		before := participantToDomain(&rec)
		if err := s.db.WithContext(ctx).Model(&participantRecord{}).Where("id = ?", rec.ID).Update("left_at", &at).Error; err != nil {
			log.Warn().Err(err).Str("module", "store").Str("user", rec.UserID).Msg("mark left in batch")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		after := *before
		after.LeftAt = &at
		s.feed.publish(callID, core.ParticipantEvent{
			Kind:   core.ParticipantUpdate,
			Before: before,
			After:  &after,
		})
	}
	return firstErr
}

func (s *Store) SubscribeParticipants(ctx context.Context, callID domain.CallID) (<-chan core.ParticipantEvent, func(), error) {
	ch, cancel := s.feed.subscribe(ctx, callID)
	return ch, cancel, nil
}
