package core

import (
	"context"
	"time"

	"github.com/hivedesk/callkit/internal/domain"
)

type ParticipantEventKind string

const (
	ParticipantInsert ParticipantEventKind = "insert"
	ParticipantUpdate ParticipantEventKind = "update"
	ParticipantDelete ParticipantEventKind = "delete"
)

// ParticipantEvent is one change-feed entry. Events are delivered
// at-least-once, in commit order, with before/after payloads.
type ParticipantEvent struct {
	Kind   ParticipantEventKind
	Before *domain.Participant
	After  *domain.Participant
}

// RecordStore is the persisted call/participant collaborator. All methods
// take a context; teardown paths call them with short deadlines and never
// block local cleanup on the result.
type RecordStore interface {
	CreateCall(ctx context.Context, call *domain.Call) error
	// CallByCode resolves a normalized join code restricted to non-ended
	// calls; ErrCallNotFound otherwise.
	CallByCode(ctx context.Context, code string) (*domain.Call, error)
	CallByID(ctx context.Context, id domain.CallID) (*domain.Call, error)
	// SetCallStatus transitions status and stamps StartedAt/EndedAt as
	// appropriate. Ended calls are immutable.
	SetCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error

	AddParticipant(ctx context.Context, p *domain.Participant) error
	// ActiveParticipant returns the non-left row for (call, user), or
	// ErrCallNotFound when absent.
	ActiveParticipant(ctx context.Context, callID domain.CallID, userID domain.UserID) (*domain.Participant, error)
	ActiveParticipants(ctx context.Context, callID domain.CallID) ([]domain.Participant, error)
	UpdateToggles(ctx context.Context, callID domain.CallID, userID domain.UserID, t domain.Toggles) error
	MarkLeft(ctx context.Context, callID domain.CallID, userID domain.UserID, at time.Time) error
	// EndCall marks the call ended and every non-left participant left as a
	// single best-effort batch.
	EndCall(ctx context.Context, callID domain.CallID, at time.Time) error

	// SubscribeParticipants opens the per-call change feed. The cancel func
	// detaches the subscription and closes the channel.
	SubscribeParticipants(ctx context.Context, callID domain.CallID) (<-chan ParticipantEvent, func(), error)
}
