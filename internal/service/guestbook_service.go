package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"portfolio/internal/model"
	"portfolio/internal/pubsub"
	"portfolio/internal/realtime"
	"portfolio/internal/repository"

	"github.com/rs/zerolog"
)

// MaxMessageLength is the longest guestbook message accepted, in characters.
const MaxMessageLength = 500

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidContent  = errors.New("message content must be 1 to 500 characters")
)

type GuestbookService interface {
	PostMessage(ctx context.Context, userID, content string) (*model.GuestbookEntry, error)
	// DeleteMessage deletes a message written by userID, or any message when
	// userID belongs to an admin.
	DeleteMessage(ctx context.Context, id, userID string) error
}

type guestbookService struct {
	repo      repository.GuestbookRepository
	publisher pubsub.Publisher
	logger    zerolog.Logger
}

// NewGuestbookService creates a GuestbookService. publisher may be nil.
func NewGuestbookService(repo repository.GuestbookRepository, publisher pubsub.Publisher, logger zerolog.Logger) GuestbookService {
	return &guestbookService{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With().Str("service", "GuestbookService").Logger(),
	}
}

func (s *guestbookService) PostMessage(ctx context.Context, userID, content string) (*model.GuestbookEntry, error) {
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n == 0 || n > MaxMessageLength {
		return nil, ErrInvalidContent
	}

	entry, err := s.repo.CreateMessage(ctx, userID, content)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create guestbook message")
		return nil, fmt.Errorf("creating message: %w", err)
	}

	record, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	s.publish(ctx, realtime.RawEvent{
		Type:            realtime.KindInsert.String(),
		Record:          record,
		CommitTimestamp: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return entry, nil
}

func (s *guestbookService) DeleteMessage(ctx context.Context, id, userID string) error {
	entry, err := s.repo.DeleteMessage(ctx, id, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMessageNotFound
		}
		s.logger.Error().Err(err).Str("id", id).Str("user_id", userID).Msg("Failed to delete guestbook message")
		return fmt.Errorf("deleting message: %w", err)
	}

	old, err := json.Marshal(realtime.Key{ID: entry.ID})
	if err != nil {
		return fmt.Errorf("encoding message key: %w", err)
	}
	s.publish(ctx, realtime.RawEvent{
		Type:            realtime.KindDelete.String(),
		OldRecord:       old,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// publish is best effort: the row is already written, so a failed publish is
// logged and the request still succeeds.
func (s *guestbookService) publish(ctx context.Context, ev realtime.RawEvent) {
	if s.publisher == nil {
		return
	}
	ev.Schema = "public"
	ev.Table = repository.GuestbookTable
	if _, err := s.publisher.PublishChange(ctx, repository.GuestbookTable, ev); err != nil {
		s.logger.Error().Err(err).Str("type", ev.Type).Msg("Failed to publish guestbook change")
	}
}
