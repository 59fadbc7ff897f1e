package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
)

const maxMessageRunes = 280

// CleanMessage trims text and strips control characters. It fails when
// nothing is left or the result exceeds 280 characters.
func CleanMessage(text string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || utf8.RuneCountInString(cleaned) > maxMessageRunes {
		return "", domain.ErrBadMessage
	}
	return cleaned, nil
}

// AddMessage posts a chat line from a participant.
func (m *Machine) AddMessage(ctx context.Context, rawMatchID, userID, text string) (*domain.Room, error) {
	if !m.caps.Matches {
		return nil, domain.ErrMultiplayerOff
	}
	if !m.caps.Chat {
		return nil, domain.ErrChatOff
	}
	matchID, err := domain.ParseMatchID(rawMatchID)
	if err != nil {
		return nil, err
	}
	body, err := CleanMessage(text)
	if err != nil {
		return nil, err
	}
	room, err := m.Authorize(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		msg := &domain.ChatMessage{
			MatchID:   matchID,
			UserID:    userID,
			Message:   body,
			CreatedAt: m.now(),
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, asDomain(err)
	}
	m.notifier.Notify(ctx, matchID, "message")
	return room, nil
}
