// Package memstore keeps sessions in process memory. It backs the "memory"
// store driver for local development and the package tests of its callers.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

// Store is a mutex-guarded map of sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[collab.RoomID]*collab.Session
	fail     error
}

var _ collab.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{sessions: make(map[collab.RoomID]*collab.Session)}
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *Store) Create(ctx context.Context, session *collab.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, exists := s.sessions[session.RoomID]; exists {
		return collab.ErrRoomIDTaken
	}
	s.sessions[session.RoomID] = cloneSession(session)
	return nil
}

func (s *Store) Ensure(ctx context.Context, session *collab.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, exists := s.sessions[session.RoomID]; !exists {
		s.sessions[session.RoomID] = cloneSession(session)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, roomID collab.RoomID) (*collab.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	session, ok := s.sessions[roomID]
	if !ok {
		return nil, collab.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *Store) UpsertParticipant(ctx context.Context, roomID collab.RoomID, participant collab.Participant) error {
	return s.mutate(roomID, func(session *collab.Session) {
		key := participant.Identity.Key()
		for index := range session.Participants {
			existing := &session.Participants[index]
			if existing.Identity.Key() != key {
				continue
			}
			existing.DisplayName = participant.DisplayName
			existing.Email = participant.Email
			existing.Role = participant.Role
			existing.ActiveSince = participant.ActiveSince
			existing.LeftAt = nil
			existing.Active = true
			session.IsActive = true
			session.LastActivityAt = participant.ActiveSince
			return
		}
		participant.Active = true
		participant.LeftAt = nil
		session.Participants = append(session.Participants, participant)
		session.IsActive = true
		session.LastActivityAt = participant.ActiveSince
	})
}

func (s *Store) MarkParticipantLeft(ctx context.Context, roomID collab.RoomID, participantKey string, leftAt time.Time, elapsed time.Duration) error {
	return s.mutate(roomID, func(session *collab.Session) {
		for index := range session.Participants {
			participant := &session.Participants[index]
			if participant.Identity.Key() != participantKey {
				continue
			}
			at := leftAt
			participant.Active = false
			participant.LeftAt = &at
			participant.TimeInSession += elapsed
		}
		session.LastActivityAt = leftAt
	})
}

func (s *Store) UpdateRole(ctx context.Context, roomID collab.RoomID, participantKey string, role collab.Role) error {
	return s.mutate(roomID, func(session *collab.Session) {
		for index := range session.Participants {
			if session.Participants[index].Identity.Key() == participantKey {
				session.Participants[index].Role = role
			}
		}
	})
}

func (s *Store) AppendCodeEdit(ctx context.Context, roomID collab.RoomID, edit collab.CodeEdit) error {
	return s.mutate(roomID, func(session *collab.Session) {
		session.Code = edit.Code
		session.Language = edit.Language
		session.CodeHistory = keepLast(append(session.CodeHistory, edit), collab.CodeHistoryCap)
		session.Metadata.TotalCodeChanges++
		session.LastActivityAt = edit.At
	})
}

func (s *Store) SetLanguage(ctx context.Context, roomID collab.RoomID, language collab.Language, at time.Time) error {
	return s.mutate(roomID, func(session *collab.Session) {
		session.Language = language
		session.LastActivityAt = at
	})
}

func (s *Store) AppendExecution(ctx context.Context, roomID collab.RoomID, record collab.ExecutionRecord) error {
	return s.mutate(roomID, func(session *collab.Session) {
		session.Executions = keepLast(append(session.Executions, record), collab.ExecutionHistoryCap)
		session.Metadata.TotalExecutions++
		session.LastActivityAt = record.At
	})
}

func (s *Store) AppendMessage(ctx context.Context, roomID collab.RoomID, message collab.ChatMessage) error {
	return s.mutate(roomID, func(session *collab.Session) {
		session.Chat = keepLast(append(session.Chat, message), collab.ChatHistoryCap)
		session.Metadata.TotalMessages++
		session.LastActivityAt = message.At
	})
}

func (s *Store) UpdateReactions(ctx context.Context, roomID collab.RoomID, messageID string, reactions []collab.Reaction) error {
	return s.mutate(roomID, func(session *collab.Session) {
		for index := range session.Chat {
			if session.Chat[index].ID == messageID {
				session.Chat[index].Reactions = append([]collab.Reaction(nil), reactions...)
			}
		}
	})
}

func (s *Store) SetActive(ctx context.Context, roomID collab.RoomID, active bool, at time.Time) error {
	return s.mutate(roomID, func(session *collab.Session) {
		session.IsActive = active
		session.LastActivityAt = at
	})
}

func (s *Store) BumpPeak(ctx context.Context, roomID collab.RoomID, peak int) error {
	return s.mutate(roomID, func(session *collab.Session) {
		if peak > session.Metadata.PeakParticipants {
			session.Metadata.PeakParticipants = peak
		}
	})
}

func (s *Store) ListPublic(ctx context.Context, query string, limit int) ([]collab.SessionSummary, error) {
	needle := strings.ToLower(query)
	return s.list(limit, func(session *collab.Session) bool {
		if !session.Settings.IsPublic {
			return false
		}
		if needle == "" {
			return true
		}
		return strings.Contains(strings.ToLower(session.Title), needle) ||
			strings.Contains(strings.ToLower(session.Description), needle)
	})
}

func (s *Store) ListByParticipant(ctx context.Context, participantKey string, limit int) ([]collab.SessionSummary, error) {
	return s.list(limit, func(session *collab.Session) bool {
		for _, participant := range session.Participants {
			if participant.Identity.Key() == participantKey {
				return true
			}
		}
		return false
	})
}

func (s *Store) MarkIdle(ctx context.Context, before time.Time, live []collab.RoomID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	skip := make(map[collab.RoomID]struct{}, len(live))
	for _, id := range live {
		skip[id] = struct{}{}
	}
	var marked int64
	for id, session := range s.sessions {
		if _, isLive := skip[id]; isLive {
			continue
		}
		if session.IsActive && session.LastActivityAt.Before(before) {
			session.IsActive = false
			marked++
		}
	}
	return marked, nil
}

func (s *Store) PurgeInactive(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var purged int64
	for id, session := range s.sessions {
		if !session.IsActive && session.LastActivityAt.Before(before) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) mutate(roomID collab.RoomID, apply func(session *collab.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	session, ok := s.sessions[roomID]
	if !ok {
		return collab.ErrSessionNotFound
	}
	apply(session)
	return nil
}

func (s *Store) list(limit int, include func(session *collab.Session) bool) ([]collab.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	summaries := make([]collab.SessionSummary, 0)
	for _, session := range s.sessions {
		if include(session) {
			summaries = append(summaries, session.Summary())
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func keepLast[T any](items []T, limit int) []T {
	if len(items) <= limit {
		return items
	}
	return append([]T(nil), items[len(items)-limit:]...)
}

func cloneSession(session *collab.Session) *collab.Session {
	clone := *session
	clone.Participants = append([]collab.Participant(nil), session.Participants...)
	clone.CodeHistory = append([]collab.CodeEdit(nil), session.CodeHistory...)
	clone.Executions = append([]collab.ExecutionRecord(nil), session.Executions...)
	clone.Chat = make([]collab.ChatMessage, len(session.Chat))
	for index, message := range session.Chat {
		message.Reactions = append([]collab.Reaction(nil), message.Reactions...)
		clone.Chat[index] = message
	}
	return &clone
}
