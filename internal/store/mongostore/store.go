// Package mongostore persists each session as a single MongoDB document.
// History arrays are capped with $push/$slice and counters move with $inc,
// so every write is one atomic document update.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

const (
	defaultCollection = "sessions"
	// DefaultRetention is how long an inactive session document lives before the TTL index removes it.
	DefaultRetention = 30 * 24 * time.Hour
	connectTimeout   = 10 * time.Second
)

var errMissingDatabase = errors.New("mongostore: database handle required")

// Config wires the store.
type Config struct {
	Database   *mongo.Database
	Collection string
	Retention  time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Store implements collab.Store on MongoDB.
type Store struct {
	sessions  *mongo.Collection
	retention time.Duration
	logger    *zap.Logger
	clock     func() time.Time
}

var _ collab.Store = (*Store)(nil)

// Connect dials uri and verifies the deployment answers a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return client, nil
}

// New constructs a Store. Call EnsureIndexes once before serving traffic.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = defaultCollection
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		sessions:  cfg.Database.Collection(collection),
		retention: retention,
		logger:    logger,
		clock:     clock,
	}, nil
}

// EnsureIndexes creates the room id, listing and TTL indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, indexModels())
	if err != nil {
		return fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	s.logger.Info("session indexes ensured", zap.String("collection", s.sessions.Name()))
	return nil
}

func indexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "roomId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "settings.isPublic", Value: 1}, {Key: "lastActivityAt", Value: -1}}},
		{Keys: bson.D{{Key: "participants.identityKey", Value: 1}}},
		{Keys: bson.D{{Key: "isActive", Value: 1}, {Key: "lastActivityAt", Value: 1}}},
	}
}

func (s *Store) Create(ctx context.Context, session *collab.Session) error {
	_, err := s.sessions.InsertOne(ctx, newSessionDocument(session))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", collab.ErrRoomIDTaken, session.RoomID)
	}
	return err
}

func (s *Store) Ensure(ctx context.Context, session *collab.Session) error {
	document := newSessionDocument(session)
	_, err := s.sessions.UpdateOne(ctx,
		roomFilter(session.RoomID),
		bson.M{"$setOnInsert": document},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *Store) Load(ctx context.Context, roomID collab.RoomID) (*collab.Session, error) {
	var document sessionDocument
	err := s.sessions.FindOne(ctx, roomFilter(roomID)).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, collab.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return document.toSession(), nil
}

// UpsertParticipant reactivates an existing roster entry in place and pushes
// a new one otherwise. A concurrent push for the same identity loses the
// $ne guard and falls back to the positional update.
func (s *Store) UpsertParticipant(ctx context.Context, roomID collab.RoomID, participant collab.Participant) error {
	document := newParticipantDocument(participant)
	document.IsActive = true
	document.LeftAt = nil
	for attempt := 0; attempt < 2; attempt++ {
		result, err := s.sessions.UpdateOne(ctx,
			participantFilter(roomID, document.IdentityKey),
			rejoinUpdate(document))
		if err != nil {
			return err
		}
		if result.MatchedCount > 0 {
			return nil
		}
		result, err = s.sessions.UpdateOne(ctx,
			bson.M{"roomId": roomID.String(), "participants.identityKey": bson.M{"$ne": document.IdentityKey}},
			joinUpdate(document))
		if err != nil {
			return err
		}
		if result.MatchedCount > 0 {
			return nil
		}
		if exists, err := s.exists(ctx, roomID); err != nil {
			return err
		} else if !exists {
			return collab.ErrSessionNotFound
		}
	}
	return fmt.Errorf("mongostore: participant %s in %s changed concurrently", document.IdentityKey, roomID)
}

func (s *Store) MarkParticipantLeft(ctx context.Context, roomID collab.RoomID, participantKey string, leftAt time.Time, elapsed time.Duration) error {
	_, err := s.sessions.UpdateOne(ctx,
		participantFilter(roomID, participantKey),
		bson.M{
			"$set": bson.M{
				"participants.$.isActive": false,
				"participants.$.leftAt":   leftAt.UTC(),
				"lastActivityAt":          leftAt.UTC(),
			},
			"$inc": bson.M{"participants.$.timeInSessionMs": elapsed.Milliseconds()},
		})
	return err
}

func (s *Store) UpdateRole(ctx context.Context, roomID collab.RoomID, participantKey string, role collab.Role) error {
	_, err := s.sessions.UpdateOne(ctx,
		participantFilter(roomID, participantKey),
		bson.M{"$set": bson.M{"participants.$.role": string(role)}})
	return err
}

func (s *Store) AppendCodeEdit(ctx context.Context, roomID collab.RoomID, edit collab.CodeEdit) error {
	update := cappedPush("codeHistory", newCodeEditDocument(edit), collab.CodeHistoryCap, "metadata.totalCodeChanges", edit.At)
	setFields(update, bson.M{"code": edit.Code, "language": string(edit.Language)})
	return s.updateSession(ctx, roomID, update)
}

func (s *Store) SetLanguage(ctx context.Context, roomID collab.RoomID, language collab.Language, at time.Time) error {
	return s.updateSession(ctx, roomID, bson.M{
		"$set": bson.M{"language": string(language), "lastActivityAt": at.UTC()},
	})
}

func (s *Store) AppendExecution(ctx context.Context, roomID collab.RoomID, record collab.ExecutionRecord) error {
	update := cappedPush("executions", newExecutionDocument(record), collab.ExecutionHistoryCap, "metadata.totalExecutions", record.At)
	return s.updateSession(ctx, roomID, update)
}

func (s *Store) AppendMessage(ctx context.Context, roomID collab.RoomID, message collab.ChatMessage) error {
	update := cappedPush("chat", newMessageDocument(message), collab.ChatHistoryCap, "metadata.totalMessages", message.At)
	return s.updateSession(ctx, roomID, update)
}

func (s *Store) UpdateReactions(ctx context.Context, roomID collab.RoomID, messageID string, reactions []collab.Reaction) error {
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"roomId": roomID.String(), "chat.id": messageID},
		bson.M{"$set": bson.M{"chat.$.reactions": newReactionDocuments(reactions)}})
	return err
}

func (s *Store) SetActive(ctx context.Context, roomID collab.RoomID, active bool, at time.Time) error {
	return s.updateSession(ctx, roomID, activityUpdate(active, at, s.retention))
}

func (s *Store) BumpPeak(ctx context.Context, roomID collab.RoomID, peak int) error {
	_, err := s.sessions.UpdateOne(ctx, roomFilter(roomID), bson.M{
		"$max": bson.M{"metadata.peakParticipants": peak},
	})
	return err
}

func (s *Store) ListPublic(ctx context.Context, query string, limit int) ([]collab.SessionSummary, error) {
	return s.summaries(ctx, publicFilter(query), limit)
}

func (s *Store) ListByParticipant(ctx context.Context, participantKey string, limit int) ([]collab.SessionSummary, error) {
	return s.summaries(ctx, bson.M{"participants.identityKey": participantKey}, limit)
}

func (s *Store) summaries(ctx context.Context, filter bson.M, limit int) ([]collab.SessionSummary, error) {
	findOptions := options.Find().
		SetSort(bson.D{{Key: "lastActivityAt", Value: -1}}).
		SetProjection(summaryProjection())
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}
	cursor, err := s.sessions.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var documents []sessionDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, err
	}
	summaries := make([]collab.SessionSummary, 0, len(documents))
	for _, document := range documents {
		summaries = append(summaries, document.toSession().Summary())
	}
	return summaries, nil
}

func (s *Store) MarkIdle(ctx context.Context, before time.Time, live []collab.RoomID) (int64, error) {
	result, err := s.sessions.UpdateMany(ctx, idleFilter(before, live), bson.M{
		"$set": bson.M{"isActive": false, "expiresAt": s.clock().UTC().Add(s.retention)},
	})
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

func (s *Store) PurgeInactive(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.sessions.DeleteMany(ctx, bson.M{
		"isActive":       false,
		"lastActivityAt": bson.M{"$lt": before.UTC()},
	})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (s *Store) updateSession(ctx context.Context, roomID collab.RoomID, update bson.M) error {
	result, err := s.sessions.UpdateOne(ctx, roomFilter(roomID), update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return collab.ErrSessionNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, roomID collab.RoomID) (bool, error) {
	count, err := s.sessions.CountDocuments(ctx, roomFilter(roomID), options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func roomFilter(roomID collab.RoomID) bson.M {
	return bson.M{"roomId": roomID.String()}
}

func participantFilter(roomID collab.RoomID, participantKey string) bson.M {
	return bson.M{"roomId": roomID.String(), "participants.identityKey": participantKey}
}

func rejoinUpdate(participant participantDocument) bson.M {
	return bson.M{
		"$set": bson.M{
			"participants.$.displayName": participant.DisplayName,
			"participants.$.email":       participant.Email,
			"participants.$.role":        participant.Role,
			"participants.$.activeSince": participant.ActiveSince,
			"participants.$.isActive":    true,
			"isActive":                   true,
			"lastActivityAt":             participant.ActiveSince,
		},
		"$unset": bson.M{"participants.$.leftAt": "", "expiresAt": ""},
	}
}

func joinUpdate(participant participantDocument) bson.M {
	return bson.M{
		"$push":  bson.M{"participants": participant},
		"$set":   bson.M{"isActive": true, "lastActivityAt": participant.ActiveSince},
		"$unset": bson.M{"expiresAt": ""},
	}
}

// cappedPush appends value to field, keeps the newest limit entries and
// bumps counter.
func cappedPush(field string, value any, limit int, counter string, at time.Time) bson.M {
	return bson.M{
		"$push": bson.M{field: bson.M{"$each": bson.A{value}, "$slice": -limit}},
		"$inc":  bson.M{counter: 1},
		"$set":  bson.M{"lastActivityAt": at.UTC()},
	}
}

func setFields(update bson.M, fields bson.M) {
	set, ok := update["$set"].(bson.M)
	if !ok {
		set = bson.M{}
		update["$set"] = set
	}
	for key, value := range fields {
		set[key] = value
	}
}

func activityUpdate(active bool, at time.Time, retention time.Duration) bson.M {
	if active {
		return bson.M{
			"$set":   bson.M{"isActive": true, "lastActivityAt": at.UTC()},
			"$unset": bson.M{"expiresAt": ""},
		}
	}
	return bson.M{
		"$set": bson.M{"isActive": false, "lastActivityAt": at.UTC(), "expiresAt": at.UTC().Add(retention)},
	}
}

func publicFilter(query string) bson.M {
	filter := bson.M{"settings.isPublic": true}
	needle := strings.TrimSpace(query)
	if needle == "" {
		return filter
	}
	pattern := bson.M{"$regex": regexp.QuoteMeta(needle), "$options": "i"}
	filter["$or"] = bson.A{
		bson.M{"title": pattern},
		bson.M{"description": pattern},
	}
	return filter
}

func idleFilter(before time.Time, live []collab.RoomID) bson.M {
	filter := bson.M{
		"isActive":       true,
		"lastActivityAt": bson.M{"$lt": before.UTC()},
	}
	if len(live) > 0 {
		ids := make(bson.A, 0, len(live))
		for _, id := range live {
			ids = append(ids, id.String())
		}
		filter["roomId"] = bson.M{"$nin": ids}
	}
	return filter
}

func summaryProjection() bson.M {
	return bson.M{"code": 0, "codeHistory": 0, "executions": 0, "chat": 0}
}
