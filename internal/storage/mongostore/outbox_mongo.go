// Package mongostore adapts the OutboxStore of the StorageContracts (spec
// §4.4) onto MongoDB; the Inbox, Queue and Message stores have no Mongo
// implementation. It is grounded directly on the teacher's
// internal/outbox.MongoRepository:
// FetchAndLockPending uses FindOneAndUpdate in a loop (naturally atomic per
// document, no explicit transaction needed), sorted by (messageGroup,
// createdAt) to preserve FIFO-within-group ordering.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.corebus.dev/internal/storage"
)

// OutboxStore implements storage.OutboxStore against a Mongo collection.
type OutboxStore struct {
	collection *mongo.Collection
}

// NewOutboxStore wraps an existing collection (e.g. db.Collection("outbox")).
func NewOutboxStore(collection *mongo.Collection) *OutboxStore {
	return &OutboxStore{collection: collection}
}

type outboxDoc struct {
	ID           string    `bson:"_id"`
	MessageGroup string    `bson:"messageGroup"`
	Envelope     bson.Raw  `bson:"envelope"`
	Status       string    `bson:"status"`
	RetryCount   int       `bson:"retryCount"`
	CreatedAt    time.Time `bson:"createdAt"`
	ProcessedAt  time.Time `bson:"processedAt"`
	ErrorMessage string    `bson:"errorMessage"`
}

func (s *OutboxStore) Insert(ctx context.Context, rec *storage.OutboxRecord) error {
	envelope, err := bson.Marshal(rec.Envelope)
	if err != nil {
		return err
	}
	doc := outboxDoc{
		ID:           rec.ID,
		MessageGroup: rec.MessageGroup,
		Envelope:     envelope,
		Status:       string(rec.Status),
		RetryCount:   rec.RetryCount,
		CreatedAt:    rec.CreatedAt,
		ProcessedAt:  rec.ProcessedAt,
		ErrorMessage: rec.ErrorMessage,
	}
	_, err = s.collection.InsertOne(ctx, doc)
	return err
}

// FetchAndLockPending loops FindOneAndUpdate up to limit times: each call
// is individually atomic, so two processors racing on the same collection
// can never observe the same pending document as PENDING simultaneously.
func (s *OutboxStore) FetchAndLockPending(ctx context.Context, limit int) ([]*storage.OutboxRecord, error) {
	filter := bson.M{"status": string(storage.OutboxPending)}
	update := bson.M{
		"$set": bson.M{
			"status":      string(storage.OutboxProcessing),
			"processedAt": time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "messageGroup", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	out := make([]*storage.OutboxRecord, 0, limit)
	for i := 0; i < limit; i++ {
		var doc outboxDoc
		err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if err == mongo.ErrNoDocuments {
				break
			}
			return out, err
		}
		rec, err := fromDoc(doc)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func fromDoc(doc outboxDoc) (*storage.OutboxRecord, error) {
	rec := &storage.OutboxRecord{
		ID:           doc.ID,
		MessageGroup: doc.MessageGroup,
		Status:       storage.OutboxStatus(doc.Status),
		RetryCount:   doc.RetryCount,
		CreatedAt:    doc.CreatedAt,
		ProcessedAt:  doc.ProcessedAt,
		ErrorMessage: doc.ErrorMessage,
	}
	if err := bson.Unmarshal(doc.Envelope, &rec.Envelope); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": string(storage.OutboxCompleted), "processedAt": time.Now()}})
	return err
}

func (s *OutboxStore) MarkFailed(ctx context.Context, ids []string, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{
			"status":       string(storage.OutboxFailed),
			"errorMessage": errMsg,
			"processedAt":  time.Now(),
		}})
	return err
}

func (s *OutboxStore) ScheduleRetry(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{
			"$set": bson.M{"status": string(storage.OutboxPending)},
			"$inc": bson.M{"retryCount": 1},
		})
	return err
}

func (s *OutboxStore) RecoverStuckItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan)
	result, err := s.collection.UpdateMany(ctx,
		bson.M{
			"status":      string(storage.OutboxProcessing),
			"processedAt": bson.M{"$lt": threshold},
		},
		bson.M{"$set": bson.M{"status": string(storage.OutboxPending)}})
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

// EnsureIndexes creates the index FetchAndLockPending's sort relies on.
func (s *OutboxStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "messageGroup", Value: 1},
			{Key: "createdAt", Value: 1},
		},
	})
	return err
}
