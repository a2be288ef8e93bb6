package dlq

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rbaliyan/flux/queue"
)

/*
MongoDB Schema:

Collection: event_dlq

Document structure:
{
    "_id": string (event ID),
    "event": { "type": ..., "payload": ..., "priority": ..., ... },
    "attempts": [ { "attempt": ..., "timestamp": ..., "error": ... } ],
    "final_error": string,
    "timestamp": ISODate,
    "total_attempts": int,
    "seq": long (insertion order)
}

Index:
db.event_dlq.createIndex({ "seq": 1 })
*/

// mongoEntry is the document shape for a quarantined event.
type mongoEntry struct {
	ID            string          `bson:"_id"`
	Event         *queue.Event    `bson:"event"`
	Attempts      []queue.Attempt `bson:"attempts,omitempty"`
	FinalError    string          `bson:"final_error"`
	Timestamp     time.Time       `bson:"timestamp"`
	TotalAttempts int             `bson:"total_attempts"`
	Seq           int64           `bson:"seq"`
}

func (m *mongoEntry) toEntry() *Entry {
	return &Entry{
		Event:         m.Event,
		Attempts:      m.Attempts,
		FinalError:    m.FinalError,
		Timestamp:     m.Timestamp,
		TotalAttempts: m.TotalAttempts,
	}
}

// MongoStore is a MongoDB-backed bounded FIFO store.
type MongoStore struct {
	coll     *mongo.Collection
	capacity int
}

// NewMongoStore creates a Mongo store over db.event_dlq with the given
// capacity. Capacities <= 0 fall back to DefaultCapacity.
func NewMongoStore(db *mongo.Database, capacity int) *MongoStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MongoStore{
		coll:     db.Collection("event_dlq"),
		capacity: capacity,
	}
}

// WithCollection overrides the collection name.
func (s *MongoStore) WithCollection(db *mongo.Database, name string) *MongoStore {
	s.coll = db.Collection(name)
	return s
}

// Append inserts an entry and evicts the oldest documents past capacity.
func (s *MongoStore) Append(ctx context.Context, e *Entry) error {
	doc := &mongoEntry{
		ID:            e.Event.ID,
		Event:         e.Event,
		Attempts:      e.Attempts,
		FinalError:    e.FinalError,
		Timestamp:     e.Timestamp,
		TotalAttempts: e.TotalAttempts,
		Seq:           time.Now().UnixNano(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	count, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("count entries: %w", err)
	}
	for count > int64(s.capacity) {
		res := s.coll.FindOneAndDelete(ctx, bson.M{},
			options.FindOneAndDelete().SetSort(bson.D{{Key: "seq", Value: 1}}))
		if res.Err() != nil {
			return fmt.Errorf("evict oldest: %w", res.Err())
		}
		count--
	}
	return nil
}

// List returns all entries, oldest first.
func (s *MongoStore) List(ctx context.Context) ([]*Entry, error) {
	cursor, err := s.coll.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*Entry
	for cursor.Next(ctx) {
		var doc mongoEntry
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, doc.toEntry())
	}
	return entries, cursor.Err()
}

// Pop removes and returns up to max entries, oldest first.
func (s *MongoStore) Pop(ctx context.Context, max int) ([]*Entry, error) {
	var entries []*Entry
	for range max {
		res := s.coll.FindOneAndDelete(ctx, bson.M{},
			options.FindOneAndDelete().SetSort(bson.D{{Key: "seq", Value: 1}}))
		if res.Err() == mongo.ErrNoDocuments {
			break
		}
		if res.Err() != nil {
			return entries, fmt.Errorf("pop entry: %w", res.Err())
		}
		var doc mongoEntry
		if err := res.Decode(&doc); err != nil {
			return entries, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, doc.toEntry())
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *MongoStore) Count(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return int(n), nil
}

// Clear removes all entries.
func (s *MongoStore) Clear(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
