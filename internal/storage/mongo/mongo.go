// Package mongostore keeps queue collections in MongoDB, one collection per
// namespace. A claim is a single findAndModify sorted by priority, queued_at
// and _id; finished items are removed by a TTL index on finished_at.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"priorityq/internal/models"
	"priorityq/internal/queue"
)

// Server error codes tolerated during provisioning.
const (
	codeNamespaceExists      = 48
	codeIndexOptionsConflict = 85
)

type itemDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	Priority   int                `bson:"priority"`
	QueuedAt   time.Time          `bson:"queued_at"`
	StartedAt  *time.Time         `bson:"started_at,omitempty"`
	FinishedAt *time.Time         `bson:"finished_at,omitempty"`
	Payload    string             `bson:"payload"`
	Group      string             `bson:"group"`
	ClaimToken string             `bson:"claim_token,omitempty"`
}

func (d itemDoc) item() models.Item {
	it := models.Item{
		ID:         d.ID.Hex(),
		Priority:   d.Priority,
		QueuedAt:   d.QueuedAt.UTC(),
		Payload:    d.Payload,
		Group:      d.Group,
		ClaimToken: d.ClaimToken,
	}
	if d.StartedAt != nil {
		t := d.StartedAt.UTC()
		it.StartedAt = &t
	}
	if d.FinishedAt != nil {
		t := d.FinishedAt.UTC()
		it.FinishedAt = &t
	}
	return it
}

type Store struct {
	client *mongo.Client
}

// Open connects to the deployment at uri.
func Open(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client. The caller owns it.
func New(client *mongo.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Client() *mongo.Client { return s.client }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) coll(ns models.Namespace) *mongo.Collection {
	return s.client.Database(ns.Database).Collection(ns.Collection)
}

func hasCode(err error, code int32) bool {
	var ce mongo.CommandError
	return errors.As(err, &ce) && ce.Code == code
}

// ttlSeconds converts retention to a TTL index expiry, rounding up so a
// sub-second retention never becomes an immediate expiry.
func ttlSeconds(retention time.Duration) int32 {
	secs := retention / time.Second
	if retention%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	if secs > math.MaxInt32 {
		secs = math.MaxInt32
	}
	return int32(secs)
}

// Provision creates the collection and its indexes. A TTL index left by an
// earlier provisioning keeps its expiry.
func (s *Store) Provision(ctx context.Context, ns models.Namespace, retention time.Duration) error {
	db := s.client.Database(ns.Database)
	if err := db.CreateCollection(ctx, ns.Collection); err != nil && !hasCode(err, codeNamespaceExists) {
		return fmt.Errorf("create collection %s: %w", ns, err)
	}

	ttl := ttlSeconds(retention)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: 1}}},
		{Keys: bson.D{{Key: "priority", Value: 1}, {Key: "queued_at", Value: 1}}},
		{Keys: bson.D{{Key: "finished_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttl)},
	}
	idx := db.Collection(ns.Collection).Indexes()
	for _, model := range indexes {
		if _, err := idx.CreateOne(ctx, model); err != nil && !hasCode(err, codeIndexOptionsConflict) {
			return fmt.Errorf("create index on %s: %w", ns, err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, ns models.Namespace, item models.Item) error {
	id := primitive.NewObjectID()
	if item.ID != "" {
		oid, err := primitive.ObjectIDFromHex(item.ID)
		if err != nil {
			return fmt.Errorf("item id %q: %w", item.ID, err)
		}
		id = oid
	}
	_, err := s.coll(ns).InsertOne(ctx, itemDoc{
		ID:       id,
		Priority: item.Priority,
		QueuedAt: item.QueuedAt,
		Payload:  item.Payload,
		Group:    item.Group,
	})
	return err
}

func (s *Store) ClaimNext(ctx context.Context, ns models.Namespace, req queue.ClaimRequest) (models.Item, error) {
	filter := bson.D{{Key: "started_at", Value: nil}}
	var groups []string
	for _, g := range req.ExcludeGroups {
		if g != "" {
			groups = append(groups, g)
		}
	}
	if len(groups) > 0 {
		filter = append(filter, bson.E{Key: "group", Value: bson.D{{Key: "$nin", Value: groups}}})
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "started_at", Value: req.Now},
		{Key: "claim_token", Value: req.Token},
	}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "queued_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc itemDoc
	err := s.coll(ns).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Item{}, queue.ErrEmpty
	}
	if err != nil {
		return models.Item{}, err
	}
	return doc.item(), nil
}

func objectID(id string) (primitive.ObjectID, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	return oid, err == nil
}

func (s *Store) MarkFinished(ctx context.Context, ns models.Namespace, id, token string, at time.Time) (bool, error) {
	oid, ok := objectID(id)
	if !ok {
		return false, nil
	}
	res, err := s.coll(ns).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: oid},
			{Key: "claim_token", Value: token},
			{Key: "started_at", Value: bson.D{{Key: "$ne", Value: nil}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "finished_at", Value: at}}}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *Store) Release(ctx context.Context, ns models.Namespace, id, token string) (bool, error) {
	oid, ok := objectID(id)
	if !ok {
		return false, nil
	}
	res, err := s.coll(ns).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: oid},
			{Key: "claim_token", Value: token},
			{Key: "started_at", Value: bson.D{{Key: "$ne", Value: nil}}},
			{Key: "finished_at", Value: nil},
		},
		bson.D{{Key: "$unset", Value: bson.D{
			{Key: "started_at", Value: ""},
			{Key: "claim_token", Value: ""},
		}}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *Store) Stats(ctx context.Context, ns models.Namespace) (models.Stats, error) {
	c := s.coll(ns)
	var st models.Stats
	counts := []struct {
		dst    *int64
		filter bson.D
	}{
		{&st.Available, bson.D{{Key: "started_at", Value: nil}}},
		{&st.Claimed, bson.D{
			{Key: "started_at", Value: bson.D{{Key: "$ne", Value: nil}}},
			{Key: "finished_at", Value: nil},
		}},
		{&st.Finished, bson.D{{Key: "finished_at", Value: bson.D{{Key: "$ne", Value: nil}}}}},
	}
	for _, q := range counts {
		n, err := c.CountDocuments(ctx, q.filter)
		if err != nil {
			return models.Stats{}, err
		}
		*q.dst = n
	}
	return st, nil
}

// Get returns the item with id, or mongo.ErrNoDocuments.
func (s *Store) Get(ctx context.Context, ns models.Namespace, id string) (models.Item, error) {
	oid, ok := objectID(id)
	if !ok {
		return models.Item{}, mongo.ErrNoDocuments
	}
	var doc itemDoc
	if err := s.coll(ns).FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc); err != nil {
		return models.Item{}, err
	}
	return doc.item(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}
