package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names besides the configurable posts collection.
const (
	CollectionCursors = "cursors"
	CollectionRuns    = "sync_runs"
)

// MongoOptions configures OpenMongo.
type MongoOptions struct {
	URI             string
	Database        string
	PostsCollection string
	// Timeout bounds every operation issued by the client. Zero means no bound.
	Timeout time.Duration
}

// MongoStore keeps posts, cursors and run history in MongoDB.
type MongoStore struct {
	client  *mongo.Client
	posts   *mongo.Collection
	cursors *mongo.Collection
	runs    *mongo.Collection
}

// OpenMongo connects, pings the primary and ensures indexes exist.
func OpenMongo(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if strings.TrimSpace(opts.URI) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if strings.TrimSpace(opts.Database) == "" {
		return nil, errors.New("mongo database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(opts.URI).
		SetMaxPoolSize(20).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)
	if opts.Timeout > 0 {
		clientOptions.SetTimeout(opts.Timeout)
	}

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := newMongoStore(client, opts.Database, opts.PostsCollection)
	if err := s.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func newMongoStore(client *mongo.Client, database, postsCollection string) *MongoStore {
	if postsCollection == "" {
		postsCollection = "Posts"
	}
	db := client.Database(database)
	return &MongoStore{
		client:  client,
		posts:   db.Collection(postsCollection),
		cursors: db.Collection(CollectionCursors),
		runs:    db.Collection(CollectionRuns),
	}
}

// EnsureIndexes creates the indexes queries and the dedup constraint rely on.
// Creating an index that already exists is a no-op on the server.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.posts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pageId", Value: 1}, {Key: "postId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "pageId", Value: 1}}},
		{Keys: bson.D{{Key: "source.sourceType", Value: 1}}},
		{Keys: bson.D{{Key: "source.sourceName", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("create posts indexes: %w", err)
	}

	if _, err := s.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pageId", Value: 1}, {Key: "startedAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("create sync_runs indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

func (s *MongoStore) GetCursor(ctx context.Context, pageID string) (Cursor, bool, error) {
	if s == nil || s.client == nil {
		return Cursor{}, false, errors.New("store is not initialized")
	}

	var c Cursor
	err := s.cursors.FindOne(ctx, bson.M{"_id": pageID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Cursor{PageID: pageID}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("get cursor: %w", err)
	}
	normalizeCursor(&c)
	return c, true, nil
}

// SetCursor stores lastSeen for pageID. $max keeps the stored value from moving backwards.
func (s *MongoStore) SetCursor(ctx context.Context, pageID string, lastSeen time.Time) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	if strings.TrimSpace(pageID) == "" {
		return errors.New("page_id is required")
	}
	if lastSeen.IsZero() {
		return errors.New("last_seen is required")
	}

	update := bson.M{
		"$max": bson.M{"lastSeen": lastSeen.UTC()},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	}
	if _, err := s.cursors.UpdateOne(ctx, bson.M{"_id": pageID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (s *MongoStore) ListCursors(ctx context.Context) ([]Cursor, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store is not initialized")
	}

	cur, err := s.cursors.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var cursors []Cursor
	if err := cur.All(ctx, &cursors); err != nil {
		return nil, fmt.Errorf("decode cursors: %w", err)
	}
	for i := range cursors {
		normalizeCursor(&cursors[i])
	}
	return cursors, nil
}

// UpsertPost inserts rec unless (PageID, PostID) is already stored.
// It reports whether a new document was written; existing documents are left untouched.
func (s *MongoStore) UpsertPost(ctx context.Context, rec PostRecord) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("store is not initialized")
	}
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.CollectedAt = rec.CollectedAt.UTC()
	rec.Tag.PageID = rec.PageID

	filter := bson.M{"pageId": rec.PageID, "postId": rec.PostID}
	update := bson.M{"$setOnInsert": rec}

	res, err := s.posts.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// Two upserts racing on the unique index: the loser sees E11000.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("upsert post: %w", err)
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) RecordRun(ctx context.Context, run RunRecord) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	if err := validateRun(run); err != nil {
		return err
	}

	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	if _, err := s.runs.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs for pageID, newest first.
func (s *MongoStore) RecentRuns(ctx context.Context, pageID string, limit int) ([]RunRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store is not initialized")
	}
	if limit <= 0 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.runs.Find(ctx, bson.M{"pageId": pageID}, opts)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var runs []RunRecord
	if err := cur.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return runs, nil
}

type pageStatsDoc struct {
	PageID        string    `bson:"_id"`
	Posts         int       `bson:"posts"`
	NewestPost    time.Time `bson:"newestPost"`
	LastCollected time.Time `bson:"lastCollected"`
}

func (s *MongoStore) PageStats(ctx context.Context) ([]PageStats, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store is not initialized")
	}

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$pageId"},
			{Key: "posts", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "newestPost", Value: bson.D{{Key: "$max", Value: "$createdAt"}}},
			{Key: "lastCollected", Value: bson.D{{Key: "$max", Value: "$collectedAt"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cur, err := s.posts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("page stats: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []pageStatsDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode page stats: %w", err)
	}

	stats := make([]PageStats, 0, len(docs))
	for _, d := range docs {
		stats = append(stats, PageStats{
			PageID:        d.PageID,
			Posts:         d.Posts,
			NewestPost:    d.NewestPost.UTC(),
			LastCollected: d.LastCollected.UTC(),
		})
	}
	return stats, nil
}

func normalizeCursor(c *Cursor) {
	if c.LastSeen != nil {
		ts := c.LastSeen.UTC()
		c.LastSeen = &ts
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
}
