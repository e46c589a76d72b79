package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cse_feed_backend/models"
)

// MongoDB defaults
const (
	MongoDefaultDBName       = "cse_feed"
	MongoSnapshotsCollection = "trade_summary_snapshots"
	mongoOpTimeout           = 30 * time.Second
)

// Reconnector is implemented by stores that can re-establish a dropped connection
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// MongoStore keeps snapshots in a MongoDB collection, one document per fetch key
type MongoStore struct {
	uri    string
	dbName string

	mu          sync.RWMutex
	client      *mongo.Client
	collection  *mongo.Collection
	isConnected bool
	lastError   string
}

type mongoSnapshotDoc struct {
	ID                   string `bson:"_id"`
	models.SnapshotEntry `bson:",inline"`
}

// NewMongoStore connects to MongoDB and prepares the snapshot collection
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = MongoDefaultDBName
	}
	m := &MongoStore{uri: uri, dbName: dbName}
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MongoStore) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(m.uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		m.setError(fmt.Sprintf("Failed to connect: %v", err))
		return fmt.Errorf("%w: connect mongodb: %v", ErrStoreUnavailable, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		m.setError(fmt.Sprintf("Failed to ping: %v", err))
		client.Disconnect(ctx)
		return fmt.Errorf("%w: ping mongodb: %v", ErrStoreUnavailable, err)
	}

	collection := client.Database(m.dbName).Collection(MongoSnapshotsCollection)

	m.mu.Lock()
	m.client = client
	m.collection = collection
	m.isConnected = true
	m.lastError = ""
	m.mu.Unlock()

	m.createIndexes(ctx)

	log.Println("MongoDB snapshot store connected")
	return nil
}

// createIndexes makes timestamps unique and dates cheap to scan
func (m *MongoStore) createIndexes(ctx context.Context) {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "date", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		log.Printf("Warning: failed to create MongoDB indexes: %v", err)
	}
}

func (m *MongoStore) setError(msg string) {
	m.mu.Lock()
	m.lastError = msg
	m.isConnected = false
	m.mu.Unlock()
}

func (m *MongoStore) coll() (*mongo.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.isConnected || m.collection == nil {
		return nil, fmt.Errorf("%w: mongodb not connected: %s", ErrStoreUnavailable, m.lastError)
	}
	return m.collection, nil
}

func (m *MongoStore) ListKeys(ctx context.Context, parent string) ([]string, error) {
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var keys []string
	if parent == "" {
		values, err := coll.Distinct(ctx, "date", bson.M{})
		if err != nil {
			return nil, fmt.Errorf("list dates: %w", err)
		}
		for _, v := range values {
			if s, ok := v.(string); ok {
				keys = append(keys, s)
			}
		}
		sort.Strings(keys)
		return keys, nil
	}

	opts := options.Find().
		SetProjection(bson.M{"timestamp": 1}).
		SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := coll.Find(ctx, bson.M{"date": parent}, opts)
	if err != nil {
		return nil, fmt.Errorf("list timestamps for %s: %w", parent, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			Timestamp string `bson:"timestamp"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode timestamp: %w", err)
		}
		keys = append(keys, doc.Timestamp)
	}
	return keys, cursor.Err()
}

func (m *MongoStore) Exists(ctx context.Context, key string) (bool, error) {
	coll, err := m.coll()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{"date": key}
	if fk, ok := models.ParseFetchKey(key); ok {
		filter = bson.M{"_id": fk.Path()}
	}
	n, err := coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return n > 0, nil
}

func (m *MongoStore) Get(ctx context.Context, date string) ([]models.SnapshotEntry, error) {
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cursor, err := coll.Find(ctx, bson.M{"date": date}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load snapshots for %s: %w", date, err)
	}
	defer cursor.Close(ctx)

	var entries []models.SnapshotEntry
	for cursor.Next(ctx) {
		var doc mongoSnapshotDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		entries = append(entries, doc.SnapshotEntry)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

func (m *MongoStore) Put(ctx context.Context, key models.FetchKey, snapshot models.Snapshot) error {
	if err := validateFetchKey(key); err != nil {
		return err
	}
	coll, err := m.coll()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	doc := mongoSnapshotDoc{ID: key.Path(), SnapshotEntry: models.NewSnapshotEntry(key, snapshot)}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key.Path())
		}
		return fmt.Errorf("save snapshot %s: %w", key.Path(), err)
	}
	return nil
}

// Ping checks the connection and marks the store disconnected on failure
func (m *MongoStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("%w: mongodb not connected", ErrStoreUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		m.setError(fmt.Sprintf("Failed to ping: %v", err))
		return fmt.Errorf("%w: ping mongodb: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Reconnect drops the current client and connects again
func (m *MongoStore) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.client != nil {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		m.client.Disconnect(dctx)
		cancel()
	}
	m.client = nil
	m.isConnected = false
	m.mu.Unlock()

	return m.connect(ctx)
}

// GetConnectionStatus returns detailed connection status
func (m *MongoStore) GetConnectionStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := map[string]interface{}{
		"driver":    "mongodb",
		"connected": m.isConnected,
	}
	if m.lastError != "" {
		status["error"] = m.lastError
	}
	return status
}

func (m *MongoStore) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.isConnected = false
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}
