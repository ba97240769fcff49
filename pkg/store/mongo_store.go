package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"mangoscan/pkg/domain"
)

const (
	defaultMongoDatabase   = "mangoscan"
	analysesCollectionName = "analyses"
)

type analysisDocument struct {
	ID                string    `bson:"_id"`
	UserID            string    `bson:"userId"`
	Filename          string    `bson:"filename"`
	Diagnosis         string    `bson:"diagnosis"`
	Confidence        float64   `bson:"confidence"`
	RecommendedAction string    `bson:"recommendedAction"`
	ModelVersion      string    `bson:"modelVersion"`
	Practices         []string  `bson:"practices,omitempty"`
	CreatedAt         time.Time `bson:"createdAt"`
	UpdatedAt         time.Time `bson:"updatedAt"`
}

// MongoStore implements AnalysisStore on a MongoDB collection.
type MongoStore struct {
	client   *mongo.Client
	analyses *mongo.Collection
	clock    *monotonicClock
}

// NewMongoStore connects, pings the primary and ensures the owner index exists.
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetMaxPoolSize(50))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(mongoDatabaseName(uri)).Collection(analysesCollectionName)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure analyses index: %w", err)
	}
	return &MongoStore{
		client:   client,
		analyses: coll,
		clock:    newMonotonicClock(time.Millisecond),
	}, nil
}

func mongoDatabaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultMongoDatabase
	}
	return name
}

// InsertAnalysis stores a new document for ownerID.
func (s *MongoStore) InsertAnalysis(ctx context.Context, ownerID, filename string, result domain.ClassificationResult) (domain.AnalysisRecord, error) {
	rec, err := newRecord(ownerID, filename, result, s.clock.Next())
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	if _, err := s.analyses.InsertOne(ctx, analysisToDocument(rec)); err != nil {
		return domain.AnalysisRecord{}, wrapPersistence("insert analysis", err)
	}
	return rec, nil
}

// ListAnalysesByOwner returns ownerID's documents sorted by createdAt descending.
func (s *MongoStore) ListAnalysesByOwner(ctx context.Context, ownerID string) ([]domain.AnalysisRecord, error) {
	findOpts := options.Find().SetSort(newestFirstSort())
	cur, err := s.analyses.Find(ctx, ownerFilter(ownerID), findOpts)
	if err != nil {
		return nil, wrapPersistence("list analyses", err)
	}
	defer cur.Close(ctx)
	var docs []analysisDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapPersistence("list analyses", err)
	}
	res := make([]domain.AnalysisRecord, 0, len(docs))
	for _, d := range docs {
		res = append(res, analysisFromDocument(d))
	}
	return res, nil
}

// Ping checks the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return wrapPersistence("ping", err)
	}
	return nil
}

// Close disconnects the client pool.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func ownerFilter(ownerID string) bson.D {
	return bson.D{{Key: "userId", Value: ownerID}}
}

// newestFirstSort breaks createdAt ties on _id, which is time-ordered.
func newestFirstSort() bson.D {
	return bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}
}

func analysisToDocument(a domain.AnalysisRecord) analysisDocument {
	return analysisDocument{
		ID:                a.ID,
		UserID:            a.UserID,
		Filename:          a.Filename,
		Diagnosis:         a.Diagnosis,
		Confidence:        a.Confidence,
		RecommendedAction: a.RecommendedAction,
		ModelVersion:      a.ModelVersion,
		Practices:         a.Practices,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func analysisFromDocument(d analysisDocument) domain.AnalysisRecord {
	var practices []string
	if len(d.Practices) > 0 {
		practices = append(practices, d.Practices...)
	}
	return domain.AnalysisRecord{
		ID:                d.ID,
		UserID:            d.UserID,
		Filename:          d.Filename,
		Diagnosis:         d.Diagnosis,
		Confidence:        d.Confidence,
		RecommendedAction: d.RecommendedAction,
		ModelVersion:      d.ModelVersion,
		Practices:         practices,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
}
