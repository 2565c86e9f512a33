// Package store is the durable home of documents and version snapshots,
// backed by MongoDB. It is grounded in the teacher's mongo persistence
// layers (luvjson/crdtstorage.MongoDBAdapter for the collection shape,
// nodestorage/v2's optimistic-concurrency retry loop for AppendVersion),
// adapted from a generic document cache to the two collections this
// service needs.
package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"notecollab/internal/apperr"
)

const (
	documentsCollection = "documents"
	versionsCollection  = "versions"

	RenderModeMarkdown = "markdown"
	RenderModeHTML     = "html"
)

// Document is one row of the documents collection.
type Document struct {
	ID             string    `bson:"_id"`
	Title          string    `bson:"title"`
	TextProjection string    `bson:"textProjection"`
	HTMLProjection string    `bson:"htmlProjection,omitempty"`
	RenderMode     string    `bson:"renderMode"`
	CRDTSnapshot   []byte    `bson:"crdtSnapshot,omitempty"`
	Views          int64     `bson:"views"`
	ActiveEditors  int64     `bson:"activeEditors"`
	NextVersion    int64     `bson:"nextVersion"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

// VersionSnapshot is one row of the append-only versions collection.
type VersionSnapshot struct {
	DocumentID string    `bson:"documentId"`
	Version    int64     `bson:"version"`
	Snapshot   []byte    `bson:"snapshot"`
	Author     string    `bson:"author,omitempty"`
	Message    string    `bson:"message,omitempty"`
	CreatedAt  time.Time `bson:"createdAt"`
}

// PatchFields is the set of optional fields HttpApi may update on a
// document in a single partial write. A nil pointer leaves a field
// unchanged.
type PatchFields struct {
	Title          *string
	TextProjection *string
	HTMLProjection *string
}

// Store is the durable persistence layer for documents and versions.
type Store struct {
	client       *mongo.Client
	documents    *mongo.Collection
	versions     *mongo.Collection
	retryMax     int
	retryBackoff time.Duration
	logger       *zap.Logger
}

// New builds a Store against the given database, named per config
// (config.StoreDatabase).
func New(client *mongo.Client, database string, retryMax int, retryBackoff time.Duration, logger *zap.Logger) *Store {
	db := client.Database(database)
	return &Store{
		client:       client,
		documents:    db.Collection(documentsCollection),
		versions:     db.Collection(versionsCollection),
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
		logger:       logger,
	}
}

// EnsureIndexes creates the indexes the Store's guarantees depend on: a
// unique (documentId, version) pair so AppendVersion's optimistic retry
// loop has something to collide against, and an updatedAt index for
// List's ordering.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.versions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "create version index", err)
	}

	_, err = s.documents.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: -1}},
	})
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "create updatedAt index", err)
	}
	return nil
}

// Ping checks connectivity to the backing MongoDB deployment, used by the
// readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return apperr.Wrap(apperr.KindTransient, "mongo ping", err)
	}
	return nil
}

// Create inserts a new document row, failing with KindAlreadyExists if id
// is taken.
func (s *Store) Create(ctx context.Context, id, title, textProjection string, htmlProjection *string, renderMode string) (*Document, error) {
	if renderMode == "" {
		renderMode = RenderModeMarkdown
	}

	now := nowFunc()
	doc := &Document{
		ID:             id,
		Title:          title,
		TextProjection: textProjection,
		RenderMode:     renderMode,
		NextVersion:    1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if htmlProjection != nil {
		doc.HTMLProjection = *htmlProjection
	}

	_, err := s.documents.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil, apperr.New(apperr.KindAlreadyExists, "document already exists")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "insert document", err)
	}
	return doc, nil
}

// Get returns the full row for id or KindNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.New(apperr.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "get document", err)
	}
	return &doc, nil
}

// List returns a page of rows ordered by updatedAt descending.
func (s *Store) List(ctx context.Context, limit, offset int64) ([]Document, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset)

	cursor, err := s.documents.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "list documents", err)
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "decode document list", err)
	}
	return docs, nil
}

// UpsertSnapshot atomically updates the CRDT snapshot and text/html
// projections and bumps updatedAt, creating the row with defaults if it
// doesn't already exist.
func (s *Store) UpsertSnapshot(ctx context.Context, id string, snapshot []byte, textProjection string, htmlProjection, title, renderMode *string) (*Document, error) {
	now := nowFunc()

	set := bson.M{
		"crdtSnapshot":   snapshot,
		"textProjection": textProjection,
		"updatedAt":      now,
	}
	if htmlProjection != nil {
		set["htmlProjection"] = *htmlProjection
	}
	if title != nil {
		set["title"] = *title
	}
	if renderMode != nil {
		set["renderMode"] = *renderMode
	}

	setOnInsert := bson.M{
		"_id":         id,
		"createdAt":   now,
		"nextVersion": int64(1),
	}
	if _, ok := set["title"]; !ok {
		setOnInsert["title"] = "Untitled Document"
	}
	if _, ok := set["renderMode"]; !ok {
		setOnInsert["renderMode"] = RenderModeMarkdown
	}

	update := bson.M{"$set": set, "$setOnInsert": setOnInsert}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc Document
	err := s.documents.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "upsert snapshot", err)
	}
	return &doc, nil
}

// Patch applies a partial, non-realtime update to a document. Unlike
// UpsertSnapshot it never creates the row.
func (s *Store) Patch(ctx context.Context, id string, fields PatchFields) (*Document, error) {
	set := bson.M{"updatedAt": nowFunc()}
	if fields.Title != nil {
		set["title"] = *fields.Title
	}
	if fields.TextProjection != nil {
		set["textProjection"] = *fields.TextProjection
	}
	if fields.HTMLProjection != nil {
		set["htmlProjection"] = *fields.HTMLProjection
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc Document
	err := s.documents.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.New(apperr.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "patch document", err)
	}
	return &doc, nil
}

// Delete removes the document row and cascades to its versions.
func (s *Store) Delete(ctx context.Context, id string) error {
	session, err := s.client.StartSession()
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "start delete session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (interface{}, error) {
		res, err := s.documents.DeleteOne(sessCtx, bson.M{"_id": id})
		if err != nil {
			return nil, err
		}
		if res.DeletedCount == 0 {
			return nil, mongo.ErrNoDocuments
		}
		if _, err := s.versions.DeleteMany(sessCtx, bson.M{"documentId": id}); err != nil {
			return nil, err
		}
		return nil, nil
	})

	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.New(apperr.KindNotFound, "document not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "delete document", err)
	}
	return nil
}

// AppendVersion allocates the next monotonically increasing version for a
// document and stores its snapshot, retrying on a concurrent append
// colliding over the same version number. Grounded in the teacher's
// optimistic-concurrency retry loop (nodestorage/v2 FindOneAndUpdate with a
// version filter), adapted to a dedicated append-only collection instead
// of a version field on the row itself.
func (s *Store) AppendVersion(ctx context.Context, id string, snapshot []byte, author, message *string) (*VersionSnapshot, error) {
	for attempt := 0; ; attempt++ {
		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.Before)
		var before Document
		err := s.documents.FindOneAndUpdate(ctx,
			bson.M{"_id": id},
			bson.M{"$inc": bson.M{"nextVersion": int64(1)}},
			opts,
		).Decode(&before)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.New(apperr.KindNotFound, "document not found")
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "reserve version number", err)
		}

		version := before.NextVersion
		if version == 0 {
			version = 1
		}

		rec := &VersionSnapshot{
			DocumentID: id,
			Version:    version,
			Snapshot:   snapshot,
			CreatedAt:  nowFunc(),
		}
		if author != nil {
			rec.Author = *author
		}
		if message != nil {
			rec.Message = *message
		}

		_, err = s.versions.InsertOne(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, apperr.Wrap(apperr.KindTransient, "insert version", err)
		}

		if s.retryMax > 0 && attempt >= s.retryMax {
			return nil, apperr.New(apperr.KindTransient, "version conflict exceeded retry budget")
		}
		if s.logger != nil {
			s.logger.Warn("version conflict, retrying", zap.String("documentId", id), zap.Int64("version", version))
		}
		sleepBackoff(s.retryBackoff, attempt)
	}
}

func sleepBackoff(base time.Duration, attempt int) {
	if base <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	time.Sleep(base + jitter)
}

// nowFunc is a seam for tests; production always uses time.Now.
var nowFunc = time.Now
