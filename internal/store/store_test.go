package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// setupTestStore connects to a local MongoDB instance and returns a Store
// backed by a throwaway database, with a cleanup function that drops it.
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	require.NoError(t, err, "failed to connect to MongoDB")

	dbName := "notecollab_test_" + bson.NewObjectID().Hex()
	s := New(client, dbName, 3, 10*time.Millisecond, nil)
	require.NoError(t, s.EnsureIndexes(ctx))

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	}
	return s, cleanup
}

func TestCreateAndGet(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	doc, err := s.Create(ctx, "doc-1", "My Note", "hello", nil, "")
	require.NoError(t, err)
	assert.Equal(t, RenderModeMarkdown, doc.RenderMode)
	assert.Equal(t, int64(1), doc.NextVersion)

	fetched, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "My Note", fetched.Title)
}

func TestCreateDuplicateFails(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "doc-dup", "A", "x", nil, "")
	require.NoError(t, err)

	_, err = s.Create(ctx, "doc-dup", "B", "y", nil, "")
	require.Error(t, err)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestUpsertSnapshotCreatesWhenMissing(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	doc, err := s.UpsertSnapshot(ctx, "doc-new", []byte("snap"), "projected text", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Untitled Document", doc.Title)
	assert.Equal(t, "projected text", doc.TextProjection)
	assert.Equal(t, []byte("snap"), doc.CRDTSnapshot)
}

func TestUpsertSnapshotUpdatesExisting(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "doc-2", "Title", "v1", nil, "")
	require.NoError(t, err)

	doc, err := s.UpsertSnapshot(ctx, "doc-2", []byte("snap2"), "v2", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Title", doc.Title)
	assert.Equal(t, "v2", doc.TextProjection)
}

func TestPatchRequiresExistingRow(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	title := "New Title"
	_, err := s.Patch(context.Background(), "missing", PatchFields{Title: &title})
	require.Error(t, err)
}

func TestPatchPartialUpdate(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "doc-3", "Original", "text", nil, "")
	require.NoError(t, err)

	newTitle := "Renamed"
	doc, err := s.Patch(ctx, "doc-3", PatchFields{Title: &newTitle})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", doc.Title)
	assert.Equal(t, "text", doc.TextProjection)
}

func TestDeleteCascadesVersions(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "doc-4", "T", "x", nil, "")
	require.NoError(t, err)
	_, err = s.AppendVersion(ctx, "doc-4", []byte("v1"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "doc-4"))

	_, err = s.Get(ctx, "doc-4")
	assert.Error(t, err)

	count, err := s.versions.CountDocuments(ctx, bson.M{"documentId": "doc-4"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAppendVersionIsGapFreeAndSequential(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Create(ctx, "doc-5", "T", "x", nil, "")
	require.NoError(t, err)

	v1, err := s.AppendVersion(ctx, "doc-5", []byte("a"), nil, nil)
	require.NoError(t, err)
	v2, err := s.AppendVersion(ctx, "doc-5", []byte("b"), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), v1.Version)
	assert.Equal(t, int64(2), v2.Version)
}
