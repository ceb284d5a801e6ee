package metadata_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metadata/badger"
	"github.com/fruitsalade/pantry/pkg/models"
)

func newStore(t *testing.T) (*metadata.Store, metadata.KV) {
	t.Helper()
	kv, err := badger.Open(badger.Config{InMemory: true})
	require.NoError(t, err)
	s := metadata.NewStore(kv)
	t.Cleanup(func() { s.Close() })
	return s, kv
}

func file(owner, folder, name string) *models.FileRecord {
	key := owner + "/" + name
	if folder != "" {
		key = owner + "/" + folder + "/" + name
	}
	return &models.FileRecord{
		Key: key, OwnerID: owner, Folder: folder, FileName: name, OriginalName: name,
		Label: models.LabelNone, UploadedAt: time.Now(),
	}
}

func TestCreateFileIsCreateOnly(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	exists, err := s.FileExists(ctx, "u1/a.png")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.CreateFile(ctx, file("u1", "", "a.png")))

	exists, err = s.FileExists(ctx, "u1/a.png")
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.CreateFile(ctx, file("u1", "", "a.png"))
	assert.ErrorIs(t, err, metadata.ErrExists)
}

func TestUpdateFile(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateFile(ctx, file("u1", "pics", "a.png")))

	rec, err := s.UpdateFile(ctx, "u1/pics/a.png", func(r *models.FileRecord) error {
		r.Label = "everyone"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "everyone", rec.Label)

	got, err := s.GetFile(ctx, "u1/pics/a.png")
	require.NoError(t, err)
	assert.Equal(t, "everyone", got.Label)

	_, err = s.UpdateFile(ctx, "u1/missing", func(*models.FileRecord) error { return nil })
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestFindFilesUsesIndex(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateFile(ctx, file("u1", "a/b", "cat.jpg")))
	require.NoError(t, s.CreateFile(ctx, file("u2", "", "cat.jpg")))
	require.NoError(t, s.CreateFile(ctx, file("u2", "", "cat.jpeg")))

	all, err := s.FindFiles(ctx, metadata.FileQuery{Name: "cat.jpg", AnyFolder: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inFolder, err := s.FindFiles(ctx, metadata.FileQuery{Name: "cat.jpg", Folder: "a/b"})
	require.NoError(t, err)
	require.Len(t, inFolder, 1)
	assert.Equal(t, "u1/a/b/cat.jpg", inFolder[0].Key)

	root, err := s.FindFiles(ctx, metadata.FileQuery{Name: "cat.jpg"})
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "u2", root[0].OwnerID)
}

func TestFindFilesMatchesStoredAndOriginalName(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	short := file("u2", "", "Xy12abCd.png")
	short.OriginalName = "a.png"
	short.UploadedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateFile(ctx, short))

	found, err := s.FindFiles(ctx, metadata.FileQuery{Name: "a.png"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "u2/Xy12abCd.png", found[0].Key)

	// A later upload stored as a.png must not hide the earlier match.
	require.NoError(t, s.CreateFile(ctx, file("u1", "", "a.png")))
	found, err = s.FindFiles(ctx, metadata.FileQuery{Name: "a.png"})
	require.NoError(t, err)
	keys := []string{}
	for _, f := range found {
		keys = append(keys, f.Key)
	}
	assert.ElementsMatch(t, []string{"u1/a.png", "u2/Xy12abCd.png"}, keys)

	found, err = s.FindFiles(ctx, metadata.FileQuery{Name: "Xy12abCd.png"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	// Two short uploads of the same original both stay reachable.
	second := file("u2", "", "Qr34stUv.png")
	second.OriginalName = "a.png"
	require.NoError(t, s.CreateFile(ctx, second))
	found, err = s.FindFiles(ctx, metadata.FileQuery{Name: "a.png", AnyFolder: true})
	require.NoError(t, err)
	assert.Len(t, found, 3)
}

func TestRebuildNameIndex(t *testing.T) {
	s, kv := newStore(t)
	ctx := context.Background()

	// A record written without its index entries, as older deployments did.
	key := "u1/docs/1700000000000_report.pdf"
	data := []byte(`{"key":"u1/docs/1700000000000_report.pdf","owner_id":"u1","folder":"docs",` +
		`"file_name":"1700000000000_report.pdf","original_name":"report.pdf","label":"None"}`)
	require.NoError(t, metadata.Put(ctx, kv, "file/"+key, data))

	found, err := s.FindFiles(ctx, metadata.FileQuery{Name: "report.pdf", Folder: "docs"})
	require.NoError(t, err)
	assert.Empty(t, found)

	n, err := s.RebuildNameIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, name := range []string{"report.pdf", "1700000000000_report.pdf"} {
		found, err = s.FindFiles(ctx, metadata.FileQuery{Name: name, Folder: "docs"})
		require.NoError(t, err)
		require.Len(t, found, 1, name)
		assert.Equal(t, key, found[0].Key)
	}
}

func TestShareIndexes(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for _, tok := range []string{"t1", "t2"} {
		require.NoError(t, s.CreateShare(ctx, &models.ShareRecord{
			Token: tok, OwnerID: "u1", FileKey: "u1/a.png", Active: true,
		}))
	}
	require.NoError(t, s.CreateShare(ctx, &models.ShareRecord{
		Token: "t3", OwnerID: "u2", FileKey: "u2/b.png", Active: true,
	}))
	assert.ErrorIs(t, s.CreateShare(ctx, &models.ShareRecord{Token: "t1", OwnerID: "u9"}), metadata.ErrExists)

	_, err := s.UpdateShare(ctx, "t1", func(r *models.ShareRecord) error {
		r.Views = 4
		return nil
	})
	require.NoError(t, err)

	// Owner listing reads through to the canonical record.
	owned, err := s.ListSharesByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, 4, owned[0].Views)

	byFile, err := s.ListSharesByFile(ctx, "u2/b.png")
	require.NoError(t, err)
	require.Len(t, byFile, 1)
	assert.Equal(t, "t3", byFile[0].Token)
}

func TestUpdateShareAbortsOnCallbackError(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateShare(ctx, &models.ShareRecord{Token: "t", OwnerID: "u", Active: true}))

	stop := errors.New("stop")
	_, err := s.UpdateShare(ctx, "t", func(r *models.ShareRecord) error {
		r.Views = 99
		return stop
	})
	assert.ErrorIs(t, err, stop)

	got, err := s.GetShare(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Views)
}

func TestConcurrentQuotaUpdates(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateQuota(ctx, "u1", models.QuotaRecord{Total: 1000}, func(q *models.QuotaRecord) error {
				q.Used += 10
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	q, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*10), q.Used)
	assert.Equal(t, int64(1000), q.Total)
}

func TestSplitFileKey(t *testing.T) {
	owner, folder, name := metadata.SplitFileKey("u1/a/b/c.txt")
	assert.Equal(t, "u1", owner)
	assert.Equal(t, "a/b", folder)
	assert.Equal(t, "c.txt", name)

	owner, folder, name = metadata.SplitFileKey("u1/c.txt")
	assert.Equal(t, "u1", owner)
	assert.Empty(t, folder)
	assert.Equal(t, "c.txt", name)
}
