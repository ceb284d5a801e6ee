package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/pkg/models"
	"github.com/fruitsalade/pantry/pkg/retry"
)

// Key namespaces.
const (
	prefixFile      = "file/"
	prefixFileIndex = "fileidx/"
	prefixShare     = "share/"
	prefixShareOwn  = "shareown/"
	prefixShareFile = "sharefile/"
	prefixQuota     = "quota/"

	sep = "\x00"
)

func fileKey(key string) string { return prefixFile + key }

// The name index is ordered name first so that one prefix covers "this name
// in any folder" and a longer one covers "this name in this folder".
func fileIndexKey(name, folder, owner, key string) string {
	return prefixFileIndex + name + sep + folder + sep + owner + sep + key
}

func shareKey(token string) string            { return prefixShare + token }
func shareOwnerKey(owner, token string) string { return prefixShareOwn + owner + "/" + token }
func shareFileKey(fileKey, token string) string {
	return prefixShareFile + fileKey + sep + token
}
func quotaKey(user string) string { return prefixQuota + user }

// Store is the typed record store over a KV backend.
type Store struct {
	kv    KV
	retry retry.Config
	now   func() time.Time
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv, retry: retry.OptimisticConfig(), now: time.Now}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

func getJSON[T any](ctx context.Context, kv KV, key string) (*T, uint64, error) {
	e, err := kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	var v T
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, e.Version, nil
}

// update runs an optimistic read-modify-write loop on one JSON record.
// When the record is absent, init provides the starting value; a nil init
// makes absence an error.
func update[T any](ctx context.Context, s *Store, kind, key string, init func() *T, fn func(*T) error) (*T, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_"+kind, time.Since(start)) }()

	return retry.DoWithResult(ctx, s.retry, func() (*T, error) {
		cur, version, err := getJSON[T](ctx, s.kv, key)
		if errors.Is(err, ErrNotFound) && init != nil {
			cur, version, err = init(), 0, nil
		}
		if err != nil {
			return nil, err
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		data, err := json.Marshal(cur)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		err = CompareAndPut(ctx, s.kv, key, data, version)
		if errors.Is(err, ErrVersionMismatch) {
			metrics.RecordCASRetry(kind)
			return nil, retry.Retryable(err)
		}
		if err != nil {
			return nil, err
		}
		return cur, nil
	})
}

// ─── Files ──────────────────────────────────────────────────────────────────

// GetFile returns the file record stored under key.
func (s *Store) GetFile(ctx context.Context, key string) (*models.FileRecord, error) {
	rec, _, err := getJSON[models.FileRecord](ctx, s.kv, fileKey(key))
	return rec, err
}

// FileExists reports whether key is taken.
func (s *Store) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := s.kv.Get(ctx, fileKey(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// nameIndex returns the index entries for rec: one under the stored name and
// one under the original name when they differ.
func nameIndex(rec *models.FileRecord) []Mutation {
	muts := []Mutation{{Key: fileIndexKey(rec.FileName, rec.Folder, rec.OwnerID, rec.Key), Value: []byte(rec.Key)}}
	if rec.OriginalName != "" && rec.OriginalName != rec.FileName {
		muts = append(muts, Mutation{
			Key:   fileIndexKey(rec.OriginalName, rec.Folder, rec.OwnerID, rec.Key),
			Value: []byte(rec.Key),
		})
	}
	return muts
}

// CreateFile writes a new file record and its name index entries in one
// commit. It returns ErrExists if the key is already taken.
func (s *Store) CreateFile(ctx context.Context, rec *models.FileRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_file", time.Since(start)) }()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}
	muts := append([]Mutation{{Key: fileKey(rec.Key), Value: data, Expect: Version(0)}}, nameIndex(rec)...)
	err = s.kv.Commit(ctx, muts...)
	if errors.Is(err, ErrVersionMismatch) {
		return ErrExists
	}
	return err
}

// UpdateFile applies fn to the stored record under optimistic concurrency.
// Only the moderation label and public flag are expected to change.
func (s *Store) UpdateFile(ctx context.Context, key string, fn func(*models.FileRecord) error) (*models.FileRecord, error) {
	return update(ctx, s, "file", fileKey(key), nil, fn)
}

// FileQuery selects files by stored or original name and, optionally,
// folder.
type FileQuery struct {
	Name      string
	Folder    string
	AnyFolder bool
}

// FindFiles looks up files through the name index. A file matches under
// its stored name and under its original name.
func (s *Store) FindFiles(ctx context.Context, q FileQuery) ([]*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_files", time.Since(start)) }()

	prefix := prefixFileIndex + q.Name + sep
	if !q.AnyFolder {
		prefix += q.Folder + sep
	}

	var keys []string
	seen := make(map[string]bool)
	err := s.kv.Scan(ctx, prefix, func(_ string, e *Entry) error {
		k := string(e.Value)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan name index: %w", err)
	}

	out := make([]*models.FileRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := s.GetFile(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RebuildNameIndex writes the name index entries of every file record and
// returns how many records it visited. Servers run it at startup so records
// written before the index existed resolve by name.
func (s *Store) RebuildNameIndex(ctx context.Context) (int, error) {
	var recs []*models.FileRecord
	if err := s.ScanFiles(ctx, func(rec *models.FileRecord) error {
		recs = append(recs, rec)
		return nil
	}); err != nil {
		return 0, err
	}
	for _, rec := range recs {
		for _, m := range nameIndex(rec) {
			if err := Put(ctx, s.kv, m.Key, m.Value); err != nil {
				return 0, fmt.Errorf("index %s: %w", rec.Key, err)
			}
		}
	}
	return len(recs), nil
}

// ScanFiles visits every file record.
func (s *Store) ScanFiles(ctx context.Context, fn func(*models.FileRecord) error) error {
	return s.kv.Scan(ctx, prefixFile, func(key string, e *Entry) error {
		var rec models.FileRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return fn(&rec)
	})
}

// ─── Shares ─────────────────────────────────────────────────────────────────

// CreateShare writes the canonical share record and its token-only index
// entries. Index entries are immutable; all mutable state lives in the
// canonical record.
func (s *Store) CreateShare(ctx context.Context, share *models.ShareRecord) error {
	data, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("encode share: %w", err)
	}
	token := []byte(share.Token)
	err = s.kv.Commit(ctx,
		Mutation{Key: shareKey(share.Token), Value: data, Expect: Version(0)},
		Mutation{Key: shareOwnerKey(share.OwnerID, share.Token), Value: token},
		Mutation{Key: shareFileKey(share.FileKey, share.Token), Value: token},
	)
	if errors.Is(err, ErrVersionMismatch) {
		return ErrExists
	}
	return err
}

// GetShare returns the share with the given token.
func (s *Store) GetShare(ctx context.Context, token string) (*models.ShareRecord, error) {
	rec, _, err := getJSON[models.ShareRecord](ctx, s.kv, shareKey(token))
	return rec, err
}

// UpdateShare applies fn to the share under optimistic concurrency. fn is
// re-run against fresh state on every conflict, so guards evaluated inside
// it always see the latest view count.
func (s *Store) UpdateShare(ctx context.Context, token string, fn func(*models.ShareRecord) error) (*models.ShareRecord, error) {
	return update(ctx, s, "share", shareKey(token), nil, fn)
}

// ListSharesByOwner returns every share created by owner.
func (s *Store) ListSharesByOwner(ctx context.Context, owner string) ([]*models.ShareRecord, error) {
	return s.sharesFromIndex(ctx, prefixShareOwn+owner+"/")
}

// ListSharesByFile returns every share pointing at fileKey.
func (s *Store) ListSharesByFile(ctx context.Context, fileKey string) ([]*models.ShareRecord, error) {
	return s.sharesFromIndex(ctx, prefixShareFile+fileKey+sep)
}

func (s *Store) sharesFromIndex(ctx context.Context, prefix string) ([]*models.ShareRecord, error) {
	var tokens []string
	err := s.kv.Scan(ctx, prefix, func(_ string, e *Entry) error {
		tokens = append(tokens, string(e.Value))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan share index: %w", err)
	}

	out := make([]*models.ShareRecord, 0, len(tokens))
	for _, tok := range tokens {
		share, err := s.GetShare(ctx, tok)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, share)
	}
	return out, nil
}

// ─── Quotas ─────────────────────────────────────────────────────────────────

// GetQuota returns the quota record for user.
func (s *Store) GetQuota(ctx context.Context, user string) (*models.QuotaRecord, error) {
	rec, _, err := getJSON[models.QuotaRecord](ctx, s.kv, quotaKey(user))
	return rec, err
}

// UpdateQuota applies fn to the user's quota, creating the record from
// initial when absent.
func (s *Store) UpdateQuota(ctx context.Context, user string, initial models.QuotaRecord, fn func(*models.QuotaRecord) error) (*models.QuotaRecord, error) {
	initial.UserID = user
	return update(ctx, s, "quota", quotaKey(user), func() *models.QuotaRecord {
		q := initial
		return &q
	}, func(q *models.QuotaRecord) error {
		if err := fn(q); err != nil {
			return err
		}
		q.UpdatedAt = s.now()
		return nil
	})
}

// SplitFileKey breaks a storage key into owner, folder and filename.
func SplitFileKey(key string) (owner, folder, name string) {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return "", "", key
	}
	return parts[0], strings.Join(parts[1:len(parts)-1], "/"), parts[len(parts)-1]
}
