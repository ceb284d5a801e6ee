// Package share resolves share and direct-link requests to files and
// enforces the access rules attached to shares.
package share

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/cache"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/pkg/models"
)

// Mode records how a request addressed its file.
type Mode string

const (
	ModeToken Mode = "token"
	ModePath  Mode = "path"
)

// Target is a resolved request. Share is nil for a path request whose file
// has no share to inherit rules from.
type Target struct {
	Mode  Mode
	File  *models.FileRecord
	Share *models.ShareRecord
}

// Resolver maps request paths to targets.
type Resolver struct {
	store *metadata.Store
	files *cache.Files
}

// NewResolver creates a resolver. files may be nil.
func NewResolver(store *metadata.Store, files *cache.Files) *Resolver {
	return &Resolver{store: store, files: files}
}

// Resolve handles the path after /s/. A single segment is tried as a share
// token first and then as a filename in any folder; more segments name a
// folder and a filename.
func (r *Resolver) Resolve(ctx context.Context, path string) (*Target, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, apperr.Validation(apperr.CodeValidation, "invalid path: %v", err)
	}
	if len(segs) == 0 {
		return nil, apperr.NotFound("nothing to resolve")
	}

	if len(segs) == 1 {
		t, err := r.byToken(ctx, segs[0])
		if err == nil || !errors.Is(err, metadata.ErrNotFound) {
			return t, err
		}
		return r.byPath(ctx, metadata.FileQuery{Name: segs[0], AnyFolder: true})
	}

	n := len(segs)
	return r.byPath(ctx, metadata.FileQuery{Name: segs[n-1], Folder: strings.Join(segs[:n-1], "/")})
}

// ResolveToken looks up a share by token only.
func (r *Resolver) ResolveToken(ctx context.Context, token string) (*Target, error) {
	t, err := r.byToken(ctx, token)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apperr.NotFound("share not found")
	}
	return t, err
}

// ResolveKey addresses a file by its full storage key. The file follows the
// same rules as a path request.
func (r *Resolver) ResolveKey(ctx context.Context, key string) (*Target, error) {
	f, err := r.File(ctx, strings.Trim(key, "/"))
	if err != nil {
		return nil, err
	}
	return &Target{Mode: ModePath, File: f, Share: r.inherited(ctx, f.Key)}, nil
}

// File returns a file record by key, through the cache.
func (r *Resolver) File(ctx context.Context, key string) (*models.FileRecord, error) {
	if rec, ok := r.files.Get(key); ok {
		return rec, nil
	}
	rec, err := r.store.GetFile(ctx, key)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apperr.NotFound("file not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "load file")
	}
	r.files.Add(rec)
	return rec, nil
}

// byToken returns metadata.ErrNotFound unwrapped when no share has the
// token so the caller can fall back.
func (r *Resolver) byToken(ctx context.Context, token string) (*Target, error) {
	sh, err := r.store.GetShare(ctx, token)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Internal(err, "load share")
	}
	f, err := r.File(ctx, sh.FileKey)
	if err != nil {
		return nil, err
	}
	return &Target{Mode: ModeToken, File: f, Share: sh}, nil
}

func (r *Resolver) byPath(ctx context.Context, q metadata.FileQuery) (*Target, error) {
	recs, err := r.store.FindFiles(ctx, q)
	if err != nil {
		return nil, apperr.Internal(err, "find file")
	}
	if len(recs) == 0 {
		return nil, apperr.NotFound("file not found")
	}
	// Oldest upload wins when several users stored the same name.
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].UploadedAt.Equal(recs[j].UploadedAt) {
			return recs[i].Key < recs[j].Key
		}
		return recs[i].UploadedAt.Before(recs[j].UploadedAt)
	})
	f := recs[0]
	r.files.Add(f)

	return &Target{Mode: ModePath, File: f, Share: r.inherited(ctx, f.Key)}, nil
}

// inherited picks the share whose rules a direct link follows: the newest
// active share, or the newest share when none is active. Lookup failures
// leave the file unshared.
func (r *Resolver) inherited(ctx context.Context, fileKey string) *models.ShareRecord {
	shares, err := r.store.ListSharesByFile(ctx, fileKey)
	if err != nil {
		logging.WithContext(ctx).Warn("inherited share lookup failed", logging.FileKey(fileKey), logging.Err(err))
		return nil
	}
	if len(shares) == 0 {
		return nil
	}
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].Active != shares[j].Active {
			return shares[i].Active
		}
		return shares[i].CreatedAt.After(shares[j].CreatedAt)
	})
	return shares[0]
}

func splitPath(path string) ([]string, error) {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s == "" {
			continue
		}
		dec, err := url.PathUnescape(s)
		if err != nil {
			return nil, err
		}
		segs = append(segs, dec)
	}
	return segs, nil
}
