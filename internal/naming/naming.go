// Package naming turns an upload's requested name and folder into a unique
// storage key of the form {owner}/{folder}/{filename}.
package naming

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/fruitsalade/pantry/internal/apperr"
)

// Strategy selects how the stored filename is derived.
type Strategy string

const (
	Origin Strategy = "origin"
	Index  Strategy = "index"
	Short  Strategy = "short"
	Custom Strategy = "custom"
)

// ParseStrategy validates a nameType value. Empty selects def.
func ParseStrategy(s string, def Strategy) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return def, nil
	case Origin, Index, Short, Custom:
		return Strategy(s), nil
	}
	return "", apperr.Validation(apperr.CodeValidation, "unknown nameType %q", s)
}

const (
	shortIDLen      = 8
	alphanumerics   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	unsafeFileChars = `/\:*?"<>|#`
)

// Exister reports whether a storage key is already taken.
type Exister interface {
	FileExists(ctx context.Context, key string) (bool, error)
}

// Request is the naming input for one upload.
type Request struct {
	OwnerID      string
	Folder       string
	OriginalName string
	CustomName   string
	Strategy     Strategy
}

// Resolved is a free storage key and its parts.
type Resolved struct {
	Key          string
	Folder       string
	FileName     string
	OriginalName string
}

// Resolver computes storage keys and checks them for collisions.
type Resolver struct {
	files         Exister
	maxDepth      int
	shortAttempts int
	now           func() time.Time
}

// NewResolver creates a resolver. maxDepth bounds folder segments and
// shortAttempts bounds regeneration for the short strategy.
func NewResolver(files Exister, maxDepth, shortAttempts int) *Resolver {
	return &Resolver{files: files, maxDepth: maxDepth, shortAttempts: shortAttempts, now: time.Now}
}

// Resolve returns a storage key that was free at the time of the check.
// Existing keys are never reused: the short strategy draws a fresh id, the
// others fail with FileExists and a suggested alternative name.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolved, error) {
	folder, err := NormalizeFolder(req.Folder, r.maxDepth)
	if err != nil {
		return nil, err
	}
	original := SanitizeName(req.OriginalName)

	attempts := 1
	if req.Strategy == Short {
		attempts = r.shortAttempts
	}
	for i := 0; i < attempts; i++ {
		name, err := r.candidate(req, original)
		if err != nil {
			return nil, err
		}
		key := BuildKey(req.OwnerID, folder, name)

		taken, err := r.files.FileExists(ctx, key)
		if err != nil {
			return nil, apperr.Internal(err, "check key %s", key)
		}
		if !taken {
			return &Resolved{Key: key, Folder: folder, FileName: name, OriginalName: original}, nil
		}
		if req.Strategy != Short {
			suggestion := Suggest(name, r.now())
			return nil, apperr.Conflict(apperr.CodeFileExists, suggestion,
				"file %q already exists", name)
		}
	}
	return nil, apperr.Internal(nil, "no free short id after %d attempts", attempts)
}

func (r *Resolver) candidate(req Request, original string) (string, error) {
	switch req.Strategy {
	case Index:
		digits, err := randomDigits(4)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d%s_%s", r.now().UnixMilli(), digits, original), nil
	case Short:
		id, err := randomString(shortIDLen)
		if err != nil {
			return "", err
		}
		return id + path.Ext(original), nil
	case Custom:
		if strings.TrimSpace(req.CustomName) == "" {
			return original, nil
		}
		name := SanitizeName(req.CustomName)
		if path.Ext(name) == "" {
			name += path.Ext(original)
		}
		return name, nil
	default:
		return original, nil
	}
}

// SanitizeName percent-decodes name and strips path separators, the unsafe
// set /\:*?"<>|# and control characters. Leading and trailing spaces and
// dots are trimmed; an empty result becomes "file".
func SanitizeName(name string) string {
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	if s := stripUnsafe(name); s != "" {
		return s
	}
	return "file"
}

func stripUnsafe(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(unsafeFileChars, r) {
			return -1
		}
		return r
	}, s)
	return strings.Trim(s, " .")
}

// NormalizeFolder cleans a folder path: repeated and surrounding slashes
// collapse, "." and ".." segments are dropped, and each segment is
// sanitized. More than maxDepth segments is a FolderTooDeep error.
func NormalizeFolder(folder string, maxDepth int) (string, error) {
	if decoded, err := url.PathUnescape(folder); err == nil {
		folder = decoded
	}
	folder = strings.ReplaceAll(folder, `\`, "/")

	var segments []string
	for _, seg := range strings.Split(folder, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		if s := stripUnsafe(seg); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) > maxDepth {
		return "", apperr.Validation(apperr.CodeFolderTooDeep,
			"folder %q has %d levels, at most %d allowed", folder, len(segments), maxDepth)
	}
	return strings.Join(segments, "/"), nil
}

// BuildKey composes a storage key, omitting an empty folder.
func BuildKey(owner, folder, name string) string {
	if folder == "" {
		return owner + "/" + name
	}
	return owner + "/" + folder + "/" + name
}

// Suggest returns {stem}_{unixMillis}{ext} for a taken name.
func Suggest(name string, now time.Time) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%d%s", stem, now.UnixMilli(), ext)
}

func randomString(n int) (string, error) {
	return randomFrom(alphanumerics, n)
}

func randomDigits(n int) (string, error) {
	return randomFrom("0123456789", n)
}

func randomFrom(alphabet string, n int) (string, error) {
	b := make([]byte, n)
	limit := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("random: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}
