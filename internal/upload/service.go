// Package upload runs the upload pipeline: quota pre-check, naming,
// dispatch with failover, metadata write with moderation, quota commit and
// cache invalidation.
package upload

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/dispatch"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/geo"
	"github.com/fruitsalade/pantry/internal/links"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/moderation"
	"github.com/fruitsalade/pantry/internal/naming"
	"github.com/fruitsalade/pantry/internal/quota"
	"github.com/fruitsalade/pantry/pkg/models"
)

// Request is one upload from an authenticated user.
type Request struct {
	UserID string

	Channel        string // empty selects the configured default
	AutoRetry      bool
	ServerCompress bool
	Public         bool

	Folder     string
	NameType   string
	CustomName string

	FileName string
	MimeType string
	Size     int64
	Content  io.ReadSeeker
	URL      string // external channel only

	ClientIP string
	Header   http.Header
	Query    url.Values

	// FullLink asks for an absolute link. Origin is used as its base when
	// no public URL is configured.
	FullLink bool
	Origin   string
}

// Result is a completed upload.
type Result struct {
	Link   string
	Record *models.FileRecord
}

// Options are the service's static settings.
type Options struct {
	DefaultChannel  string
	DefaultNameType naming.Strategy
	PublicURL       string
}

// Deps are the collaborators the pipeline calls. Processor, Geo and Bus
// may be nil.
type Deps struct {
	Store      *metadata.Store
	Ledger     *quota.Ledger
	Names      *naming.Resolver
	Dispatcher *dispatch.Dispatcher
	Gate       *moderation.Gate
	Processor  *moderation.Processor
	Geo        *geo.Locator
	Bus        *events.Broadcaster
}

// Service runs uploads.
type Service struct {
	Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	return &Service{Deps: deps, opts: opts, now: time.Now}
}

// Upload stores one file and returns its link.
func (s *Service) Upload(ctx context.Context, req Request) (*Result, error) {
	ch := req.Channel
	if ch == "" {
		ch = s.opts.DefaultChannel
	}
	switch ch {
	case config.ChannelObjectStore, config.ChannelRelay, config.ChannelS3, config.ChannelExternal:
	default:
		return nil, apperr.Validation(apperr.CodeValidation, "unknown uploadChannel %q", ch)
	}
	external := ch == config.ChannelExternal

	if !external && req.Content == nil {
		return nil, apperr.Validation(apperr.CodeValidation, "file is required")
	}
	original := req.FileName
	if original == "" && external {
		original = nameFromURL(req.URL)
	}
	if original == "" {
		return nil, apperr.Validation(apperr.CodeValidation, "file name is required")
	}
	strategy, err := naming.ParseStrategy(req.NameType, s.opts.DefaultNameType)
	if err != nil {
		return nil, err
	}

	size := req.Size
	if external {
		size = 0
	}
	snapshot, err := s.Ledger.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, apperr.Internal(err, "load quota")
	}
	if err := s.Ledger.CheckAndReserve(snapshot, size); err != nil {
		return nil, err
	}

	name, err := s.Names.Resolve(ctx, naming.Request{
		OwnerID:      req.UserID,
		Folder:       req.Folder,
		OriginalName: original,
		CustomName:   req.CustomName,
		Strategy:     strategy,
	})
	if err != nil {
		return nil, err
	}

	mimeType := detectMIME(req.MimeType, name.FileName)
	res, err := s.Dispatcher.Dispatch(ctx, &channel.Upload{
		Key:            name.Key,
		FileName:       name.FileName,
		OriginalName:   name.OriginalName,
		MimeType:       mimeType,
		Size:           size,
		Content:        req.Content,
		URL:            req.URL,
		ServerCompress: req.ServerCompress,
		Header:         req.Header,
		Query:          req.Query,
	}, dispatch.Options{Primary: ch, AutoRetry: req.AutoRetry})
	if err != nil {
		metrics.RecordUpload(ch, 0, false)
		return nil, err
	}

	rec := &models.FileRecord{
		Key:            name.Key,
		OwnerID:        req.UserID,
		Folder:         name.Folder,
		FileName:       name.FileName,
		OriginalName:   name.OriginalName,
		Size:           size,
		MimeType:       mimeType,
		Channel:        res.Channel,
		ChannelAccount: res.Account,
		ChannelRef:     res.Ref,
		SourceURL:      res.SourceURL,
		Label:          models.LabelNone,
		Public:         req.Public,
		UploadIP:       req.ClientIP,
		UploadRegion:   s.Geo.Region(req.ClientIP),
		UploadedAt:     s.now(),
	}
	if rec.SourceURL == "" && res.Link != "" {
		rec.SourceURL = res.Link
	}

	if err := s.persist(ctx, rec, res.Policy); err != nil {
		metrics.RecordUpload(res.Channel, 0, false)
		return nil, err
	}
	metrics.RecordUpload(res.Channel, size, true)

	if size > 0 {
		if _, err := s.Ledger.Commit(ctx, req.UserID, size); err != nil {
			logging.WithContext(ctx).Error("quota commit failed after upload",
				logging.FileKey(rec.Key), zap.Int64("size", size), logging.Err(err))
		}
	}

	link := res.Link
	if link == "" {
		link = links.FilePath(rec.Key)
		if req.FullLink {
			base := s.opts.PublicURL
			if base == "" {
				base = req.Origin
			}
			link = links.Absolute(base, link)
		}
	}
	s.publish(events.Event{Type: events.EventUpload, Key: rec.Key, Channel: rec.Channel}, rec.Key)

	logging.WithContext(ctx).Info("upload stored",
		logging.FileKey(rec.Key), logging.Channel(rec.Channel),
		zap.Int64("size", size), zap.String("label", rec.Label))
	return &Result{Link: link, Record: rec}, nil
}

// persist writes the record according to the channel's moderation policy.
func (s *Service) persist(ctx context.Context, rec *models.FileRecord, policy channel.Policy) error {
	switch policy {
	case channel.PolicyInline:
		rec.Label = s.Gate.Classify(ctx, rec.SourceURL)
		return s.create(ctx, rec)

	case channel.PolicyTwoPhase:
		if err := s.create(ctx, rec); err != nil {
			return err
		}
		if !s.Gate.Enabled() || rec.SourceURL == "" {
			return nil
		}
		label := s.Gate.Classify(ctx, rec.SourceURL)
		if _, err := s.Store.UpdateFile(ctx, rec.Key, func(f *models.FileRecord) error {
			f.Label = label
			return nil
		}); err != nil {
			logging.WithContext(ctx).Warn("second metadata write failed",
				logging.FileKey(rec.Key), logging.Err(err))
			return nil
		}
		rec.Label = label
		return nil

	case channel.PolicyDeferred:
		if err := s.create(ctx, rec); err != nil {
			return err
		}
		if s.Processor != nil {
			s.Processor.Enqueue(moderation.Job{Key: rec.Key, URL: rec.SourceURL})
		}
		return nil

	default:
		return s.create(ctx, rec)
	}
}

func (s *Service) create(ctx context.Context, rec *models.FileRecord) error {
	err := s.Store.CreateFile(ctx, rec)
	if errors.Is(err, metadata.ErrExists) {
		// A concurrent upload claimed the key after the name check.
		return apperr.Conflict(apperr.CodeFileExists, naming.Suggest(rec.FileName, s.now()),
			"file %q already exists", rec.FileName)
	}
	if err != nil {
		return apperr.Internal(err, "write file record")
	}
	return nil
}

func (s *Service) publish(ev events.Event, key string) {
	if s.Bus == nil {
		return
	}
	if s.opts.PublicURL != "" {
		ev.URLs = []string{links.Absolute(s.opts.PublicURL, links.FilePath(key))}
	}
	s.Bus.Publish(ev)
}

// LabelApplier returns the function the moderation processor uses to store
// deferred labels.
func LabelApplier(store *metadata.Store, bus *events.Broadcaster) moderation.ApplyFunc {
	return func(ctx context.Context, key, label string) error {
		rec, err := store.UpdateFile(ctx, key, func(f *models.FileRecord) error {
			f.Label = label
			return nil
		})
		if err != nil {
			return err
		}
		if bus != nil {
			bus.Publish(events.Event{Type: events.EventLabel, Key: key, Channel: rec.Channel})
		}
		return nil
	}
}

func detectMIME(declared, fileName string) string {
	if declared != "" && declared != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(fileName))); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func nameFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return u.Hostname()
	}
	return base
}
