package api

import (
	"context"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/share"
	"github.com/fruitsalade/pantry/pkg/models"
)

var previewPage = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}}</title>
<style>body{margin:0;background:#111;display:flex;align-items:center;justify-content:center;min-height:100vh}img,video{max-width:100vw;max-height:100vh}</style>
</head><body>
{{if .Video}}<video src="{{.Src}}" controls autoplay></video>{{else}}<img src="{{.Src}}" alt="{{.Name}}">{{end}}
</body></html>
`))

var passwordPage = template.Must(template.New("password").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1">
<title>Password required</title>
<style>body{font-family:sans-serif;display:flex;align-items:center;justify-content:center;min-height:100vh;margin:0}form{display:flex;flex-direction:column;gap:.5rem;min-width:16rem}.err{color:#b00}</style>
</head><body>
<form method="get" action="{{.Action}}">
<label for="password">{{.Name}} is password protected</label>
<input id="password" name="password" type="password" autofocus>
{{if .Error}}<span class="err">{{.Error}}</span>{{end}}
<button type="submit">Open</button>
</form>
</body></html>
`))

type previewData struct {
	Name  string
	Src   string
	Video bool
}

type passwordData struct {
	Name   string
	Action string
	Error  string
}

func previewable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/")
}

// handleShare serves GET /s/{token} and GET /s/{folder...}/{filename}.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/s/")
	target, err := s.Resolver.Resolve(r.Context(), path)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.serve(w, r, target)
}

// handleFile serves GET /file/{key}, the link returned by uploads.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/file/")
	target, err := s.Resolver.ResolveKey(r.Context(), key)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.serve(w, r, target)
}

// mediaGrantTTL bounds how long a preview page's embedded media link works.
const mediaGrantTTL = 10 * time.Minute

// serve runs the access rules and delivers the file. Every delivery counts
// one view, except media fetched through the grant a counted preview page
// embeds.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, t *share.Target) {
	q := r.URL.Query()
	raw := q.Get("raw") == "1"
	thumb := q.Get("thumb") == "1" && s.Thumbs != nil && strings.HasPrefix(t.File.MimeType, "image/")
	preview := !raw && !thumb && previewable(t.File.MimeType)

	if (raw || thumb) && q.Get("grant") != "" {
		if err := s.Auth.VerifyMediaGrant(q.Get("grant"), t.File.Key); err != nil {
			logging.WithContext(r.Context()).Debug("media grant rejected", logging.FileKey(t.File.Key), zap.Error(err))
			s.sendError(w, r, apperr.Forbidden(apperr.CodeForbidden, "media link is invalid or expired"))
			return
		}
		s.deliver(w, r, t.File, raw, thumb)
		return
	}

	password := q.Get("password")
	d, err := s.Guard.Access(r.Context(), t, password)
	if err != nil {
		if apperr.Is(err, apperr.CodeWrongPassword) {
			s.renderPassword(w, r, http.StatusUnauthorized, t.File, "Incorrect password")
			return
		}
		s.sendError(w, r, err)
		return
	}
	if d.State == share.StatePasswordRequired {
		s.renderPassword(w, r, http.StatusOK, t.File, "")
		return
	}

	if preview {
		grant, err := s.Auth.IssueMediaGrant(d.File.Key, mediaGrantTTL)
		if err != nil {
			s.sendError(w, r, apperr.Internal(err, "issue media grant"))
			return
		}
		src := url.Values{"raw": {"1"}, "grant": {grant}}
		s.render(w, r, previewPage, previewData{
			Name:  d.File.FileName,
			Src:   r.URL.EscapedPath() + "?" + src.Encode(),
			Video: strings.HasPrefix(d.File.MimeType, "video/"),
		})
		return
	}
	s.deliver(w, r, d.File, raw, thumb)
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request, rec *models.FileRecord, raw, thumb bool) {
	if thumb {
		s.thumbnail(w, r, rec)
		return
	}
	s.stream(w, r, rec, raw)
}

// stream copies the file from its channel. External files redirect to
// their source.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, rec *models.FileRecord, inline bool) {
	if rec.Channel == config.ChannelExternal {
		http.Redirect(w, r, rec.SourceURL, http.StatusFound)
		return
	}

	opener, ok := s.Dispatcher.Opener(rec.Channel)
	if !ok {
		s.sendError(w, r, apperr.Channel(rec.Channel, errors.New("channel is not configured")))
		return
	}
	body, size, err := opener.Open(r.Context(), rec)
	if err != nil {
		s.sendError(w, r, apperr.Channel(rec.Channel, err))
		return
	}
	defer body.Close()

	disposition := "attachment"
	if inline && previewable(rec.MimeType) {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": rec.FileName}))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		logging.WithContext(r.Context()).Warn("file transfer interrupted",
			logging.FileKey(rec.Key), logging.Channel(rec.Channel), zap.Error(err))
	}
}

// thumbnail serves a downscaled JPEG of an image file.
func (s *Server) thumbnail(w http.ResponseWriter, r *http.Request, rec *models.FileRecord) {
	if rec.Channel == config.ChannelExternal {
		http.Redirect(w, r, rec.SourceURL, http.StatusFound)
		return
	}
	opener, ok := s.Dispatcher.Opener(rec.Channel)
	if !ok {
		s.sendError(w, r, apperr.Channel(rec.Channel, errors.New("channel is not configured")))
		return
	}
	b, err := s.Thumbs.Get(r.Context(), rec.Key, func(ctx context.Context) (io.ReadCloser, error) {
		body, _, err := opener.Open(ctx, rec)
		return body, err
	})
	if err != nil {
		logging.WithContext(r.Context()).Warn("thumbnail failed",
			logging.FileKey(rec.Key), logging.Channel(rec.Channel), zap.Error(err))
		s.sendError(w, r, apperr.Internal(err, "render thumbnail"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) renderPassword(w http.ResponseWriter, r *http.Request, status int, rec *models.FileRecord, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := passwordPage.Execute(w, passwordData{Name: rec.FileName, Action: r.URL.EscapedPath(), Error: msg}); err != nil {
		logging.WithContext(r.Context()).Warn("render password page", logging.Err(err))
	}
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := tmpl.Execute(w, data); err != nil {
		logging.WithContext(r.Context()).Warn("render page", logging.Err(err))
	}
}
