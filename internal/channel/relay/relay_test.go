package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/pkg/models"
)

func TestMethod(t *testing.T) {
	tests := []struct {
		mime     string
		compress bool
		method   string
		field    string
		name     string
	}{
		{"image/png", true, "sendPhoto", "photo", "a.png"},
		{"image/gif", true, "sendAnimation", "animation", "a.jpeg"},
		{"image/webp", true, "sendAnimation", "animation", "a.jpeg"},
		{"video/mp4", true, "sendVideo", "video", "a.png"},
		{"audio/mpeg", true, "sendAudio", "audio", "a.png"},
		{"application/pdf", true, "sendDocument", "document", "a.png"},
		{"image/gif", false, "sendDocument", "document", "a.png"},
		{"image/png", false, "sendDocument", "document", "a.png"},
	}
	for _, tt := range tests {
		method, field, name := Method(tt.mime, tt.compress, "a.png")
		assert.Equal(t, tt.method, method, tt.mime)
		assert.Equal(t, tt.field, field, tt.mime)
		assert.Equal(t, tt.name, name, tt.mime)
	}
}

type fakeAPI struct {
	mu        sync.Mutex
	method    string
	query     url.Values
	header    http.Header
	chatID    string
	fieldName string
	fileName  string
	content   string
	failSend  bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/botTOKEN/getFile", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"file_path": "photos/" + r.URL.Query().Get("file_id") + ".jpg"})
	})
	mux.HandleFunc("/file/botTOKEN/photos/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "stored-bytes")
	})
	mux.HandleFunc("/botTOKEN/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failSend {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Request: chat not found"})
			return
		}
		f.method = strings.TrimPrefix(r.URL.Path, "/botTOKEN/")
		f.query = r.URL.Query()
		f.header = r.Header.Clone()
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f.chatID = r.FormValue("chat_id")
		for field, files := range r.MultipartForm.File {
			f.fieldName = field
			f.fileName = files[0].Filename
			fh, _ := files[0].Open()
			b, _ := io.ReadAll(fh)
			fh.Close()
			f.content = string(b)
		}
		reply(w, map[string]any{
			"message_id": 1,
			"photo": []map[string]any{
				{"file_id": "small"},
				{"file_id": "large"},
			},
		})
	})
	return mux
}

func reply(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func newTestChannel(t *testing.T, api *fakeAPI) (*Channel, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c := NewWithClient(srv.URL, []Bot{{Name: "main", Token: "TOKEN", ChatID: "-100"}}, false, srv.Client())
	return c, srv
}

func TestStoreForwardsRequestAndResolvesFile(t *testing.T) {
	api := &fakeAPI{}
	c, srv := newTestChannel(t, api)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer secret")
	hdr.Set("Cookie", "session=1")
	hdr.Set("X-Client", "mobile")
	res, err := c.Store(context.Background(), &channel.Upload{
		Key:            "u1/cat.png",
		FileName:       "cat.png",
		MimeType:       "image/png",
		Size:           4,
		Content:        strings.NewReader("meow"),
		ServerCompress: true,
		Header:         hdr,
		Query:          url.Values{"authCode": {"secret"}, "caption": {"hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "telegram", res.Channel)
	assert.Equal(t, "main", res.Account)
	assert.Equal(t, "large", res.Ref)
	assert.Equal(t, channel.PolicyInline, res.Policy)
	assert.Equal(t, srv.URL+"/file/botTOKEN/photos/large.jpg", res.SourceURL)

	assert.Equal(t, "sendPhoto", api.method)
	assert.Equal(t, "hi", api.query.Get("caption"))
	assert.False(t, api.query.Has("authCode"))
	assert.Empty(t, api.header.Get("Authorization"))
	assert.Empty(t, api.header.Get("Cookie"))
	assert.Equal(t, "mobile", api.header.Get("X-Client"))
	assert.Equal(t, "-100", api.chatID)
	assert.Equal(t, "photo", api.fieldName)
	assert.Equal(t, "cat.png", api.fileName)
	assert.Equal(t, "meow", api.content)
}

func TestStoreRelayRejects(t *testing.T) {
	api := &fakeAPI{failSend: true}
	c, _ := newTestChannel(t, api)

	_, err := c.Store(context.Background(), &channel.Upload{
		FileName: "a.bin",
		Content:  strings.NewReader("x"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestOpen(t *testing.T) {
	c, _ := newTestChannel(t, &fakeAPI{})
	rc, _, err := c.Open(context.Background(), &models.FileRecord{ChannelAccount: "main", ChannelRef: "large"})
	require.NoError(t, err)
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "stored-bytes", string(b))
}
