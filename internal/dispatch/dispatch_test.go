package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/channel/external"
	"github.com/fruitsalade/pantry/internal/channel/relay"
)

type stubAdapter struct {
	name  string
	fail  bool
	calls int
	body  string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Store(_ context.Context, u *channel.Upload) (*channel.Result, error) {
	s.calls++
	b, _ := io.ReadAll(u.Content)
	s.body = string(b)
	if s.fail {
		return nil, errors.New(s.name + " is down")
	}
	return &channel.Result{Channel: s.name, Ref: u.Key}, nil
}

func upload() *channel.Upload {
	return &channel.Upload{Key: "u1/a.txt", Content: strings.NewReader("payload")}
}

func TestPrimarySuccess(t *testing.T) {
	cfr2 := &stubAdapter{name: "cfr2"}
	relay := &stubAdapter{name: "telegram"}
	d := New(cfr2, relay)

	res, err := d.Dispatch(context.Background(), upload(), Options{Primary: "telegram", AutoRetry: true})
	require.NoError(t, err)
	assert.Equal(t, "telegram", res.Channel)
	assert.Equal(t, 0, cfr2.calls)
}

func TestFailoverWithAutoRetry(t *testing.T) {
	cfr2 := &stubAdapter{name: "cfr2"}
	relay := &stubAdapter{name: "telegram", fail: true}
	s3 := &stubAdapter{name: "s3"}
	d := New(cfr2, relay, s3)

	res, err := d.Dispatch(context.Background(), upload(), Options{Primary: "telegram", AutoRetry: true})
	require.NoError(t, err)
	assert.Equal(t, "cfr2", res.Channel)
	assert.Equal(t, 1, relay.calls)
	assert.Equal(t, 0, s3.calls)
	assert.Equal(t, "payload", cfr2.body, "content replayed from the start")
}

func TestNoFailoverWithoutAutoRetry(t *testing.T) {
	cfr2 := &stubAdapter{name: "cfr2"}
	relay := &stubAdapter{name: "telegram", fail: true}
	d := New(cfr2, relay)

	_, err := d.Dispatch(context.Background(), upload(), Options{Primary: "telegram"})
	require.Error(t, err)
	assert.Equal(t, 0, cfr2.calls)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAggregate, e.Kind)
	assert.Equal(t, map[string]string{"telegram": "telegram is down"}, e.Details)
}

func TestAllChannelsFail(t *testing.T) {
	cfr2 := &stubAdapter{name: "cfr2", fail: true}
	relay := &stubAdapter{name: "telegram", fail: true}
	s3 := &stubAdapter{name: "s3", fail: true}
	ext := &stubAdapter{name: "external"}
	d := New(cfr2, relay, s3, ext)

	_, err := d.Dispatch(context.Background(), upload(), Options{Primary: "s3", AutoRetry: true})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, 500, e.HTTPStatus())
	assert.Len(t, e.Details, 3)
	assert.Equal(t, 0, ext.calls, "external is never a fallback")
	for _, a := range []*stubAdapter{cfr2, relay, s3} {
		assert.Equal(t, 1, a.calls, a.name)
	}
}

func TestUnconfiguredChannelsSkipped(t *testing.T) {
	s3 := &stubAdapter{name: "s3", fail: true}
	relay := &stubAdapter{name: "telegram"}
	d := New(s3, relay)

	res, err := d.Dispatch(context.Background(), upload(), Options{Primary: "s3", AutoRetry: true})
	require.NoError(t, err)
	assert.Equal(t, "telegram", res.Channel)
}

func TestExternalIsTerminal(t *testing.T) {
	cfr2 := &stubAdapter{name: "cfr2"}
	d := New(cfr2, external.New())

	_, err := d.Dispatch(context.Background(), &channel.Upload{}, Options{Primary: "external", AutoRetry: true})
	assert.True(t, apperr.Is(err, apperr.CodeMissingURL))
	assert.Equal(t, 0, cfr2.calls)

	res, err := d.Dispatch(context.Background(), &channel.Upload{URL: "https://example.com/x"}, Options{Primary: "external"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x", res.Link)
}

func TestUnknownPrimary(t *testing.T) {
	d := New(&stubAdapter{name: "cfr2"})
	_, err := d.Dispatch(context.Background(), upload(), Options{Primary: "s3", AutoRetry: true})
	assert.True(t, apperr.Is(err, apperr.CodeChannelNotConfig))
}

type unseekable struct{ io.Reader }

func (unseekable) Seek(int64, int) (int64, error) { return 0, errors.New("not seekable") }

func TestRewindFailureIsAnAttemptFailure(t *testing.T) {
	cfr2 := &stubAdapter{name: "cfr2"}
	d := New(cfr2)

	u := &channel.Upload{Key: "u1/a.txt", Content: unseekable{strings.NewReader("x")}}
	_, err := d.Dispatch(context.Background(), u, Options{Primary: "cfr2"})
	require.Error(t, err)
	assert.Equal(t, 0, cfr2.calls)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Contains(t, e.Details["cfr2"], "not seekable")
}

// The relay answers before reading the body; the failover channel must
// still receive the whole payload, and nothing may read it concurrently.
func TestRelayEarlyRejectFailsOverWithFullContent(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, `{"ok":false,"description":"Request Entity Too Large"}`)
	}))
	defer api.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<20)
	for i := 0; i < 5; i++ {
		cfr2 := &stubAdapter{name: "cfr2"}
		tg := relay.NewWithClient(api.URL, []relay.Bot{{Name: "main", Token: "T", ChatID: "1"}}, false, api.Client())
		d := New(cfr2, tg)

		u := &channel.Upload{
			Key:      "u1/big.bin",
			FileName: "big.bin",
			MimeType: "application/octet-stream",
			Size:     int64(len(payload)),
			Content:  bytes.NewReader(payload),
		}
		res, err := d.Dispatch(context.Background(), u, Options{Primary: "telegram", AutoRetry: true})
		require.NoError(t, err)
		assert.Equal(t, "cfr2", res.Channel)
		require.Equal(t, len(payload), len(cfr2.body), "attempt %d", i)
		assert.True(t, cfr2.body == string(payload), "attempt %d: content differs", i)
	}
}
