package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/pkg/models"
	"github.com/fruitsalade/pantry/pkg/protocol"
)

func TestFilesReturnsCopies(t *testing.T) {
	c := NewFiles(8, time.Minute)
	c.Add(&models.FileRecord{Key: "u1/a.png", Label: "None"})

	got, ok := c.Get("u1/a.png")
	require.True(t, ok)
	got.Label = "adult"

	again, _ := c.Get("u1/a.png")
	assert.Equal(t, "None", again.Label)

	c.Remove("u1/a.png")
	_, ok = c.Get("u1/a.png")
	assert.False(t, ok)
}

func TestDisabledFiles(t *testing.T) {
	c := NewFiles(0, time.Minute)
	c.Add(&models.FileRecord{Key: "k"})
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, string(message.([]byte)))
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisFanoutPublishesAndSkipsOwnMessages(t *testing.T) {
	client := &fakeRedis{}
	fan := NewRedisFanout(client, "pantry:invalidate")
	files := NewFiles(8, time.Minute)

	require.NoError(t, fan.Purge(context.Background(), events.Event{Type: events.EventLabel, Key: "u1/a.png"}))
	require.Len(t, client.published, 1)

	var msg protocol.InvalidationMessage
	require.NoError(t, json.Unmarshal([]byte(client.published[0]), &msg))
	assert.Equal(t, "u1/a.png", msg.Key)
	assert.Equal(t, events.EventLabel, msg.Reason)

	// Own message leaves the local entry alone.
	files.Add(&models.FileRecord{Key: "u1/a.png"})
	fan.apply(client.published[0], files)
	assert.Equal(t, 1, files.Len())

	// A peer's message evicts it.
	peer, _ := json.Marshal(protocol.InvalidationMessage{Key: "u1/a.png", Reason: "label", Origin: "other"})
	fan.apply(string(peer), files)
	assert.Equal(t, 0, files.Len())

	fan.apply("not json", files)
}

func TestRedisFanoutPublishError(t *testing.T) {
	fan := NewRedisFanout(&fakeRedis{err: errors.New("connection refused")}, "c")
	assert.Error(t, fan.Purge(context.Background(), events.Event{Key: "k"}))
}

func TestCDNPurge(t *testing.T) {
	var gotFiles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/zones/z1/purge_cache", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string][]string
		json.NewDecoder(r.Body).Decode(&body)
		gotFiles = body["files"]
		if len(gotFiles) > 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"errors":[{"message":"too many files"}]}`))
			return
		}
		w.Write([]byte(`{"success":true,"errors":[]}`))
	}))
	defer srv.Close()

	cdn := NewCDNWithClient(srv.URL, "z1", "tok", srv.Client())
	ctx := context.Background()

	require.NoError(t, cdn.Purge(ctx, events.Event{URLs: []string{"https://f.example.com/file/u1/a.png"}}))
	assert.Equal(t, []string{"https://f.example.com/file/u1/a.png"}, gotFiles)

	err := cdn.Purge(ctx, events.Event{URLs: []string{"a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many files")

	assert.NoError(t, cdn.Purge(ctx, events.Event{Key: "no urls"}))
}

type recordingPurger struct {
	name string
	err  error
	mu   sync.Mutex
	seen []events.Event
}

func (p *recordingPurger) Name() string { return p.name }
func (p *recordingPurger) Purge(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, ev)
	return p.err
}

func TestInvalidatorRun(t *testing.T) {
	files := NewFiles(8, time.Minute)
	files.Add(&models.FileRecord{Key: "u1/a.png"})
	ok := &recordingPurger{name: "ok"}
	failing := &recordingPurger{name: "failing", err: errors.New("down")}
	inv := NewInvalidator(files, ok, failing)

	bus := events.NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		inv.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool { return bus.Count() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.Event{Type: events.EventLabel, Key: "u1/a.png"})

	require.Eventually(t, func() bool {
		failing.mu.Lock()
		defer failing.mu.Unlock()
		return len(failing.seen) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, files.Len())

	cancel()
	<-done
	ok.mu.Lock()
	assert.Len(t, ok.seen, 1)
	ok.mu.Unlock()
}
