package moderation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/pkg/models"
)

func TestLabelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, "adult"},
		{0.9, "adult"},
		{0.89, "teen"},
		{0.7, "teen"},
		{0.69, "everyone"},
		{0, "everyone"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LabelForScore(tt.score), "score %v", tt.score)
	}
}

func TestModerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		assert.Equal(t, "https://img.example.com/a.png", r.URL.Query().Get("url"))
		fmt.Fprint(w, `{"error_code":0,"rating_label":"teen"}`)
	}))
	defer srv.Close()

	g := NewGateWithProvider(NewModerateContent(srv.URL, "k", srv.Client()))
	assert.Equal(t, "teen", g.Classify(context.Background(), "https://img.example.com/a.png"))
}

func TestNSFWJS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"score":0.93}`)
	}))
	defer srv.Close()

	g := NewGateWithProvider(NewNSFWJS(srv.URL, srv.Client()))
	assert.Equal(t, "adult", g.Classify(context.Background(), "https://img.example.com/a.png"))
}

func TestClassifyDegradesToNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx := context.Background()
	g := NewGateWithProvider(NewNSFWJS(srv.URL, srv.Client()))
	assert.Equal(t, models.LabelNone, g.Classify(ctx, "https://img.example.com/a.png"))
	assert.Equal(t, models.LabelNone, g.Classify(ctx, ""), "no url")

	disabled, err := NewGate(config.ModerationConfig{Provider: "none"})
	require.NoError(t, err)
	assert.False(t, disabled.Enabled())
	assert.Equal(t, models.LabelNone, disabled.Classify(ctx, "https://img.example.com/a.png"))
}

func TestNewGateRejectsUnknownProvider(t *testing.T) {
	_, err := NewGate(config.ModerationConfig{Provider: "magic"})
	assert.Error(t, err)
	_, err = NewGate(config.ModerationConfig{Provider: "nsfwjs"})
	assert.Error(t, err, "nsfwjs without endpoint")
}

type fixedProvider struct{ label string }

func (f fixedProvider) Name() string { return "fixed" }
func (f fixedProvider) Classify(context.Context, string) (string, error) {
	if f.label == "" {
		return "", errors.New("boom")
	}
	return f.label, nil
}

func TestProcessorAppliesLabels(t *testing.T) {
	var mu sync.Mutex
	got := map[string]string{}
	apply := func(_ context.Context, key, label string) error {
		mu.Lock()
		defer mu.Unlock()
		got[key] = label
		return nil
	}

	p := NewProcessor(NewGateWithProvider(fixedProvider{label: "everyone"}), apply, 2, 16)
	p.Start(context.Background())
	for i := 0; i < 5; i++ {
		p.Enqueue(Job{Key: fmt.Sprintf("u1/%d.png", i), URL: "https://img.example.com/x.png"})
	}
	p.Enqueue(Job{Key: "u1/nourl.png"})
	p.Stop()
	p.Enqueue(Job{Key: "u1/late.png", URL: "https://img.example.com/x.png"})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 5)
	assert.Equal(t, "everyone", got["u1/3.png"])
	assert.NotContains(t, got, "u1/nourl.png")
	assert.NotContains(t, got, "u1/late.png")
}
