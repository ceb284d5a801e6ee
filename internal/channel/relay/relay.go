// Package relay implements the telegram channel: files are sent to a chat
// through the bot HTTP API and read back through its file endpoint.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/pkg/models"
)

const defaultTimeout = 60 * time.Second

var errRequestDone = errors.New("relay request finished")

// Query parameters and headers that belong to this server, not the relay.
var (
	droppedParams  = []string{"authCode"}
	droppedHeaders = []string{
		"Authorization", "Cookie", "Host",
		"Content-Type", "Content-Length", "Accept-Encoding",
		"Connection", "Keep-Alive", "Proxy-Authorization", "Proxy-Connection",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	}
)

// Bot is one bot account and the chat it posts to.
type Bot struct {
	Name   string
	Token  string
	ChatID string
}

// Channel posts uploads through one of its bots.
type Channel struct {
	apiURL      string
	bots        []Bot
	loadBalance bool
	client      *http.Client
}

var (
	_ channel.Adapter = (*Channel)(nil)
	_ channel.Opener  = (*Channel)(nil)
)

// New creates the channel from configuration.
func New(cfg config.RelayConfig) (*Channel, error) {
	if len(cfg.Bots) == 0 {
		return nil, errors.New("relay channel: no bots configured")
	}
	bots := make([]Bot, len(cfg.Bots))
	for i, b := range cfg.Bots {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("bot-%d", i)
		}
		bots[i] = Bot{Name: name, Token: b.Token, ChatID: b.ChatID}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewWithClient(cfg.APIURL, bots, cfg.LoadBalance, &http.Client{Timeout: timeout}), nil
}

// NewWithClient creates the channel with an explicit HTTP client.
func NewWithClient(apiURL string, bots []Bot, loadBalance bool, client *http.Client) *Channel {
	return &Channel{
		apiURL:      strings.TrimRight(apiURL, "/"),
		bots:        bots,
		loadBalance: loadBalance,
		client:      client,
	}
}

func (c *Channel) Name() string { return config.ChannelRelay }

// Method picks the bot API method and multipart field for a MIME type.
// Animated images go through sendAnimation under a .jpeg name.
func Method(mimeType string, serverCompress bool, fileName string) (method, field, name string) {
	name = fileName
	if !serverCompress {
		return "sendDocument", "document", name
	}
	switch {
	case mimeType == "image/gif" || mimeType == "image/webp":
		return "sendAnimation", "animation", strings.TrimSuffix(name, path.Ext(name)) + ".jpeg"
	case strings.HasPrefix(mimeType, "image/"):
		return "sendPhoto", "photo", name
	case strings.HasPrefix(mimeType, "video/"):
		return "sendVideo", "video", name
	case strings.HasPrefix(mimeType, "audio/"):
		return "sendAudio", "audio", name
	default:
		return "sendDocument", "document", name
	}
}

// Store sends the upload and resolves the relay's file path for moderation.
func (c *Channel) Store(ctx context.Context, u *channel.Upload) (*channel.Result, error) {
	if u.Content == nil {
		return nil, channel.ErrNoContent
	}
	bot := channel.Pick(c.bots, c.loadBalance)
	method, field, name := Method(u.MimeType, u.ServerCompress, u.FileName)

	msg, err := c.send(ctx, bot, method, field, name, u)
	if err != nil {
		return nil, fmt.Errorf("%s via %s: %w", method, bot.Name, err)
	}
	fileID := msg.fileID()
	if fileID == "" {
		return nil, fmt.Errorf("%s via %s: response carries no file id", method, bot.Name)
	}

	res := &channel.Result{
		Channel: c.Name(),
		Account: bot.Name,
		Ref:     fileID,
		Policy:  channel.PolicyInline,
	}
	if fp, err := c.getFile(ctx, bot, fileID); err != nil {
		logging.WithContext(ctx).Warn("relay getFile failed",
			logging.Channel(c.Name()), zap.String("bot", bot.Name), logging.Err(err))
	} else {
		res.SourceURL = c.fileURL(bot, fp)
	}
	return res, nil
}

// Open resolves a fresh file path for the record and streams it.
func (c *Channel) Open(ctx context.Context, rec *models.FileRecord) (io.ReadCloser, int64, error) {
	bot := c.bots[0]
	for _, b := range c.bots {
		if b.Name == rec.ChannelAccount {
			bot = b
			break
		}
	}
	fp, err := c.getFile(ctx, bot, rec.ChannelRef)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(bot, fp), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("download returned %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Channel) send(ctx context.Context, bot Bot, method, field, name string, u *channel.Upload) (*message, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := writeForm(mw, bot.ChatID, field, name, u.Content)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	// The writer must stop reading u.Content before the caller rewinds it
	// for another channel.
	defer func() {
		pr.CloseWithError(errRequestDone)
		<-done
	}()

	endpoint := c.botURL(bot, method)
	if q := forwardQuery(u.Query); q != "" {
		endpoint += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	forwardHeaders(req.Header, u.Header)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var msg message
	if err := c.do(req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func writeForm(mw *multipart.Writer, chatID, field, name string, content io.Reader) error {
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, content)
	return err
}

func (c *Channel) getFile(ctx context.Context, bot Bot, fileID string) (string, error) {
	endpoint := c.botURL(bot, "getFile") + "?file_id=" + url.QueryEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	var f struct {
		FilePath string `json:"file_path"`
	}
	if err := c.do(req, &f); err != nil {
		return "", fmt.Errorf("getFile: %w", err)
	}
	if f.FilePath == "" {
		return "", errors.New("getFile: empty file path")
	}
	return f.FilePath, nil
}

// do executes a bot API call and decodes its result into out.
func (c *Channel) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay call: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !body.OK {
		if body.Description == "" {
			body.Description = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, body.Description)
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (c *Channel) botURL(bot Bot, method string) string {
	return c.apiURL + "/bot" + bot.Token + "/" + method
}

func (c *Channel) fileURL(bot Bot, filePath string) string {
	return c.apiURL + "/file/bot" + bot.Token + "/" + filePath
}

type fileRef struct {
	FileID string `json:"file_id"`
}

type message struct {
	Photo     []fileRef `json:"photo"`
	Animation *fileRef  `json:"animation"`
	Video     *fileRef  `json:"video"`
	Audio     *fileRef  `json:"audio"`
	Document  *fileRef  `json:"document"`
}

// fileID returns the id of the stored file. Photos come back in several
// sizes; the last one is the original.
func (m *message) fileID() string {
	switch {
	case m.Animation != nil:
		return m.Animation.FileID
	case len(m.Photo) > 0:
		return m.Photo[len(m.Photo)-1].FileID
	case m.Video != nil:
		return m.Video.FileID
	case m.Audio != nil:
		return m.Audio.FileID
	case m.Document != nil:
		return m.Document.FileID
	}
	return ""
}

func forwardQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = v
	}
	for _, k := range droppedParams {
		out.Del(k)
	}
	return out.Encode()
}

func forwardHeaders(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	for _, k := range droppedHeaders {
		dst.Del(k)
	}
}
