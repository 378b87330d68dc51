package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_classifier_bot/internal/config"
	"tg_classifier_bot/internal/domain"
	"tg_classifier_bot/internal/router"
)

type fakeBot struct {
	mu sync.Mutex

	startedWith  context.Context
	webhookStart bool
	setWebhook   *bot.SetWebhookParams
	deleted      int
	sent         []*bot.SendMessageParams
	files        map[string]*models.File
	getFileErr   error
	getFileCalls int
	downloadBase string
}

func (f *fakeBot) Start(ctx context.Context) {
	f.startedWith = ctx
}

func (f *fakeBot) StartWebhook(ctx context.Context) {
	f.startedWith = ctx
	f.webhookStart = true
}

func (f *fakeBot) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
}

func (f *fakeBot) SetWebhook(_ context.Context, params *bot.SetWebhookParams) (bool, error) {
	f.setWebhook = params
	return true, nil
}

func (f *fakeBot) DeleteWebhook(context.Context, *bot.DeleteWebhookParams) (bool, error) {
	f.deleted++
	return true, nil
}

func (f *fakeBot) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &models.Message{}, nil
}

func (f *fakeBot) GetFile(_ context.Context, params *bot.GetFileParams) (*models.File, error) {
	f.mu.Lock()
	f.getFileCalls++
	f.mu.Unlock()
	if f.getFileErr != nil {
		return nil, f.getFileErr
	}
	file, ok := f.files[params.FileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return file, nil
}

func (f *fakeBot) FileDownloadLink(file *models.File) string {
	return f.downloadBase + "/file/" + file.FilePath
}

func (f *fakeBot) lastSent() *bot.SendMessageParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type recordingHandler struct {
	events []domain.Event
	reply  string
}

func (h *recordingHandler) Handle(_ context.Context, ev domain.Event) router.Result {
	h.events = append(h.events, ev)
	return router.Result{Reply: h.reply, TraceID: "trace-1"}
}

var _ imageGate = (*router.Router)(nil)

type gatedHandler struct {
	recordingHandler
	awaiting bool
}

func (h *gatedHandler) AwaitingImage(int64) bool { return h.awaiting }

func stubCreateBot(t *testing.T, b botRunner) *[]bot.Option {
	t.Helper()

	orig := createBot
	t.Cleanup(func() { createBot = orig })

	var gotOptions []bot.Option
	createBot = func(_ string, options ...bot.Option) (botRunner, error) {
		gotOptions = options
		return b, nil
	}
	return &gotOptions
}

func newTestResty() *resty.Client {
	return resty.New().SetTimeout(2 * time.Second)
}

func discardLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestNewClientCreatesBot(t *testing.T) {
	origCreateBot := createBot
	defer func() { createBot = origCreateBot }()

	var gotToken string
	var gotOptions []bot.Option
	b := &fakeBot{}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		gotToken = token
		gotOptions = options
		return b, nil
	}

	cfg := config.Config{TelegramToken: "token-123"}

	client, err := NewClient(cfg, &recordingHandler{}, discardLogger())
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	if client == nil || client.bot == nil {
		t.Fatalf("expected client and bot to be initialized")
	}

	if gotToken != cfg.TelegramToken {
		t.Fatalf("expected token %q, got %q", cfg.TelegramToken, gotToken)
	}

	if len(gotOptions) != 3 {
		t.Fatalf("expected 3 bot options (allowed updates, default handler, error handler), got %d", len(gotOptions))
	}

	if client.UsesWebhook() || client.WebhookPath() != "" {
		t.Fatalf("expected polling mode without webhook path")
	}
}

func TestNewClientWebhookMode(t *testing.T) {
	gotOptions := stubCreateBot(t, &fakeBot{})

	origSecret := newWebhookSecret
	newWebhookSecret = func() string { return "secret-token" }
	defer func() { newWebhookSecret = origSecret }()

	cfg := config.Config{TelegramToken: "token", WebhookURL: "https://bot.example.com"}
	client, err := NewClient(cfg, &recordingHandler{}, discardLogger())
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	if len(*gotOptions) != 4 {
		t.Fatalf("expected webhook secret option to be added, got %d options", len(*gotOptions))
	}
	if !client.UsesWebhook() || !strings.HasPrefix(client.WebhookPath(), webhookPathPrefix) {
		t.Fatalf("expected webhook path under %s, got %q", webhookPathPrefix, client.WebhookPath())
	}
	if client.webhookURL != cfg.WebhookURL+client.WebhookPath() {
		t.Fatalf("unexpected webhook url %q", client.webhookURL)
	}
	if client.WebhookHandler() == nil {
		t.Fatalf("expected webhook handler")
	}
}

func TestNewClientPropagatesBotError(t *testing.T) {
	origCreateBot := createBot
	defer func() { createBot = origCreateBot }()

	expected := errors.New("boom")
	createBot = func(string, ...bot.Option) (botRunner, error) {
		return nil, expected
	}

	_, err := NewClient(config.Config{TelegramToken: "token"}, &recordingHandler{}, nil)
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func TestNewClientValidatesInputs(t *testing.T) {
	stubCreateBot(t, &fakeBot{})

	if _, err := NewClient(config.Config{}, &recordingHandler{}, nil); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := NewClient(config.Config{TelegramToken: "token"}, nil, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestClientStartLogsAndUsesContext(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	fb := &fakeBot{}
	client := &Client{
		bot:    fb,
		logger: logrus.NewEntry(hookLogger),
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if fb.startedWith != ctx {
		t.Fatalf("expected bot to start with provided context")
	}
	if fb.deleted != 1 {
		t.Fatalf("expected stale webhook to be deleted before polling, got %d calls", fb.deleted)
	}

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries (start/stop), got %d", len(entries))
	}

	if entries[0].Data["event"] != "telegram_listen" || entries[0].Data["mode"] != "polling" {
		t.Fatalf("expected polling start log event, got %v", entries[0].Data)
	}
	if entries[1].Data["event"] != "telegram_stopped" {
		t.Fatalf("expected stop log event, got %v", entries[1].Data["event"])
	}
}

func TestClientStartWebhookRegistersAndCleansUp(t *testing.T) {
	fb := &fakeBot{}
	client := &Client{
		bot:           fb,
		logger:        discardLogger(),
		webhookURL:    "https://bot.example.com/telegram/abc",
		webhookPath:   "/telegram/abc",
		webhookSecret: "secret",
	}

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if !fb.webhookStart {
		t.Fatalf("expected webhook mode to be started")
	}
	if fb.setWebhook == nil || fb.setWebhook.URL != client.webhookURL || fb.setWebhook.SecretToken != "secret" {
		t.Fatalf("unexpected SetWebhook params %+v", fb.setWebhook)
	}
	if fb.deleted != 1 {
		t.Fatalf("expected webhook to be deleted on shutdown, got %d calls", fb.deleted)
	}
}

func TestExtractUpdateMeta(t *testing.T) {
	tests := []struct {
		name   string
		update *models.Update
		want   updateMeta
	}{
		{
			name: "message",
			update: &models.Update{
				Message: &models.Message{
					From: &models.User{ID: 10},
					Chat: models.Chat{ID: 20},
					Text: " hello ",
				},
			},
			want: updateMeta{userID: 10, chatID: 20, updateType: "message"},
		},
		{
			name: "edited message",
			update: &models.Update{
				EditedMessage: &models.Message{
					From: &models.User{ID: 11},
					Chat: models.Chat{ID: 21},
					Text: "updated",
				},
			},
			want: updateMeta{userID: 11, chatID: 21, updateType: "edited_message"},
		},
		{
			name: "callback query",
			update: &models.Update{
				CallbackQuery: &models.CallbackQuery{
					From: models.User{ID: 12},
					Data: "choice",
				},
			},
			want: updateMeta{userID: 12, updateType: "callback_query"},
		},
		{
			name:   "unknown",
			update: &models.Update{},
			want:   updateMeta{updateType: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractUpdateMeta(tt.update)
			if got != tt.want {
				t.Fatalf("extractUpdateMeta() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"/register", domain.CommandRegister, true},
		{"  /Login  ", domain.CommandLogin, true},
		{"/predict@croc_bot", domain.CommandPredict, true},
		{"/logout now please", domain.CommandLogout, true},
		{"/", "", false},
		{"/@bot", "", false},
		{"hunter2", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := parseCommand(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("parseCommand(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	from := &models.User{ID: 5}
	chat := models.Chat{ID: 50}

	ev, image := decodeMessage(&models.Message{From: from, Chat: chat, Text: " pw with spaces "})
	if image || ev.Kind != domain.EventText || ev.Text != " pw with spaces " || ev.UserID != 5 || ev.ChatID != 50 {
		t.Fatalf("unexpected text event %+v", ev)
	}

	ev, image = decodeMessage(&models.Message{From: from, Chat: chat, Text: "/help"})
	if image || ev.Kind != domain.EventCommand || ev.Command != domain.CommandHelp {
		t.Fatalf("unexpected command event %+v", ev)
	}

	ev, image = decodeMessage(&models.Message{From: from, Chat: chat, Photo: []models.PhotoSize{{FileID: "p"}}})
	if !image || ev.Kind != domain.EventImage {
		t.Fatalf("expected photo to decode as image, got %+v", ev)
	}

	ev, image = decodeMessage(&models.Message{From: from, Chat: chat, Document: &models.Document{FileID: "d", MimeType: "image/png"}})
	if !image || ev.Kind != domain.EventImage {
		t.Fatalf("expected image document to decode as image, got %+v", ev)
	}

	ev, image = decodeMessage(&models.Message{From: from, Chat: chat, Document: &models.Document{FileID: "d", MimeType: "application/pdf"}})
	if image || ev.Kind != domain.EventOther || ev.Text != "" {
		t.Fatalf("expected pdf document to decode as other, got %+v", ev)
	}

	ev, image = decodeMessage(&models.Message{From: from, Chat: chat, Sticker: &models.Sticker{FileID: "s"}})
	if image || ev.Kind != domain.EventOther {
		t.Fatalf("expected sticker to decode as other, got %+v", ev)
	}

	ev, image = decodeMessage(&models.Message{From: from, Chat: chat, Location: &models.Location{Latitude: 1, Longitude: 2}})
	if image || ev.Kind != domain.EventOther {
		t.Fatalf("expected location to decode as other, got %+v", ev)
	}
}

func TestLargestPhoto(t *testing.T) {
	sizes := []models.PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "large", Width: 1280, Height: 960},
		{FileID: "medium", Width: 320, Height: 240},
	}
	if got := largestPhoto(sizes); got.FileID != "large" {
		t.Fatalf("expected large photo, got %s", got.FileID)
	}
}

func TestHandleUpdateRoutesTextAndReplies(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	fb := &fakeBot{}
	handler := &recordingHandler{reply: "Enter a password to register."}
	client := &Client{bot: fb, handler: handler, logger: logrus.NewEntry(hookLogger), maxImageBytes: DefaultMaxImageBytes}

	client.handleUpdate(context.Background(), nil, &models.Update{
		ID: 1,
		Message: &models.Message{
			ID:   77,
			From: &models.User{ID: 99},
			Chat: models.Chat{ID: 199},
			Text: "s3cret-value",
		},
	})

	if len(handler.events) != 1 || handler.events[0].Text != "s3cret-value" {
		t.Fatalf("expected text event to reach handler, got %+v", handler.events)
	}

	sent := fb.lastSent()
	if sent == nil || sent.ChatID != int64(199) || sent.Text != handler.reply {
		t.Fatalf("unexpected reply %+v", sent)
	}
	if sent.ReplyParameters == nil || sent.ReplyParameters.MessageID != 77 {
		t.Fatalf("expected reply to reference message 77, got %+v", sent.ReplyParameters)
	}

	for _, e := range hook.AllEntries() {
		line, _ := e.String()
		if strings.Contains(line, "s3cret-value") {
			t.Fatalf("message text leaked into log: %s", line)
		}
	}

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Data["event"] == "telegram_update" {
			found = true
			if e.Data["user_id"] != int64(99) || e.Data["chat_id"] != int64(199) || e.Data["text_len"] != len("s3cret-value") {
				t.Fatalf("unexpected update log fields %v", e.Data)
			}
		}
	}
	if !found {
		t.Fatalf("expected telegram_update log entry")
	}
}

func TestHandleUpdateIgnoresNonMessages(t *testing.T) {
	fb := &fakeBot{}
	handler := &recordingHandler{reply: "x"}
	client := &Client{bot: fb, handler: handler, logger: discardLogger()}

	client.handleUpdate(context.Background(), nil, nil)
	client.handleUpdate(context.Background(), nil, &models.Update{EditedMessage: &models.Message{From: &models.User{ID: 1}}})
	client.handleUpdate(context.Background(), nil, &models.Update{Message: &models.Message{From: &models.User{ID: 2, IsBot: true}, Text: "/help"}})

	if len(handler.events) != 0 || fb.lastSent() != nil {
		t.Fatalf("expected no events or replies, got %d events", len(handler.events))
	}
}

func TestHandleUpdateDownloadsPhoto(t *testing.T) {
	payload := []byte("\x89PNG\r\n\x1a\nfake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/photos/big.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	fb := &fakeBot{
		downloadBase: srv.URL,
		files: map[string]*models.File{
			"big": {FileID: "big", FilePath: "photos/big.png"},
		},
	}
	handler := &recordingHandler{reply: "The image is classified as: Human"}
	client := &Client{bot: fb, handler: handler, logger: discardLogger(), maxImageBytes: DefaultMaxImageBytes}
	WithHTTPClient(nil)(client)
	if client.http != nil {
		t.Fatalf("expected nil http client option to be ignored")
	}
	client.http = newTestResty()

	client.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:   3,
			From: &models.User{ID: 8},
			Chat: models.Chat{ID: 8},
			Photo: []models.PhotoSize{
				{FileID: "small", Width: 90, Height: 90},
				{FileID: "big", Width: 800, Height: 600},
			},
		},
	})

	if len(handler.events) != 1 {
		t.Fatalf("expected one event, got %d", len(handler.events))
	}
	ev := handler.events[0]
	if ev.Kind != domain.EventImage || string(ev.Image) != string(payload) {
		t.Fatalf("expected downloaded image payload, got kind=%s len=%d", ev.Kind, len(ev.Image))
	}
	if sent := fb.lastSent(); sent == nil || sent.Text != handler.reply {
		t.Fatalf("unexpected reply %+v", sent)
	}
}

func TestHandleUpdateSkipsDownloadWhenNoImageAwaited(t *testing.T) {
	fb := &fakeBot{getFileErr: errors.New("should not be called")}
	handler := &gatedHandler{recordingHandler: recordingHandler{reply: "Use /predict to classify an image."}}
	client := &Client{bot: fb, handler: handler, logger: discardLogger(), http: newTestResty(), maxImageBytes: DefaultMaxImageBytes}

	client.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:    4,
			From:  &models.User{ID: 9},
			Chat:  models.Chat{ID: 9},
			Photo: []models.PhotoSize{{FileID: "big", FileSize: 20 << 20}},
		},
	})

	if fb.getFileCalls != 0 {
		t.Fatalf("expected no GetFile call, got %d", fb.getFileCalls)
	}
	if len(handler.events) != 1 {
		t.Fatalf("expected one event, got %d", len(handler.events))
	}
	if ev := handler.events[0]; ev.Kind != domain.EventImage || ev.Image != nil {
		t.Fatalf("expected image event without payload, got kind=%s len=%d", ev.Kind, len(ev.Image))
	}
	if sent := fb.lastSent(); sent == nil || sent.Text != handler.reply {
		t.Fatalf("unexpected reply %+v", sent)
	}
}

func TestHandleUpdateDownloadsWhenImageAwaited(t *testing.T) {
	payload := []byte("\xff\xd8\xffjpeg")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	fb := &fakeBot{
		downloadBase: srv.URL,
		files:        map[string]*models.File{"p": {FileID: "p", FilePath: "photos/p.jpg"}},
	}
	handler := &gatedHandler{recordingHandler: recordingHandler{reply: "ok"}, awaiting: true}
	client := &Client{bot: fb, handler: handler, logger: discardLogger(), http: newTestResty(), maxImageBytes: DefaultMaxImageBytes}

	client.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			From:  &models.User{ID: 10},
			Chat:  models.Chat{ID: 10},
			Photo: []models.PhotoSize{{FileID: "p"}},
		},
	})

	if fb.getFileCalls != 1 {
		t.Fatalf("expected one GetFile call, got %d", fb.getFileCalls)
	}
	if len(handler.events) != 1 || string(handler.events[0].Image) != string(payload) {
		t.Fatalf("expected downloaded payload to reach handler, got %+v", handler.events)
	}
}

func TestHandleUpdateDownloadFailures(t *testing.T) {
	tests := []struct {
		name  string
		bot   *fakeBot
		photo models.PhotoSize
		max   int64
		reply string
	}{
		{
			name:  "get file error",
			bot:   &fakeBot{getFileErr: errors.New("telegram down")},
			photo: models.PhotoSize{FileID: "x"},
			max:   DefaultMaxImageBytes,
			reply: msgDownloadFailed,
		},
		{
			name:  "too large",
			bot:   &fakeBot{},
			photo: models.PhotoSize{FileID: "x", FileSize: 2048},
			max:   1024,
			reply: msgImageTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &recordingHandler{reply: "unused"}
			client := &Client{bot: tt.bot, handler: handler, logger: discardLogger(), http: newTestResty()}
			WithMaxImageBytes(tt.max)(client)

			client.handleUpdate(context.Background(), nil, &models.Update{
				Message: &models.Message{
					From:  &models.User{ID: 4},
					Chat:  models.Chat{ID: 4},
					Photo: []models.PhotoSize{tt.photo},
				},
			})

			if len(handler.events) != 0 {
				t.Fatalf("expected handler not to be called, got %d events", len(handler.events))
			}
			if sent := tt.bot.lastSent(); sent == nil || sent.Text != tt.reply {
				t.Fatalf("expected reply %q, got %+v", tt.reply, sent)
			}
		})
	}
}

func TestDownloadRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	fb := &fakeBot{
		downloadBase: srv.URL,
		files:        map[string]*models.File{"d": {FileID: "d", FilePath: "documents/a.jpg"}},
	}
	client := &Client{bot: fb, logger: discardLogger(), http: newTestResty(), maxImageBytes: DefaultMaxImageBytes}

	_, err := client.downloadImage(context.Background(), &models.Message{
		Document: &models.Document{FileID: "d", MimeType: "image/jpeg"},
	})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestErrorHandlerLogs(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	handle := errorHandler(logrus.NewEntry(hookLogger))

	handle(nil)
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("expected nil error to be ignored")
	}

	handle(errors.New("conflict"))
	if e := hook.LastEntry(); e == nil || e.Data["event"] != "telegram_error" || e.Level != logrus.ErrorLevel {
		t.Fatalf("expected telegram_error entry, got %+v", e)
	}
}
