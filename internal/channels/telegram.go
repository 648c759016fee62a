// Package channels connects the gateway to Telegram: long-poll intake,
// chunked replies, media download and upload.
package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Delivery tuning.
const (
	interChunkDelay   = 300 * time.Millisecond
	defaultRetryAfter = 5 * time.Second
	maxDownloadBytes  = 10 << 20 // Telegram file cap we enforce on both sides
)

// Chat actions forwarded to Telegram.
const (
	ActionTyping      = "typing"
	ActionRecordVoice = "record_voice"
	ActionUploadPhoto = "upload_photo"
)

// FileRef points at one downloadable attachment on an incoming message.
type FileRef struct {
	FileID   string
	FileName string
	MIMEType string
	Size     int64
	Duration int // seconds, voice only
}

// Incoming is a normalized inbound message.
type Incoming struct {
	ChatID    int64
	UserID    int64
	Username  string
	MessageID int
	Text      string
	Caption   string
	Voice     *FileRef
	Photo     *FileRef
	Document  *FileRef
}

// Handler consumes normalized messages. It must not block the poll loop for
// long; the orchestrator hands work to its queue.
type Handler func(ctx context.Context, msg Incoming)

// Transport is what the orchestrator needs from a chat surface.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendVoice(ctx context.Context, chatID int64, oggPath string) error
	SendAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, ref FileRef) (string, error)
}

// botAPI is the slice of tgbotapi.BotAPI the channel uses, extracted so tests
// can stand in for the network.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFile(cfg tgbotapi.FileConfig) (tgbotapi.File, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramChannel implements Transport over the Bot API.
type TelegramChannel struct {
	token      string
	uploadsDir string
	logger     *slog.Logger
	bot        botAPI
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewTelegramChannel creates the channel. Connect must be called before use.
func NewTelegramChannel(token, uploadsDir string, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		uploadsDir: uploadsDir,
		logger:     logger,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Connect authenticates against the Bot API.
func (t *TelegramChannel) Connect() error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	return nil
}

// Start runs the long-poll loop until ctx is cancelled, reconnecting with
// exponential backoff when the update channel dies.
func (t *TelegramChannel) Start(ctx context.Context, handle Handler) error {
	if t.bot == nil {
		return errors.New("telegram channel not connected")
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates, handle)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or nothing
// arrives within 2.5x the long-poll timeout (stall detection: the library
// blocks rather than closing the channel when the connection dies).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, handle Handler) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			handle(ctx, normalize(update.Message))

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// normalize flattens a Bot API message into the gateway's shape. Only the
// largest photo size is kept.
func normalize(msg *tgbotapi.Message) Incoming {
	in := Incoming{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Caption:   msg.Caption,
	}
	if msg.From != nil {
		in.UserID = msg.From.ID
		in.Username = msg.From.UserName
	}
	if msg.Voice != nil {
		in.Voice = &FileRef{
			FileID:   msg.Voice.FileID,
			MIMEType: msg.Voice.MimeType,
			Size:     int64(msg.Voice.FileSize),
			Duration: msg.Voice.Duration,
		}
	}
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		in.Photo = &FileRef{FileID: best.FileID, Size: int64(best.FileSize)}
	}
	if msg.Document != nil {
		in.Document = &FileRef{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MIMEType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
		}
	}
	return in
}

// SendText delivers text, split into Telegram-sized chunks with a short pause
// between them. Each chunk goes out as Markdown first and falls back to plain
// text when Telegram rejects the formatting.
func (t *TelegramChannel) SendText(ctx context.Context, chatID int64, text string) error {
	chunks := SplitMessage(text, MaxMessageLength)
	for i, chunk := range chunks {
		if i > 0 {
			if err := t.sleep(ctx, interChunkDelay); err != nil {
				return err
			}
		}
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (t *TelegramChannel) sendChunk(ctx context.Context, chatID int64, chunk string) error {
	msg := tgbotapi.NewMessage(chatID, chunk)
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := t.bot.Send(msg)
	if err == nil {
		return nil
	}

	if wait, ok := retryAfter(err); ok {
		t.logger.Warn("telegram rate limited", "chat_id", chatID, "retry_after", wait)
		if serr := t.sleep(ctx, wait); serr != nil {
			return serr
		}
		if _, err = t.bot.Send(msg); err == nil {
			return nil
		}
	}

	// Markdown parse failures surface as 400s. Retry once without formatting.
	plain := tgbotapi.NewMessage(chatID, chunk)
	if _, perr := t.bot.Send(plain); perr != nil {
		return err
	}
	return nil
}

var retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)

// retryAfter extracts Telegram's flood-wait hint from a send error.
func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	text := strings.ToLower(err.Error())
	if !strings.Contains(text, "too many requests") && !strings.Contains(text, "retry after") {
		return 0, false
	}
	if m := retryAfterPattern.FindStringSubmatch(text); m != nil {
		var secs int
		fmt.Sscanf(m[1], "%d", &secs)
		if secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return defaultRetryAfter, true
}

// SendVoice uploads an ogg file as a voice note.
func (t *TelegramChannel) SendVoice(ctx context.Context, chatID int64, oggPath string) error {
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FilePath(oggPath))
	if _, err := t.bot.Send(voice); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	return nil
}

// SendAction shows a chat action bubble (typing, recording, uploading).
func (t *TelegramChannel) SendAction(ctx context.Context, chatID int64, action string) error {
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		return fmt.Errorf("send action: %w", err)
	}
	return nil
}

// DownloadFile fetches an attachment into the uploads directory and returns
// the local path. Size is checked against the metadata before the transfer
// and against the actual bytes after it.
func (t *TelegramChannel) DownloadFile(ctx context.Context, ref FileRef) (string, error) {
	if ref.Size > maxDownloadBytes {
		return "", fmt.Errorf("file too large: %d bytes (limit %d)", ref.Size, maxDownloadBytes)
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: ref.FileID})
	if err != nil {
		return "", fmt.Errorf("get file metadata: %w", err)
	}
	if int64(file.FileSize) > maxDownloadBytes {
		return "", fmt.Errorf("file too large: %d bytes (limit %d)", file.FileSize, maxDownloadBytes)
	}

	url, err := t.bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return "", fmt.Errorf("get file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(t.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	localPath := filepath.Join(t.uploadsDir, localFileName(ref, file.FilePath))

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		os.Remove(localPath)
		return "", fmt.Errorf("write local file: %w", err)
	}
	if n > maxDownloadBytes {
		os.Remove(localPath)
		return "", fmt.Errorf("file too large: exceeded %d bytes during download", maxDownloadBytes)
	}
	return localPath, nil
}

// localFileName builds <epoch_ms>-<fileID prefix>.<ext>. Telegram hands voice
// notes over as .oga, which the speech services reject, so those become .ogg.
func localFileName(ref FileRef, remotePath string) string {
	ext := filepath.Ext(ref.FileName)
	if ext == "" {
		ext = filepath.Ext(remotePath)
	}
	if ext == ".oga" || ext == "" {
		ext = ".ogg"
	}
	prefix := ref.FileID
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), prefix, ext)
}
