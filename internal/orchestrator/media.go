package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/clawgate/internal/channels"
)

// voiceTranscriptPrefix marks turns that came in as audio, so the agent and
// the conversation log both see the provenance.
const voiceTranscriptPrefix = "[Voice transcribed]: "

// resolveContent turns an incoming message into the prompt for a turn,
// downloading and transcribing attachments as needed. ok is false when the
// message produced nothing runnable (and the user has been told why).
func (o *Orchestrator) resolveContent(ctx context.Context, msg channels.Incoming) (string, bool) {
	switch {
	case msg.Voice != nil:
		return o.resolveVoice(ctx, msg)
	case msg.Photo != nil:
		return o.resolveAttachment(ctx, msg.ChatID, *msg.Photo, msg.Caption, "photo")
	case msg.Document != nil:
		return o.resolveAttachment(ctx, msg.ChatID, *msg.Document, msg.Caption, "file")
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", false
	}
	return text, true
}

func (o *Orchestrator) resolveVoice(ctx context.Context, msg channels.Incoming) (string, bool) {
	cfg := o.config()
	if !cfg.STTEnabled() || o.transcriber == nil {
		o.send(ctx, msg.ChatID, "Voice messages need transcription, which is not configured. Send text instead.")
		return "", false
	}

	path, err := o.transport.DownloadFile(ctx, *msg.Voice)
	if err != nil {
		o.logger.Warn("voice download failed", "chat_id", msg.ChatID, "error", err)
		o.send(ctx, msg.ChatID, "Could not fetch that voice message. Please try again.")
		return "", false
	}

	text, err := o.transcriber.Transcribe(ctx, path)
	if err != nil {
		o.logger.Warn("transcription failed", "chat_id", msg.ChatID, "error", err)
		o.send(ctx, msg.ChatID, "Could not transcribe that voice message. Please try again or send text.")
		return "", false
	}
	if text == "" {
		o.send(ctx, msg.ChatID, "The voice message came back empty after transcription.")
		return "", false
	}
	return voiceTranscriptPrefix + text, true
}

// resolveAttachment downloads a photo or document and hands the agent its
// local path alongside whatever caption came with it.
func (o *Orchestrator) resolveAttachment(ctx context.Context, chatID int64, ref channels.FileRef, caption, kind string) (string, bool) {
	path, err := o.transport.DownloadFile(ctx, ref)
	if err != nil {
		o.logger.Warn("attachment download failed", "chat_id", chatID, "kind", kind, "error", err)
		o.send(ctx, chatID, fmt.Sprintf("Could not fetch that %s: %v", kind, err))
		return "", false
	}

	caption = strings.TrimSpace(caption)
	if caption == "" {
		caption = fmt.Sprintf("The user sent a %s with no caption. Look at it and respond.", kind)
	}
	return fmt.Sprintf("%s\n\n[Attached %s saved at: %s]", caption, kind, path), true
}
