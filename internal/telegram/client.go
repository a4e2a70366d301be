// Package telegram wraps the Bot API behind a small client interface so the
// worker, jobs pump, and tests talk to the same surface. Errors come back as
// *APIError with HTTP-style status codes.
package telegram

import (
	"context"

	"github.com/go-telegram/bot/models"
)

// ChatAction values accepted by SendChatAction.
const (
	ActionTyping      = "typing"
	ActionRecordVoice = "record_voice"
	ActionUploadVoice = "upload_voice"
)

// SendParams describes one outgoing text message.
type SendParams struct {
	ChatID             int64
	Text               string
	ParseMode          string
	ReplyToMessageID   int
	MessageThreadID    int
	DisableLinkPreview bool
}

// FileRef is the server-side handle returned by GetFile.
type FileRef struct {
	FileID   string
	FilePath string
	FileSize int64
}

// Client is the Bot API surface the bridge needs.
type Client interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]*models.Update, error)
	SendMessage(ctx context.Context, p SendParams) (int, error)
	SendChatAction(ctx context.Context, chatID int64, threadID int, action string) error
	SendVoice(ctx context.Context, chatID int64, threadID int, fileName string, data []byte) error
	GetFile(ctx context.Context, fileID string) (FileRef, error)
	DownloadFile(ctx context.Context, ref FileRef, maxBytes int64) ([]byte, error)
}
