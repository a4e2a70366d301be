package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// botClient adapts github.com/go-telegram/bot to the Client interface.
type botClient struct {
	b     *bot.Bot
	http  *http.Client
	token string
	api   string
}

// New connects to the Bot API with the given token.
func New(token string) (Client, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, mapError(err)
	}
	return &botClient{b: b, http: http.DefaultClient, token: token, api: "https://api.telegram.org"}, nil
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// GetUpdates long-polls the raw getUpdates endpoint. The library only drives
// polling internally through bot.Start, so this composes the endpoint itself
// the same way DownloadFile does.
func (c *botClient) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]*models.Update, error) {
	reqBody, err := json.Marshal(getUpdatesRequest{
		Offset:         offset,
		Timeout:        timeoutSeconds,
		AllowedUpdates: []string{"message", "edited_message"},
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/bot%s/getUpdates", c.api, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{StatusCode: 500, Description: err.Error()}
	}
	defer resp.Body.Close()
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &APIError{StatusCode: 500, Description: err.Error()}
	}
	if !body.OK {
		apiErr := &APIError{StatusCode: body.ErrorCode, Description: body.Description}
		if apiErr.StatusCode == 0 {
			apiErr.StatusCode = resp.StatusCode
		}
		if body.Parameters != nil {
			apiErr.RetryAfterSeconds = body.Parameters.RetryAfter
		}
		return nil, apiErr
	}
	var updates []*models.Update
	if err := json.Unmarshal(body.Result, &updates); err != nil {
		return nil, &APIError{StatusCode: 500, Description: err.Error()}
	}
	return updates, nil
}

func (c *botClient) SendMessage(ctx context.Context, p SendParams) (int, error) {
	params := &bot.SendMessageParams{
		ChatID: p.ChatID,
		Text:   p.Text,
	}
	if p.ParseMode != "" {
		params.ParseMode = models.ParseMode(p.ParseMode)
	}
	if p.ReplyToMessageID != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: p.ReplyToMessageID}
	}
	if p.MessageThreadID != 0 {
		params.MessageThreadID = p.MessageThreadID
	}
	if p.DisableLinkPreview {
		disabled := true
		params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: &disabled}
	}
	msg, err := c.b.SendMessage(ctx, params)
	if err != nil {
		return 0, mapError(err)
	}
	return msg.ID, nil
}

func (c *botClient) SendChatAction(ctx context.Context, chatID int64, threadID int, action string) error {
	params := &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatAction(action),
	}
	if threadID != 0 {
		params.MessageThreadID = threadID
	}
	if _, err := c.b.SendChatAction(ctx, params); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *botClient) SendVoice(ctx context.Context, chatID int64, threadID int, fileName string, data []byte) error {
	params := &bot.SendVoiceParams{
		ChatID: chatID,
		Voice:  &models.InputFileUpload{Filename: fileName, Data: bytes.NewReader(data)},
	}
	if threadID != 0 {
		params.MessageThreadID = threadID
	}
	if _, err := c.b.SendVoice(ctx, params); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *botClient) GetFile(ctx context.Context, fileID string) (FileRef, error) {
	file, err := c.b.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return FileRef{}, mapError(err)
	}
	return FileRef{
		FileID:   file.FileID,
		FilePath: file.FilePath,
		FileSize: file.FileSize,
	}, nil
}

func (c *botClient) DownloadFile(ctx context.Context, ref FileRef, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && ref.FileSize > maxBytes {
		return nil, &APIError{StatusCode: 400, Description: fmt.Sprintf("file exceeds %d bytes", maxBytes)}
	}
	link := c.b.FileDownloadLink(&models.File{FileID: ref.FileID, FilePath: ref.FilePath})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{StatusCode: 500, Description: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Description: "file download failed"}
	}
	limit := maxBytes
	if limit <= 0 {
		limit = 1 << 30
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &APIError{StatusCode: 500, Description: err.Error()}
	}
	if int64(len(data)) > limit {
		return nil, &APIError{StatusCode: 400, Description: fmt.Sprintf("file exceeds %d bytes", maxBytes)}
	}
	return data, nil
}

// mapError folds the library's error taxonomy into *APIError.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var tmr *bot.TooManyRequestsError
	if errors.As(err, &tmr) {
		return &APIError{StatusCode: 429, RetryAfterSeconds: tmr.RetryAfter, Description: tmr.Message}
	}
	switch {
	case errors.Is(err, bot.ErrorTooManyRequests):
		return &APIError{StatusCode: 429, Description: err.Error()}
	case errors.Is(err, bot.ErrorForbidden):
		return &APIError{StatusCode: 403, Description: err.Error()}
	case errors.Is(err, bot.ErrorBadRequest):
		return &APIError{StatusCode: 400, Description: err.Error()}
	case errors.Is(err, bot.ErrorUnauthorized):
		return &APIError{StatusCode: 401, Description: err.Error()}
	case errors.Is(err, bot.ErrorNotFound):
		return &APIError{StatusCode: 404, Description: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &APIError{StatusCode: 500, Description: err.Error()}
	}
}
