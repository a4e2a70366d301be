package inbound

import (
	"strings"

	"github.com/go-telegram/bot/models"
)

// NormalizeOptions control update flattening.
type NormalizeOptions struct {
	// Threaded keeps forum-topic thread ids on envelopes. When false the
	// thread id is stripped and all topics collapse into the group session.
	Threaded bool
	// BotUsername, when set, lets normalization mark replies addressed to the bot.
	BotUsername string
}

// Normalize flattens a Telegram update into an envelope. It takes the first of
// message or edited_message that has usable content; updates with neither
// yield nil.
func Normalize(u *models.Update, opts NormalizeOptions) *Envelope {
	if u == nil {
		return nil
	}
	for _, msg := range []*models.Message{u.Message, u.EditedMessage} {
		if msg == nil {
			continue
		}
		env := fromMessage(u.ID, msg, opts)
		if env != nil {
			return env
		}
	}
	return nil
}

func fromMessage(updateID int64, msg *models.Message, opts NormalizeOptions) *Envelope {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	media := extractMedia(msg)
	if strings.TrimSpace(text) == "" && media == nil {
		return nil
	}

	env := &Envelope{
		UpdateID:  updateID,
		ChatID:    msg.Chat.ID,
		ChatType:  string(msg.Chat.Type),
		MessageID: msg.ID,
		Date:      int64(msg.Date),
		Text:      text,
		Media:     media,
	}
	if msg.From != nil {
		env.UserID = msg.From.ID
	}
	if msg.ReplyToMessage != nil {
		env.ReplyToMessageID = msg.ReplyToMessage.ID
		if from := msg.ReplyToMessage.From; from != nil && from.IsBot {
			if opts.BotUsername == "" || strings.EqualFold(from.Username, opts.BotUsername) {
				env.IsReplyToBot = true
			}
		}
	}
	if opts.Threaded && msg.IsTopicMessage {
		env.MessageThreadID = int(msg.MessageThreadID)
	}
	if !env.Valid() {
		return nil
	}
	return env
}

func extractMedia(msg *models.Message) *Media {
	switch {
	case msg.Voice != nil:
		return &Media{
			Kind:            MediaVoice,
			FileID:          msg.Voice.FileID,
			MimeType:        msg.Voice.MimeType,
			DurationSeconds: int(msg.Voice.Duration),
			FileSize:        int64(msg.Voice.FileSize),
		}
	case msg.Audio != nil:
		return &Media{
			Kind:            MediaAudio,
			FileID:          msg.Audio.FileID,
			MimeType:        msg.Audio.MimeType,
			FileName:        msg.Audio.FileName,
			DurationSeconds: int(msg.Audio.Duration),
			FileSize:        int64(msg.Audio.FileSize),
		}
	case len(msg.Photo) > 0:
		return pickPhoto(msg.Photo)
	case msg.Document != nil:
		return documentMedia(msg.Document)
	}
	return nil
}

// pickPhoto chooses the largest variant under the size cap from Telegram's
// ordered (ascending) size list. When every variant's size is unknown, the
// middle variant is the safe fallback.
func pickPhoto(sizes []models.PhotoSize) *Media {
	var best *models.PhotoSize
	anyKnown := false
	for i := range sizes {
		p := &sizes[i]
		size := int64(p.FileSize)
		if size <= 0 {
			continue
		}
		anyKnown = true
		if size < MaxMediaBytes {
			best = p
		}
	}
	if best == nil {
		if anyKnown {
			return nil // every known variant is over the cap
		}
		best = &sizes[len(sizes)/2]
	}
	return &Media{
		Kind:     MediaPhoto,
		FileID:   best.FileID,
		MimeType: "image/jpeg",
		FileSize: int64(best.FileSize),
	}
}

func documentMedia(doc *models.Document) *Media {
	mime := strings.ToLower(doc.MimeType)
	m := Media{
		FileID:   doc.FileID,
		MimeType: doc.MimeType,
		FileName: doc.FileName,
		FileSize: int64(doc.FileSize),
	}
	switch {
	case strings.HasPrefix(mime, "audio/"):
		m.Kind = MediaDocumentAudio
	case strings.HasPrefix(mime, "image/"):
		m.Kind = MediaDocumentImage
	default:
		return nil
	}
	return &m
}
