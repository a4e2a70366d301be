package inbound_test

import (
	"testing"

	"github.com/go-telegram/bot/models"

	"github.com/basket/rho-bridge/internal/inbound"
)

func textUpdate(id int64, chatType string, text string) *models.Update {
	return &models.Update{
		ID: id,
		Message: &models.Message{
			ID:   42,
			Date: 1700000000,
			Chat: models.Chat{ID: 100, Type: models.ChatType(chatType)},
			From: &models.User{ID: 1},
			Text: text,
		},
	}
}

func TestNormalize_TextMessage(t *testing.T) {
	env := inbound.Normalize(textUpdate(7, "private", "hi"), inbound.NormalizeOptions{})
	if env == nil {
		t.Fatal("expected envelope")
	}
	if env.UpdateID != 7 || env.ChatID != 100 || env.MessageID != 42 {
		t.Fatalf("ids mismatch: %+v", env)
	}
	if env.ChatType != inbound.ChatPrivate || env.Text != "hi" {
		t.Fatalf("content mismatch: %+v", env)
	}
	if env.UserID != 1 || env.Date != 1700000000 {
		t.Fatalf("meta mismatch: %+v", env)
	}
}

func TestNormalize_EmptyUpdate(t *testing.T) {
	if env := inbound.Normalize(&models.Update{ID: 9}, inbound.NormalizeOptions{}); env != nil {
		t.Fatalf("expected nil for contentless update, got %+v", env)
	}
	if env := inbound.Normalize(textUpdate(9, "private", "   "), inbound.NormalizeOptions{}); env != nil {
		t.Fatalf("expected nil for whitespace-only text, got %+v", env)
	}
}

func TestNormalize_EditedMessageFallback(t *testing.T) {
	u := &models.Update{
		ID: 11,
		EditedMessage: &models.Message{
			ID:   5,
			Date: 1700000001,
			Chat: models.Chat{ID: 100, Type: "private"},
			From: &models.User{ID: 1},
			Text: "edited",
		},
	}
	env := inbound.Normalize(u, inbound.NormalizeOptions{})
	if env == nil || env.Text != "edited" {
		t.Fatalf("expected edited_message envelope, got %+v", env)
	}
}

func TestNormalize_VoiceMedia(t *testing.T) {
	u := textUpdate(3, "private", "")
	u.Message.Voice = &models.Voice{FileID: "V1", MimeType: "audio/ogg", Duration: 4, FileSize: 2048}
	env := inbound.Normalize(u, inbound.NormalizeOptions{})
	if env == nil || env.Media == nil {
		t.Fatal("expected media envelope")
	}
	if env.Media.Kind != inbound.MediaVoice || env.Media.FileID != "V1" {
		t.Fatalf("media mismatch: %+v", env.Media)
	}
	if !env.Media.IsAudio() || env.Media.IsImage() {
		t.Fatal("voice must classify as audio")
	}
}

func TestNormalize_PhotoChoosesLargestUnderCap(t *testing.T) {
	u := textUpdate(3, "private", "")
	u.Message.Caption = "read this"
	u.Message.Photo = []models.PhotoSize{
		{FileID: "S", FileSize: 100},
		{FileID: "M", FileSize: 500000},
		{FileID: "L", FileSize: 6000000},
	}
	env := inbound.Normalize(u, inbound.NormalizeOptions{})
	if env == nil || env.Media == nil {
		t.Fatal("expected photo envelope")
	}
	if env.Media.FileID != "M" {
		t.Fatalf("expected M variant, got %q", env.Media.FileID)
	}
	if env.Text != "read this" {
		t.Fatalf("caption should become text, got %q", env.Text)
	}
}

func TestNormalize_PhotoAllSizesUnknownUsesMiddle(t *testing.T) {
	u := textUpdate(3, "private", "")
	u.Message.Photo = []models.PhotoSize{{FileID: "A"}, {FileID: "B"}, {FileID: "C"}}
	env := inbound.Normalize(u, inbound.NormalizeOptions{})
	if env == nil || env.Media == nil || env.Media.FileID != "B" {
		t.Fatalf("expected middle fallback, got %+v", env)
	}
}

func TestNormalize_PhotoAllOverCapDropped(t *testing.T) {
	u := textUpdate(3, "private", "")
	u.Message.Photo = []models.PhotoSize{{FileID: "L", FileSize: 6000000}}
	if env := inbound.Normalize(u, inbound.NormalizeOptions{}); env != nil {
		t.Fatalf("expected nil when every variant exceeds the cap, got %+v", env)
	}
}

func TestNormalize_DocumentKinds(t *testing.T) {
	cases := []struct {
		mime string
		kind string
	}{
		{"audio/mpeg", inbound.MediaDocumentAudio},
		{"image/png", inbound.MediaDocumentImage},
		{"application/pdf", ""},
	}
	for _, tc := range cases {
		u := textUpdate(3, "private", "")
		u.Message.Document = &models.Document{FileID: "D", MimeType: tc.mime, FileName: "f"}
		env := inbound.Normalize(u, inbound.NormalizeOptions{})
		if tc.kind == "" {
			if env != nil {
				t.Fatalf("mime %s: expected drop, got %+v", tc.mime, env)
			}
			continue
		}
		if env == nil || env.Media == nil || env.Media.Kind != tc.kind {
			t.Fatalf("mime %s: expected kind %s, got %+v", tc.mime, tc.kind, env)
		}
	}
}

func TestNormalize_ThreadedMode(t *testing.T) {
	u := textUpdate(3, "supergroup", "hello")
	u.Message.MessageThreadID = 77
	u.Message.IsTopicMessage = true

	env := inbound.Normalize(u, inbound.NormalizeOptions{Threaded: true})
	if env == nil || env.MessageThreadID != 77 {
		t.Fatalf("expected thread id kept, got %+v", env)
	}

	env = inbound.Normalize(u, inbound.NormalizeOptions{Threaded: false})
	if env == nil || env.MessageThreadID != 0 {
		t.Fatalf("expected thread id stripped, got %+v", env)
	}
}

func TestNormalize_ReplyToBot(t *testing.T) {
	u := textUpdate(3, "group", "yes do it")
	u.Message.ReplyToMessage = &models.Message{
		ID:   9,
		From: &models.User{ID: 555, IsBot: true, Username: "RhoBot"},
	}
	env := inbound.Normalize(u, inbound.NormalizeOptions{BotUsername: "rhobot"})
	if env == nil || !env.IsReplyToBot || env.ReplyToMessageID != 9 {
		t.Fatalf("expected reply-to-bot, got %+v", env)
	}

	env = inbound.Normalize(u, inbound.NormalizeOptions{BotUsername: "otherbot"})
	if env == nil || env.IsReplyToBot {
		t.Fatalf("reply to a different bot must not count, got %+v", env)
	}
}
