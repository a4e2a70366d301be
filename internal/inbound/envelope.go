// Package inbound normalizes raw Telegram updates into envelopes and gates
// them through the operator allowlists.
package inbound

// Chat types as reported by the Bot API.
const (
	ChatPrivate    = "private"
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
	ChatChannel    = "channel"
)

// Media kinds an envelope can carry.
const (
	MediaVoice         = "voice"
	MediaAudio         = "audio"
	MediaDocumentAudio = "document_audio"
	MediaPhoto         = "photo"
	MediaDocumentImage = "document_image"
)

// MaxMediaBytes caps downloadable media at 5 MiB.
const MaxMediaBytes = 5 * 1024 * 1024

// Media describes the downloadable attachment of an envelope.
type Media struct {
	Kind            string `json:"kind"`
	FileID          string `json:"fileId"`
	MimeType        string `json:"mimeType,omitempty"`
	FileName        string `json:"fileName,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	FileSize        int64  `json:"fileSize,omitempty"`
}

// IsAudio reports whether the media should go through STT.
func (m *Media) IsAudio() bool {
	if m == nil {
		return false
	}
	switch m.Kind {
	case MediaVoice, MediaAudio, MediaDocumentAudio:
		return true
	}
	return false
}

// IsImage reports whether the media should be attached to the prompt as an image.
func (m *Media) IsImage() bool {
	if m == nil {
		return false
	}
	switch m.Kind {
	case MediaPhoto, MediaDocumentImage:
		return true
	}
	return false
}

// Envelope is the normalized inbound message. Either Text is non-empty or
// Media is present.
type Envelope struct {
	UpdateID         int64  `json:"updateId"`
	ChatID           int64  `json:"chatId"`
	ChatType         string `json:"chatType"`
	UserID           int64  `json:"userId,omitempty"`
	MessageID        int    `json:"messageId"`
	Date             int64  `json:"date"`
	Text             string `json:"text"`
	Media            *Media `json:"media,omitempty"`
	ReplyToMessageID int    `json:"replyToMessageId,omitempty"`
	IsReplyToBot     bool   `json:"isReplyToBot"`
	MessageThreadID  int    `json:"messageThreadId,omitempty"`
}

// ValidChatType reports whether t is one of the Bot API chat types.
func ValidChatType(t string) bool {
	switch t {
	case ChatPrivate, ChatGroup, ChatSupergroup, ChatChannel:
		return true
	}
	return false
}

// Valid reports whether the envelope satisfies its invariant: a known chat
// type and either text content or a media attachment.
func (e Envelope) Valid() bool {
	if !ValidChatType(e.ChatType) {
		return false
	}
	if e.Text == "" && e.Media == nil {
		return false
	}
	if e.Media != nil && e.Media.FileID == "" {
		return false
	}
	return true
}

// IsPrivate reports whether the envelope came from a direct message.
func (e Envelope) IsPrivate() bool { return e.ChatType == ChatPrivate }
