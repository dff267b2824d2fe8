package models

// Chat is one conversation of the linked WhatsApp account.
type Chat struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	IsGroup           bool         `json:"isGroup"`
	LastMessage       *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount       int          `json:"unreadCount"`
	ProfilePictureRef string       `json:"profilePicture,omitempty"`
}

// LastMessage is the preview shown in the chat list.
type LastMessage struct {
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
}

// Message is a single chat message. Timestamp is in unix milliseconds.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Author    string `json:"author,omitempty"`
	HasMedia  bool   `json:"hasMedia"`
	Media     *Media `json:"media,omitempty"`
}

// Media describes an attachment. The bytes are fetched separately.
type Media struct {
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	Filesize uint64 `json:"filesize,omitempty"`
}

// MediaUpload is an outgoing attachment.
type MediaUpload struct {
	Data     []byte
	Mimetype string
	Filename string
	Caption  string
}

// ProfileChange is the payload of profile:changed.
type ProfileChange struct {
	ContactID         string `json:"contactId"`
	Name              string `json:"name,omitempty"`
	HasProfilePicture bool   `json:"hasProfilePicture"`
}

// Receipt states reported through message:status.
const (
	ReceiptSent      = "sent"
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// MessageStatus is the payload of message:status.
type MessageStatus struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId,omitempty"`
	Status    string `json:"status"`
	IsRead    bool   `json:"isRead"`
}

// Message types.
const (
	TypeText     = "chat"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeSticker  = "sticker"
	TypeUnknown  = "unknown"
)

// Preview returns the chat list preview of m.
func (m Message) Preview() *LastMessage {
	return &LastMessage{Body: m.Body, Timestamp: m.Timestamp, FromMe: m.FromMe}
}
