package models

// WebSocket event names.
const (
	EventStatus        = "whatsapp:status"
	EventQR            = "whatsapp:qr"
	EventMessage       = "whatsapp:message"
	EventChats         = "whatsapp:chats"
	EventMessageStatus = "message:status"
	EventTypingStart   = "typing:start"
	EventTypingStop    = "typing:stop"
	EventError         = "error"
	EventProfile       = "profile:changed"

	EventGetChats     = "get-chats"
	EventSyncMessages = "sync-messages"
	EventMarkRead     = "mark-read"
)
