package whatsapp

import (
	"context"
	"time"

	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
)

// Driver is the automation library seen from the Manager. Callbacks are
// reported through emit as status.Event values and must not block.
type Driver interface {
	// Start connects the client, pairing through QR codes when needed.
	Start(ctx context.Context, emit func(status.Event)) error
	// Stop disconnects without logging out.
	Stop()
	SendText(ctx context.Context, chatID, text string) (Sent, error)
	SendMedia(ctx context.Context, chatID string, media models.MediaUpload) (Sent, error)
	ProfilePictureURL(ctx context.Context, chatID string) (string, error)
	DownloadMedia(ctx context.Context, messageID string) ([]byte, error)
}

// Sent is what the library returns for an accepted message.
type Sent struct {
	ID        string
	ChatID    string
	Timestamp time.Time
}
