package whatsapp

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"whatsapp-relay/internal/models"
)

// ParseChatID accepts a full JID or a phone number. Phone numbers and the
// legacy c.us server map to a personal chat.
func ParseChatID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, errors.New("empty chat id")
	}

	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("parse jid %q: %w", to, err)
		}
		if jid.Server == types.LegacyUserServer {
			jid.Server = types.DefaultUserServer
		}
		return jid, nil
	}

	// bare numbers may carry formatting a person would type
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		if r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return 'x'
	}, to)
	if digits == "" || strings.Contains(digits, "x") {
		return types.JID{}, fmt.Errorf("invalid phone number %q", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// PhoneFromJID extracts the user part of a JID string.
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	// drop the device suffix of AD JIDs ("123:4@s.whatsapp.net")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// extracted is the relay-facing content of a library message.
type extracted struct {
	body  string
	typ   string
	media *models.Media
	ref   whatsmeow.DownloadableMessage
}

// extractContent pulls the text, type and attachment out of a message.
func extractContent(message *waE2E.Message) extracted {
	if message == nil {
		return extracted{typ: models.TypeUnknown}
	}

	if text := message.GetConversation(); text != "" {
		return extracted{body: text, typ: models.TypeText}
	}
	if ext := message.GetExtendedTextMessage(); ext != nil {
		return extracted{body: ext.GetText(), typ: models.TypeText}
	}
	if img := message.GetImageMessage(); img != nil {
		return extracted{
			body:  img.GetCaption(),
			typ:   models.TypeImage,
			media: &models.Media{Mimetype: img.GetMimetype(), Filesize: img.GetFileLength()},
			ref:   img,
		}
	}
	if vid := message.GetVideoMessage(); vid != nil {
		return extracted{
			body:  vid.GetCaption(),
			typ:   models.TypeVideo,
			media: &models.Media{Mimetype: vid.GetMimetype(), Filesize: vid.GetFileLength()},
			ref:   vid,
		}
	}
	if aud := message.GetAudioMessage(); aud != nil {
		return extracted{
			typ:   models.TypeAudio,
			media: &models.Media{Mimetype: aud.GetMimetype(), Filesize: aud.GetFileLength()},
			ref:   aud,
		}
	}
	if doc := message.GetDocumentMessage(); doc != nil {
		name := doc.GetFileName()
		if name == "" {
			name = doc.GetTitle()
		}
		return extracted{
			body:  doc.GetCaption(),
			typ:   models.TypeDocument,
			media: &models.Media{Mimetype: doc.GetMimetype(), Filename: name, Filesize: doc.GetFileLength()},
			ref:   doc,
		}
	}
	if st := message.GetStickerMessage(); st != nil {
		return extracted{
			typ:   models.TypeSticker,
			media: &models.Media{Mimetype: st.GetMimetype(), Filesize: st.GetFileLength()},
			ref:   st,
		}
	}

	// reactions, polls and protocol messages are not mirrored
	return extracted{typ: models.TypeUnknown}
}

// convertMessage maps an incoming message event. The returned chat is a
// hint used when the chat is not known yet.
func convertMessage(evt *events.Message) (models.Message, models.Chat, whatsmeow.DownloadableMessage) {
	content := extractContent(evt.Message)
	chatID := evt.Info.Chat.ToNonAD().String()

	msg := models.Message{
		ID:        evt.Info.ID,
		ChatID:    chatID,
		Body:      content.body,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp.UnixMilli(),
		Type:      content.typ,
		HasMedia:  content.media != nil,
		Media:     content.media,
	}
	if evt.Info.IsGroup {
		msg.Author = evt.Info.Sender.ToNonAD().String()
	}

	chat := models.Chat{
		ID:      chatID,
		Name:    PhoneFromJID(chatID),
		IsGroup: evt.Info.IsGroup,
	}
	if !evt.Info.IsGroup && !evt.Info.IsFromMe && evt.Info.PushName != "" {
		chat.Name = evt.Info.PushName
	}
	return msg, chat, content.ref
}

// receiptStatus maps a receipt type to a message:status value.
func receiptStatus(t types.ReceiptType) (string, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return models.ReceiptDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf, types.ReceiptTypePlayed:
		return models.ReceiptRead, true
	}
	return "", false
}

func convertReceipt(evt *events.Receipt) []models.MessageStatus {
	st, ok := receiptStatus(evt.Type)
	if !ok {
		return nil
	}
	out := make([]models.MessageStatus, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, models.MessageStatus{
			MessageID: string(id),
			ChatID:    evt.Chat.ToNonAD().String(),
			Status:    st,
			IsRead:    st == models.ReceiptRead,
		})
	}
	return out
}

// chatName picks the best display name for a chat.
func chatName(jid types.JID, conversationName string, contact types.ContactInfo) string {
	for _, name := range []string{conversationName, contact.FullName, contact.FirstName, contact.PushName, contact.BusinessName} {
		if name != "" {
			return name
		}
	}
	return jid.User
}
