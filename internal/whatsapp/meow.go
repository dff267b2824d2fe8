package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"whatsapp-relay/internal/common"
	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
)

const mediaRefLimit = 2000

// OpenStore opens the sqlite device store that holds the WhatsApp session.
func OpenStore(ctx context.Context, dsn string, log waLog.Logger) (*sqlstore.Container, error) {
	if dir := sqliteDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	container, err := sqlstore.New(ctx, "sqlite3", dsn, log)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return container, nil
}

// sqliteDir returns the directory of a "file:" DSN.
func sqliteDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	path, _, _ = strings.Cut(path, "?")
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}

// MeowDriver drives a whatsmeow client.
type MeowDriver struct {
	container *sqlstore.Container
	log       waLog.Logger
	qrOut     io.Writer

	mu        sync.Mutex
	client    *whatsmeow.Client
	handlerID uint32
	// cancel ends the QR channel of the current start.
	cancel context.CancelFunc

	emitMu sync.RWMutex
	emit   func(status.Event)

	media *mediaRefs
}

// NewMeowDriver builds a driver over container. Pairing codes are also
// drawn on qrOut when it is not nil.
func NewMeowDriver(container *sqlstore.Container, log waLog.Logger, qrOut io.Writer) *MeowDriver {
	return &MeowDriver{
		container: container,
		log:       log,
		qrOut:     qrOut,
		media:     newMediaRefs(mediaRefLimit),
	}
}

func (d *MeowDriver) Start(ctx context.Context, emit func(status.Event)) error {
	d.emitMu.Lock()
	d.emit = emit
	d.emitMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.endStart()
	startCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.client != nil && d.client.IsConnected() {
		if d.client.IsLoggedIn() {
			d.send(status.Event{Type: status.EventReady})
			return nil
		}
		d.client.Disconnect()
	}

	// a logged out device has lost its ID and needs a fresh client
	if d.client == nil || d.client.Store.ID == nil {
		if err := d.newClient(ctx); err != nil {
			return err
		}
	}

	if d.client.Store.ID == nil {
		d.log.Infof("Device is not paired, waiting for a QR scan")
		qrChan, err := d.client.GetQRChannel(startCtx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		if err := d.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		go d.watchQR(qrChan, emit)
		return nil
	}

	d.log.Infof("Resuming paired device %s", d.client.Store.ID)
	if err := d.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// endStart stops the QR emitter of the previous start. Callers hold mu.
func (d *MeowDriver) endStart() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// newClient loads the device store and creates a client for it. Callers hold mu.
func (d *MeowDriver) newClient(ctx context.Context) error {
	deviceStore, err := d.container.GetFirstDevice(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get device: %w", err)
		}
		deviceStore = d.container.NewDevice()
		d.log.Infof("Session store is empty, registering a new device")
	}

	if d.client != nil {
		d.client.RemoveEventHandler(d.handlerID)
	}
	d.client = whatsmeow.NewClient(deviceStore, d.log.Sub("Client"))
	// reconnection is owned by the Manager
	d.client.EnableAutoReconnect = false
	d.handlerID = d.client.AddEventHandler(d.handleEvent)
	return nil
}

// watchQR forwards one pairing attempt. It reports through the emit of the
// start that opened qrChan, so a replaced attempt cannot reach a newer one.
func (d *MeowDriver) watchQR(qrChan <-chan whatsmeow.QRChannelItem, emit func(status.Event)) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if d.qrOut != nil {
				printQR(item.Code, d.qrOut)
			}
			d.log.Infof("New pairing code, valid for %s", item.Timeout)
			emit(status.Event{Type: status.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			d.log.Infof("Pairing accepted by the phone")
			emit(status.Event{Type: status.EventAuthenticated})
			return
		case whatsmeow.QRChannelTimeout.Event:
			// codes ran out or the socket dropped mid-pairing
			d.log.Warnf("Pairing ended without a scan")
			emit(status.Event{Type: status.EventQRTimeout, Reason: common.ErrQRTimeout.Error()})
			return
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			d.log.Warnf("Pairing rejected: %s", reason)
			emit(status.Event{Type: status.EventAuthFailure, Reason: reason})
			return
		}
	}
}

func (d *MeowDriver) send(evt status.Event) {
	d.emitMu.RLock()
	emit := d.emit
	d.emitMu.RUnlock()
	if emit != nil {
		emit(evt)
	}
}

// handleEvent runs on the library's event goroutine and must stay quick.
func (d *MeowDriver) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		d.log.Infof("Connected to WhatsApp")
		d.send(status.Event{Type: status.EventReady})
	case *events.PairSuccess:
		d.log.Infof("Paired as %s", v.ID)
		d.send(status.Event{Type: status.EventAuthenticated})
	case *events.Disconnected:
		d.send(status.Event{Type: status.EventDisconnected, Reason: "connection lost"})
	case *events.StreamReplaced:
		d.send(status.Event{Type: status.EventDisconnected, Reason: "stream replaced by another client"})
	case *events.LoggedOut:
		d.log.Warnf("Device logged out: %s", v.Reason.String())
		d.send(status.Event{Type: status.EventAuthFailure, Reason: "logged out: " + v.Reason.String()})
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			d.send(status.Event{Type: status.EventAuthFailure, Reason: v.Reason.String()})
		} else {
			d.send(status.Event{Type: status.EventDisconnected, Reason: v.Reason.String()})
		}
	case *events.TemporaryBan:
		d.send(status.Event{Type: status.EventAuthFailure, Reason: v.String()})
	case *events.ClientOutdated:
		d.send(status.Event{Type: status.EventFailed, Reason: "whatsapp client outdated"})
	case *events.Message:
		msg, chat, ref := convertMessage(v)
		if msg.HasMedia {
			d.media.put(msg.ID, ref)
		}
		d.send(status.Event{Type: status.EventMessage, Message: &msg, Chats: []models.Chat{chat}})
	case *events.Receipt:
		if receipts := convertReceipt(v); len(receipts) > 0 {
			d.send(status.Event{Type: status.EventReceipt, Receipts: receipts})
		}
	case *events.Picture:
		d.send(status.Event{Type: status.EventProfile, Profile: &models.ProfileChange{
			ContactID:         v.JID.ToNonAD().String(),
			HasProfilePicture: !v.Remove,
		}})
	case *events.PushName:
		d.send(status.Event{Type: status.EventProfile, Profile: &models.ProfileChange{
			ContactID: v.JID.ToNonAD().String(),
			Name:      v.NewPushName,
		}})
	case *events.HistorySync:
		// contact lookups hit the database, keep them off the event goroutine
		go d.syncHistory(v)
	}
}

func (d *MeowDriver) syncHistory(v *events.HistorySync) {
	ctx := context.Background()

	var contacts map[types.JID]types.ContactInfo
	if client := d.currentClient(); client != nil {
		all, err := client.Store.Contacts.GetAllContacts(ctx)
		if err != nil {
			d.log.Warnf("Failed to load contacts: %v", err)
		}
		contacts = all
	}

	var chats []models.Chat
	var messages []models.Message
	for _, conv := range v.Data.GetConversations() {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		chatID := jid.ToNonAD().String()
		chats = append(chats, models.Chat{
			ID:          chatID,
			Name:        chatName(jid, conv.GetName(), contacts[jid]),
			IsGroup:     jid.Server == types.GroupServer,
			UnreadCount: int(conv.GetUnreadCount()),
		})

		for _, hm := range conv.GetMessages() {
			wm := hm.GetMessage()
			if wm == nil || wm.GetMessage() == nil {
				continue
			}
			content := extractContent(wm.GetMessage())
			if content.typ == models.TypeUnknown {
				continue
			}
			msg := models.Message{
				ID:        wm.GetKey().GetID(),
				ChatID:    chatID,
				Body:      content.body,
				FromMe:    wm.GetKey().GetFromMe(),
				Timestamp: int64(wm.GetMessageTimestamp()) * 1000,
				Type:      content.typ,
				HasMedia:  content.media != nil,
				Media:     content.media,
			}
			if msg.HasMedia {
				d.media.put(msg.ID, content.ref)
			}
			messages = append(messages, msg)
		}
	}

	if len(chats) > 0 {
		d.send(status.Event{Type: status.EventChats, Chats: chats, Messages: messages})
	}
}

func (d *MeowDriver) currentClient() *whatsmeow.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func (d *MeowDriver) connectedClient() (*whatsmeow.Client, error) {
	client := d.currentClient()
	if client == nil || !client.IsConnected() {
		return nil, common.ErrNotConnected
	}
	return client, nil
}

func (d *MeowDriver) Stop() {
	d.mu.Lock()
	d.endStart()
	client := d.client
	d.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
}

func (d *MeowDriver) SendText(ctx context.Context, chatID, text string) (Sent, error) {
	client, err := d.connectedClient()
	if err != nil {
		return Sent{}, err
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return Sent{}, err
	}

	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return Sent{}, fmt.Errorf("send message: %w", err)
	}
	return Sent{ID: resp.ID, ChatID: jid.String(), Timestamp: resp.Timestamp}, nil
}

func (d *MeowDriver) SendMedia(ctx context.Context, chatID string, media models.MediaUpload) (Sent, error) {
	if !Allowed(media.Mimetype) {
		return Sent{}, common.ErrUnsupportedMedia
	}
	client, err := d.connectedClient()
	if err != nil {
		return Sent{}, err
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return Sent{}, err
	}

	uploaded, err := client.Upload(ctx, media.Data, uploadType(media.Mimetype))
	if err != nil {
		return Sent{}, fmt.Errorf("upload media: %w", err)
	}

	msg, err := buildMediaMessage(media, uploaded)
	if err != nil {
		return Sent{}, err
	}

	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return Sent{}, fmt.Errorf("send media: %w", err)
	}
	return Sent{ID: resp.ID, ChatID: jid.String(), Timestamp: resp.Timestamp}, nil
}

func (d *MeowDriver) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	client, err := d.connectedClient()
	if err != nil {
		return "", err
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := client.GetProfilePictureInfo(jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (d *MeowDriver) DownloadMedia(ctx context.Context, messageID string) ([]byte, error) {
	ref, ok := d.media.get(messageID)
	if !ok {
		return nil, common.ErrMediaNotFound
	}
	client, err := d.connectedClient()
	if err != nil {
		return nil, err
	}

	data, err := client.Download(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}
