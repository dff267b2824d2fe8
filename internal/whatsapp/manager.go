// Package whatsapp owns the single WhatsApp client of the relay and turns
// its callbacks into status changes, cache updates and broadcasts.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-relay/internal/cache"
	"whatsapp-relay/internal/common"
	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
)

const (
	eventBuffer    = 256
	listenerBuffer = 256
)

// Options tune the session lifecycle.
type Options struct {
	MaxQRAttempts        int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	RestartDelay         time.Duration
	MessageBuffer        int
	ProfilePictureTTL    time.Duration
	// ListenerWorkers bounds how many listener calls run at once.
	ListenerWorkers int
	// QRRenderer turns a raw pairing code into what browsers display.
	QRRenderer func(code string) string
}

func (o *Options) setDefaults() {
	if o.MaxQRAttempts <= 0 {
		o.MaxQRAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = 0
	}
	if o.ProfilePictureTTL <= 0 {
		o.ProfilePictureTTL = time.Hour
	}
	if o.ListenerWorkers <= 0 {
		o.ListenerWorkers = 4
	}
	if o.QRRenderer == nil {
		o.QRRenderer = QRDataURL
	}
}

// MessageListener is told about every new incoming message.
type MessageListener interface {
	OnMessage(ctx context.Context, msg models.Message)
}

// stampedEvent is a library event tagged with the start it belongs to.
type stampedEvent struct {
	gen uint64
	evt status.Event
}

type Manager struct {
	driver Driver
	out    status.Broadcaster
	log    waLog.Logger
	opts   Options

	reconciler *status.Reconciler
	cache      *cache.Cache
	pictures   *pictureCache

	events     chan stampedEvent
	deliveries chan models.Message
	quit       chan struct{}

	mu sync.Mutex
	// gen is bumped on every start and restart; events from older starts are dropped.
	gen               uint64
	runCtx            context.Context
	starting          bool
	reconnectTimer    *time.Timer
	reconnectAttempts int
	listeners         []MessageListener
}

func NewManager(driver Driver, out status.Broadcaster, log waLog.Logger, opts Options) *Manager {
	opts.setDefaults()
	if log == nil {
		log = waLog.Noop
	}

	m := &Manager{
		driver:   driver,
		out:      out,
		log:      log,
		opts:     opts,
		cache:    cache.New(opts.MessageBuffer),
		pictures: newPictureCache(opts.ProfilePictureTTL),
		events:     make(chan stampedEvent, eventBuffer),
		deliveries: make(chan models.Message, listenerBuffer),
		quit:       make(chan struct{}),
		runCtx:     context.Background(),
	}
	m.reconciler = status.NewReconciler(out, opts.MaxQRAttempts,
		status.WithChats(m.cache.Chats),
		status.WithQRRenderer(opts.QRRenderer),
	)
	return m
}

// AddListener registers l for incoming messages. Call before Run.
func (m *Manager) AddListener(l MessageListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Run consumes library events until ctx is done, then stops the client.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	var workers sync.WaitGroup
	for i := 0; i < m.opts.ListenerWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			m.deliver(ctx)
		}()
	}

	defer func() {
		workers.Wait()
		close(m.quit)
		m.mu.Lock()
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.mu.Unlock()
		m.driver.Stop()
		m.log.Infof("WhatsApp manager stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case se := <-m.events:
			if !m.current(se.gen) {
				m.log.Debugf("Dropping %s event from a stopped client", se.evt.Type)
				continue
			}
			m.handle(se.evt)
		}
	}
}

// emitter returns the callback handed to the driver for start gen.
func (m *Manager) emitter(gen uint64) func(status.Event) {
	return func(evt status.Event) {
		select {
		case m.events <- stampedEvent{gen: gen, evt: evt}:
		case <-m.quit:
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// deliver feeds queued incoming messages to the listeners.
func (m *Manager) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.deliveries:
			m.mu.Lock()
			listeners := m.listeners
			m.mu.Unlock()
			for _, l := range listeners {
				l.OnMessage(ctx, msg)
			}
		}
	}
}

func (m *Manager) handle(evt status.Event) {
	switch evt.Type {
	case status.EventMessage:
		if evt.Message != nil {
			m.handleMessage(*evt.Message, evt.Chats)
		}
	case status.EventChats:
		m.handleChats(evt.Chats, evt.Messages)
	case status.EventReceipt:
		for _, r := range evt.Receipts {
			m.out.Broadcast(models.EventMessageStatus, r)
		}
	case status.EventProfile:
		if evt.Profile != nil {
			m.handleProfile(*evt.Profile)
		}
	}

	state, changed := m.reconciler.Apply(evt)
	if !changed {
		return
	}
	m.log.Infof("WhatsApp status: %s", state.Status)

	switch state.Status {
	case status.Connected:
		m.mu.Lock()
		m.reconnectAttempts = 0
		m.mu.Unlock()
	case status.Disconnected, status.AuthFailure:
		m.log.Warnf("WhatsApp session lost (%s), reinitializing in %s", state.Reason, m.opts.ReconnectDelay)
		m.scheduleReconnect()
	case status.Failed:
		m.log.Errorf("WhatsApp session failed: %s", state.Reason)
		m.driver.Stop()
	}
}

func (m *Manager) handleMessage(msg models.Message, hint []models.Chat) {
	newChat := !m.cache.HasChat(msg.ChatID)
	if newChat && len(hint) > 0 {
		m.cache.EnsureChat(hint[0])
	}
	if !m.cache.AppendMessage(msg) {
		return
	}

	m.out.Broadcast(models.EventMessage, msg)
	if newChat {
		m.out.Broadcast(models.EventChats, m.cache.Chats())
	}

	if msg.FromMe {
		return
	}
	select {
	case m.deliveries <- msg:
	default:
		m.log.Warnf("Listener queue full, message %s not forwarded", msg.ID)
	}
}

// handleProfile forgets the cached picture of a contact and announces the
// change once the new picture has been looked up.
func (m *Manager) handleProfile(p models.ProfileChange) {
	m.pictures.drop(p.ContactID)
	if chat, ok := m.cache.Chat(p.ContactID); ok {
		number, _, _ := strings.Cut(p.ContactID, "@")
		switch {
		case p.Name == "":
			p.Name = chat.Name
		case chat.Name == "" || chat.Name == number:
			// a push name beats the bare number
			m.cache.SetChatName(p.ContactID, p.Name)
		}
	}

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	go func() {
		url, err := m.ProfilePicture(ctx, p.ContactID)
		p.HasProfilePicture = err == nil && url != ""
		m.out.Broadcast(models.EventProfile, p)
	}()
}

// handleChats folds a history batch into the mirror. Sync arrives in
// chunks, so chats missing from a batch are kept.
func (m *Manager) handleChats(chats []models.Chat, messages []models.Message) {
	for _, msg := range messages {
		m.cache.AppendMessage(msg)
	}
	// the provider's unread counters replace the ones counted above
	m.cache.MergeChats(chats)

	m.log.Debugf("History sync: %d chats, %d messages", len(chats), len(messages))
	m.out.Broadcast(models.EventChats, m.cache.Chats())
}

// Initialize starts the client. It does nothing while a session attempt is
// running or established, or after the session failed.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	st := m.reconciler.State().Status
	if m.starting || st.Active() || st == status.Failed {
		m.mu.Unlock()
		m.log.Debugf("Initialize ignored in state %s", st)
		return nil
	}
	m.starting = true
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	m.reconciler.Apply(status.Event{Type: status.EventInitializing})
	m.log.Infof("Initializing WhatsApp client")

	if err := m.driver.Start(ctx, m.emitter(gen)); err != nil {
		m.log.Errorf("Failed to start WhatsApp client: %v", err)
		m.reconciler.Apply(status.Event{Type: status.EventDisconnected, Reason: err.Error()})
		m.scheduleReconnect()
		return fmt.Errorf("initialize whatsapp: %w", err)
	}
	return nil
}

// scheduleReconnect arms the single reconnect timer. Past the attempt bound
// the session is marked failed instead.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reconnectTimer != nil {
		return
	}
	m.reconnectAttempts++
	if m.reconnectAttempts > m.opts.MaxReconnectAttempts {
		m.reconciler.Apply(status.Event{
			Type:   status.EventFailed,
			Reason: fmt.Sprintf("gave up after %d reconnect attempts", m.opts.MaxReconnectAttempts),
		})
		m.driver.Stop()
		return
	}

	ctx := m.runCtx
	m.reconnectTimer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := m.Initialize(ctx); err != nil {
			m.log.Warnf("Reconnect attempt failed: %v", err)
		}
	})
}

// Restart tears the client down, resets the session counters and
// initializes again after RestartDelay. It is the only way out of failed.
func (m *Manager) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectAttempts = 0
	m.gen++
	runCtx := m.runCtx
	m.mu.Unlock()

	m.log.Infof("Restarting WhatsApp client")
	m.driver.Stop()
	m.reconciler.Apply(status.Event{Type: status.EventReset})

	go func() {
		select {
		case <-time.After(m.opts.RestartDelay):
		case <-runCtx.Done():
			return
		}
		if err := m.Initialize(runCtx); err != nil {
			m.log.Warnf("Restart failed: %v", err)
		}
	}()
	return nil
}

// State returns the reconciled session state.
func (m *Manager) State() status.State {
	return m.reconciler.State()
}

// Snapshot is the whatsapp:status payload for a newly connected browser.
func (m *Manager) Snapshot() status.Payload {
	return m.reconciler.Snapshot()
}

func (m *Manager) Chats() []models.Chat {
	return m.cache.Chats()
}

// Messages returns the newest limit messages of a chat, oldest first.
func (m *Manager) Messages(chatID string, limit int) ([]models.Message, error) {
	if !m.cache.HasChat(chatID) {
		return nil, common.ErrChatNotFound
	}
	return m.cache.Messages(chatID, limit), nil
}

// MessagesSince returns messages of a chat newer than ts.
func (m *Manager) MessagesSince(chatID string, ts int64) []models.Message {
	return m.cache.MessagesSince(chatID, ts)
}

// MarkRead clears the unread counter of a chat in the mirror.
func (m *Manager) MarkRead(chatID string) error {
	if !m.cache.HasChat(chatID) {
		return common.ErrChatNotFound
	}
	m.cache.MarkRead(chatID)
	return nil
}

func (m *Manager) connected() bool {
	return m.reconciler.State().Status == status.Connected
}

// SendMessage sends a text message. It fails with common.ErrNotConnected
// before touching the library when the session is not connected.
func (m *Manager) SendMessage(ctx context.Context, chatID, text string) (models.Message, error) {
	if !m.connected() {
		return models.Message{}, common.ErrNotConnected
	}
	if strings.TrimSpace(chatID) == "" || text == "" {
		return models.Message{}, errors.New("recipient and message are required")
	}

	sent, err := m.driver.SendText(ctx, chatID, text)
	if err != nil {
		m.log.Errorf("Failed to send message to %s: %v", chatID, err)
		return models.Message{}, &common.DeliveryError{Op: "send message", Err: err}
	}

	msg := models.Message{
		ID:        sent.ID,
		ChatID:    sent.ChatID,
		Body:      text,
		FromMe:    true,
		Timestamp: sent.Timestamp.UnixMilli(),
		Type:      models.TypeText,
	}
	m.record(msg)
	return msg, nil
}

// SendMedia uploads and sends an attachment.
func (m *Manager) SendMedia(ctx context.Context, chatID string, media models.MediaUpload) (models.Message, error) {
	if !m.connected() {
		return models.Message{}, common.ErrNotConnected
	}
	if strings.TrimSpace(chatID) == "" || len(media.Data) == 0 {
		return models.Message{}, errors.New("recipient and file are required")
	}

	sent, err := m.driver.SendMedia(ctx, chatID, media)
	if err != nil {
		if errors.Is(err, common.ErrUnsupportedMedia) {
			return models.Message{}, err
		}
		m.log.Errorf("Failed to send media to %s: %v", chatID, err)
		return models.Message{}, &common.DeliveryError{Op: "send media", Err: err}
	}

	msg := models.Message{
		ID:        sent.ID,
		ChatID:    sent.ChatID,
		Body:      media.Caption,
		FromMe:    true,
		Timestamp: sent.Timestamp.UnixMilli(),
		Type:      TypeForMime(media.Mimetype),
		HasMedia:  true,
		Media: &models.Media{
			Mimetype: media.Mimetype,
			Filename: media.Filename,
			Filesize: uint64(len(media.Data)),
		},
	}
	m.record(msg)
	return msg, nil
}

func (m *Manager) record(msg models.Message) {
	newChat := !m.cache.HasChat(msg.ChatID)
	if m.cache.AppendMessage(msg) {
		m.out.Broadcast(models.EventMessage, msg)
		if newChat {
			m.out.Broadcast(models.EventChats, m.cache.Chats())
		}
	}
}

// ProfilePicture returns the picture URL of a chat, or "" when it has none.
// Results, misses included, are cached for ProfilePictureTTL.
func (m *Manager) ProfilePicture(ctx context.Context, chatID string) (string, error) {
	if url, ok := m.pictures.get(chatID); ok {
		return url, nil
	}
	if !m.connected() {
		return "", common.ErrNotConnected
	}

	url, err := m.driver.ProfilePictureURL(ctx, chatID)
	if err != nil {
		m.log.Debugf("No profile picture for %s: %v", chatID, err)
		url = ""
	}
	m.pictures.put(chatID, url)
	return url, nil
}

// DownloadMedia fetches the attachment of a cached message.
func (m *Manager) DownloadMedia(ctx context.Context, messageID string) ([]byte, *models.Media, error) {
	msg, ok := m.cache.Message(messageID)
	if !ok || !msg.HasMedia || msg.Media == nil {
		return nil, nil, common.ErrMediaNotFound
	}
	if !m.connected() {
		return nil, nil, common.ErrNotConnected
	}

	data, err := m.driver.DownloadMedia(ctx, messageID)
	if err != nil {
		if errors.Is(err, common.ErrMediaNotFound) {
			return nil, nil, err
		}
		return nil, nil, &common.DeliveryError{Op: "download media", Err: err}
	}
	return data, msg.Media, nil
}
