package status

import (
	"sync"

	"whatsapp-relay/internal/models"
)

// Broadcaster fans an event out to every connected browser.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Payload is the body of whatsapp:status.
type Payload struct {
	Status Status        `json:"status"`
	Chats  []models.Chat `json:"chats,omitempty"`
	QR     string        `json:"qr,omitempty"`
}

// QRPayload is the body of whatsapp:qr.
type QRPayload struct {
	QR      string `json:"qr"`
	Attempt int    `json:"attempt"`
	Max     int    `json:"max"`
}

// Reconciler owns the authoritative State and broadcasts status changes.
type Reconciler struct {
	mu    sync.Mutex
	state State
	maxQR int

	out    Broadcaster
	chats  func() []models.Chat
	render func(code string) string
}

type Option func(*Reconciler)

// WithChats supplies the chat list sent along with the connected status.
func WithChats(f func() []models.Chat) Option {
	return func(r *Reconciler) { r.chats = f }
}

// WithQRRenderer converts raw QR codes before they are broadcast.
func WithQRRenderer(f func(code string) string) Option {
	return func(r *Reconciler) { r.render = f }
}

func NewReconciler(out Broadcaster, maxQR int, opts ...Option) *Reconciler {
	r := &Reconciler{
		state:  State{Status: Uninitialized},
		maxQR:  maxQR,
		out:    out,
		chats:  func() []models.Chat { return nil },
		render: func(code string) string { return code },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds e into the state. A status change is broadcast once; a fresh
// QR code is always pushed so the browser switches to the QR view.
func (r *Reconciler) Apply(e Event) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state
	next := Reduce(prev, e, r.maxQR)
	r.state = next

	changed := next.Status != prev.Status
	if changed {
		r.out.Broadcast(models.EventStatus, r.payload(next))
	}
	if next.Status == QR && e.Type == EventQR && next.QR != "" {
		r.out.Broadcast(models.EventQR, QRPayload{
			QR:      r.render(next.QR),
			Attempt: next.QRAttempts,
			Max:     r.maxQR,
		})
	}
	return next, changed
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot is the whatsapp:status payload for the current state, sent to
// browsers that connect late.
func (r *Reconciler) Snapshot() Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload(r.state)
}

func (r *Reconciler) payload(s State) Payload {
	p := Payload{Status: s.Status}
	switch s.Status {
	case QR:
		p.QR = r.render(s.QR)
	case Connected:
		p.Chats = r.chats()
	}
	return p
}
