// Package status reduces automation events to the connection status shown
// to browsers.
package status

import "whatsapp-relay/internal/models"

// Status is the UI-facing connection state.
type Status string

const (
	Uninitialized Status = "uninitialized"
	Initializing  Status = "initializing"
	QR            Status = "qr"
	Connecting    Status = "connecting"
	Connected     Status = "connected"
	Disconnected  Status = "disconnected"
	AuthFailure   Status = "auth_failure"
	Failed        Status = "failed"
)

// Active reports whether a session attempt is in progress or established.
func (s Status) Active() bool {
	switch s {
	case Initializing, QR, Connecting, Connected:
		return true
	}
	return false
}

// EventType tags an Event.
type EventType string

const (
	EventReset         EventType = "reset"
	EventInitializing  EventType = "initializing"
	EventQR            EventType = "qr"
	EventQRTimeout     EventType = "qr_timeout"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventAuthFailure   EventType = "auth_failure"
	EventFailed        EventType = "failed"
	EventMessage       EventType = "message"
	EventChats         EventType = "chats"
	EventReceipt       EventType = "receipt"
	EventProfile       EventType = "profile"
)

// Event is one automation library callback. Only the fields that belong to
// Type are set.
type Event struct {
	Type EventType

	// EventQR
	QR string
	// EventDisconnected, EventAuthFailure, EventFailed
	Reason string
	// EventMessage
	Message *models.Message
	// EventChats carries a full chat list plus history for it
	Chats    []models.Chat
	Messages []models.Message
	// EventReceipt
	Receipts []models.MessageStatus
	// EventProfile names the contact whose name or picture changed
	Profile *models.ProfileChange
}

// State is the reconciled view of the session.
type State struct {
	Status     Status `json:"status"`
	QR         string `json:"qr,omitempty"`
	QRAttempts int    `json:"qrAttempts"`
	Reason     string `json:"reason,omitempty"`
}

// Reduce returns the state that follows s after e. Failed absorbs
// everything except EventReset. QR events win over any other state until
// maxQR codes have been shown.
func Reduce(s State, e Event, maxQR int) State {
	if s.Status == Failed && e.Type != EventReset {
		return s
	}

	switch e.Type {
	case EventReset:
		return State{Status: Uninitialized}

	case EventInitializing:
		s.Status = Initializing
		s.QR = ""
		s.Reason = ""

	case EventQR:
		s.QRAttempts++
		if maxQR > 0 && s.QRAttempts > maxQR {
			return State{Status: Failed, QRAttempts: s.QRAttempts, Reason: "qr attempts exhausted"}
		}
		s.Status = QR
		s.QR = e.QR

	case EventQRTimeout:
		// the QR channel also ends this way when the socket drops mid-pairing,
		// so it is retried like any other disconnect
		s.Status = Disconnected
		s.QR = ""
		s.Reason = "qr code timed out"

	case EventAuthenticated:
		s.Status = Connecting
		s.QR = ""

	case EventReady:
		return State{Status: Connected}

	case EventDisconnected:
		s.Status = Disconnected
		s.QR = ""
		s.Reason = e.Reason

	case EventAuthFailure:
		s.Status = AuthFailure
		s.QR = ""
		s.Reason = e.Reason

	case EventFailed:
		return State{Status: Failed, QRAttempts: s.QRAttempts, Reason: e.Reason}
	}
	return s
}
