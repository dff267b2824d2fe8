package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-relay/internal/common"
	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
	"whatsapp-relay/internal/whatsapp"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500

	// multipartSlack covers form boundaries and the text fields next to the file.
	multipartSlack = 1 << 20
)

// Relay is the WhatsApp session as the REST API sees it.
type Relay interface {
	State() status.State
	Snapshot() status.Payload
	Chats() []models.Chat
	Restart(ctx context.Context) error
	Messages(chatID string, limit int) ([]models.Message, error)
	MarkRead(chatID string) error
	SendMessage(ctx context.Context, chatID, text string) (models.Message, error)
	SendMedia(ctx context.Context, chatID string, media models.MediaUpload) (models.Message, error)
	ProfilePicture(ctx context.Context, chatID string) (string, error)
	DownloadMedia(ctx context.Context, messageID string) ([]byte, *models.Media, error)
}

type WhatsAppHandler struct {
	Relay Relay
	// MaxUpload is the largest accepted attachment in bytes.
	MaxUpload int64
	Log       waLog.Logger
}

type statusResponse struct {
	Status     status.Status `json:"status"`
	QR         string        `json:"qr,omitempty"`
	QRAttempts int           `json:"qrAttempts"`
	Chats      []models.Chat `json:"chats"`
}

func (h *WhatsAppHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.Relay.Snapshot()
	resp := statusResponse{
		Status:     snap.Status,
		QR:         snap.QR,
		QRAttempts: h.Relay.State().QRAttempts,
		Chats:      snap.Chats,
	}
	if resp.Chats == nil {
		resp.Chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WhatsAppHandler) Restart(w http.ResponseWriter, r *http.Request) {
	if err := h.Relay.Restart(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *WhatsAppHandler) Chats(w http.ResponseWriter, r *http.Request) {
	chats := h.Relay.Chats()
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// chatID resolves the {chatId} path variable to a canonical JID string.
func chatID(r *http.Request) (string, error) {
	jid, err := whatsapp.ParseChatID(mux.Vars(r)["chatId"])
	if err != nil {
		return "", err
	}
	return jid.String(), nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultMessageLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxMessageLimit {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(maxMessageLimit))
	}
	return n, nil
}

func (h *WhatsAppHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.Relay.Messages(id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *WhatsAppHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Relay.MarkRead(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (h *WhatsAppHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartSlack)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "to and message are required")
		return
	}
	jid, err := whatsapp.ParseChatID(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.Relay.SendMessage(r.Context(), jid.String(), req.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": msg.ID})
}

func (h *WhatsAppHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUpload+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if header.Size > h.MaxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	to := r.FormValue("to")
	if strings.TrimSpace(to) == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	jid, err := whatsapp.ParseChatID(to)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mimetype := whatsapp.NormalizeMime(header.Header.Get("Content-Type"), header.Filename)
	if !whatsapp.Allowed(mimetype) {
		writeErr(w, common.ErrUnsupportedMedia)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}

	_, err = h.Relay.SendMedia(r.Context(), jid.String(), models.MediaUpload{
		Data:     data,
		Mimetype: mimetype,
		Filename: header.Filename,
		Caption:  r.FormValue("caption"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": header.Filename,
		"size":     len(data),
		"type":     mimetype,
	})
}

func (h *WhatsAppHandler) ProfilePicture(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	url, err := h.Relay.ProfilePicture(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *WhatsAppHandler) Media(w http.ResponseWriter, r *http.Request) {
	data, media, err := h.Relay.DownloadMedia(r.Context(), mux.Vars(r)["messageId"])
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", media.Mimetype)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if media.Filename != "" {
		w.Header().Set("Content-Disposition", `inline; filename="`+strings.ReplaceAll(media.Filename, `"`, "")+`"`)
	}
	if _, err := w.Write(data); err != nil {
		h.Log.Warnf("Failed to write media %s: %v", mux.Vars(r)["messageId"], err)
	}
}
