package whatsapp

import (
	"math"
	"math/rand"
	"mime"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"whatsapp-relay/internal/common"
	"whatsapp-relay/internal/models"
)

// AllowedMimeTypes are the attachment types the relay accepts.
var AllowedMimeTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"video/mp4":          true,
	"video/quicktime":    true,
	"video/avi":          true,
	"audio/mpeg":         true,
	"audio/ogg":          true,
	"audio/wav":          true,
	"audio/mp4":          true,
	"application/pdf":    true,
	"text/plain":         true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/zip": true,
}

// NormalizeMime strips parameters and lowercases a content type. An empty
// or generic type is guessed from the file extension.
func NormalizeMime(contentType, filename string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = ""
	}
	mt = strings.ToLower(mt)
	if mt == "" || mt == "application/octet-stream" {
		if guess := mimeFromExtension(filename); guess != "" {
			return guess
		}
	}
	return mt
}

// Allowed reports whether mimetype may be sent.
func Allowed(mimetype string) bool {
	mt, _, err := mime.ParseMediaType(mimetype)
	if err != nil {
		return false
	}
	return AllowedMimeTypes[strings.ToLower(mt)]
}

// mimeFromExtension covers the extensions browsers commonly leave untyped.
func mimeFromExtension(filename string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"

	case "ogg", "opus":
		return "audio/ogg"
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"

	case "mp4":
		return "video/mp4"
	case "avi":
		return "video/avi"
	case "mov":
		return "video/quicktime"

	case "pdf":
		return "application/pdf"
	case "txt":
		return "text/plain"
	case "doc":
		return "application/msword"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "xls":
		return "application/vnd.ms-excel"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "zip":
		return "application/zip"
	}
	return ""
}

// TypeForMime maps a mimetype to a message type.
func TypeForMime(mimetype string) string {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return models.TypeImage
	case strings.HasPrefix(mimetype, "video/"):
		return models.TypeVideo
	case strings.HasPrefix(mimetype, "audio/"):
		return models.TypeAudio
	default:
		return models.TypeDocument
	}
}

// uploadType maps a mimetype to the upload category of the library.
func uploadType(mimetype string) whatsmeow.MediaType {
	switch TypeForMime(mimetype) {
	case models.TypeImage:
		return whatsmeow.MediaImage
	case models.TypeVideo:
		return whatsmeow.MediaVideo
	case models.TypeAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// buildMediaMessage wraps an uploaded attachment in the message type that
// matches its mimetype.
func buildMediaMessage(media models.MediaUpload, resp whatsmeow.UploadResponse) (*waE2E.Message, error) {
	if !Allowed(media.Mimetype) {
		return nil, common.ErrUnsupportedMedia
	}

	msg := &waE2E.Message{}
	switch uploadType(media.Mimetype) {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       optional(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       optional(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}
	case whatsmeow.MediaAudio:
		audio := &waE2E.AudioMessage{
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}
		// ogg/opus goes out as a voice note
		if strings.Contains(media.Mimetype, "ogg") {
			seconds := estimateSeconds(len(media.Data))
			audio.Mimetype = proto.String("audio/ogg; codecs=opus")
			audio.Seconds = proto.Uint32(seconds)
			audio.PTT = proto.Bool(true)
			audio.Waveform = generateSimpleWaveform(seconds)
		}
		msg.AudioMessage = audio
	default:
		name := media.Filename
		if name == "" {
			name = "file"
		}
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Title:         proto.String(name),
			FileName:      proto.String(name),
			Caption:       optional(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}
	}
	return msg, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// estimateSeconds guesses a voice note length from its size (~8KB/s opus).
func estimateSeconds(size int) uint32 {
	seconds := uint32(size / 8000)
	if seconds < 1 {
		return 1
	}
	if seconds > 300 {
		return 300
	}
	return seconds
}

// generateSimpleWaveform fills the 64 waveform bars WhatsApp shows for a
// voice note: a swell that rises and fades over the clip, with jitter seeded
// by duration so a given length always draws the same shape.
func generateSimpleWaveform(duration uint32) []byte {
	const bars = 64
	rng := rand.New(rand.NewSource(int64(duration) + 1))

	out := make([]byte, bars)
	for i := range out {
		envelope := math.Sin(math.Pi * (float64(i) + 0.5) / bars)
		level := 20 + 60*envelope + rng.Float64()*20
		out[i] = byte(min(level, 100))
	}
	return out
}
