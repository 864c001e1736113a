package pipeline

import (
	"fmt"
	"strings"

	"github.com/chatline/chatline-be/internal/domain"
)

var extByMIME = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"application/pdf": ".pdf",
}

// extFromMIME maps a content type to a file extension, falling back to the
// MIME subtype.
func extFromMIME(mimeType string) string {
	if ext, ok := extByMIME[mimeType]; ok {
		return ext
	}
	if idx := strings.Index(mimeType, "/"); idx >= 0 && idx < len(mimeType)-1 {
		return "." + mimeType[idx+1:]
	}
	return ".bin"
}

// objectName builds the storage path content_type/chat/external_id.ext.
// The chat id is stripped of its provider suffix ("...@s.whatsapp.net").
func objectName(contentType domain.ContentType, chatID, externalID, mimeType string) string {
	cleanChat := chatID
	if idx := strings.Index(chatID, "@"); idx >= 0 {
		cleanChat = chatID[:idx]
	}
	return fmt.Sprintf("%s/%s/%s%s", contentType, cleanChat, externalID, extFromMIME(mimeType))
}

// mediaCaption returns the message content for a media message: the caption
// when present, otherwise a typed placeholder.
func mediaCaption(media *domain.MediaObject, contentType domain.ContentType) string {
	if media.Caption != "" {
		return media.Caption
	}
	name := string(contentType)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return fmt.Sprintf("[%s message]", name)
}
