package telegram

import (
	"strings"

	"github.com/go-telegram/bot/models"

	"tg_classifier_bot/internal/domain"
)

const (
	msgDownloadFailed = "Could not download the image. Please send it again."
	msgImageTooLarge  = "That image is too large. Please send a smaller one."
)

type updateMeta struct {
	userID     int64
	chatID     int64
	updateType string
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			updateType: "message",
		}
	case update.EditedMessage != nil:
		return updateMeta{
			userID:     userID(update.EditedMessage.From),
			chatID:     chatID(&update.EditedMessage.Chat),
			updateType: "edited_message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     userID(&update.CallbackQuery.From),
			updateType: "callback_query",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

// decodeMessage maps msg to an event. Image payloads are left for the caller
// to download; ok is true only for photos and image documents.
func decodeMessage(msg *models.Message) (domain.Event, bool) {
	ev := domain.Event{
		UserID: userID(msg.From),
		ChatID: chatID(&msg.Chat),
	}

	if len(msg.Photo) > 0 || isImageDocument(msg.Document) {
		ev.Kind = domain.EventImage
		return ev, true
	}

	if name, ok := parseCommand(msg.Text); ok {
		ev.Kind = domain.EventCommand
		ev.Command = name
		return ev, false
	}

	if msg.Text == "" {
		ev.Kind = domain.EventOther
		return ev, false
	}

	ev.Kind = domain.EventText
	ev.Text = msg.Text
	return ev, false
}

// parseCommand extracts "register" from "/register", "/Register@my_bot arg"
// and similar forms.
func parseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	first := strings.Fields(text)[0]
	name := strings.TrimPrefix(first, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

func isImageDocument(doc *models.Document) bool {
	return doc != nil && strings.HasPrefix(strings.ToLower(doc.MimeType), "image/")
}

// largestPhoto returns the highest resolution size Telegram offers.
func largestPhoto(sizes []models.PhotoSize) models.PhotoSize {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}
