package telegram

import (
	"strconv"

	tele "gopkg.in/telebot.v4"

	kit "previewbot/internal/transport"
)

// extractMinted pulls the media payload out of a Telegram message.
// Documents are accepted only when they are really images or videos in
// disguise; other attachments are ignored (ok=false).
func extractMinted(m *tele.Message) (kit.MintedMedia, bool) {
	switch {
	case m.Photo != nil:
		return kit.MintedMedia{
			Media:    kit.Media{Kind: kit.MediaImage, FileID: m.Photo.FileID},
			DedupKey: m.Photo.UniqueID,
		}, true
	case m.Video != nil:
		return kit.MintedMedia{
			Media:    kit.Media{Kind: kit.MediaVideo, FileID: m.Video.FileID},
			DedupKey: m.Video.UniqueID,
		}, true
	case m.Animation != nil:
		return kit.MintedMedia{
			Media:    kit.Media{Kind: kit.MediaAnimation, FileID: m.Animation.FileID},
			DedupKey: m.Animation.UniqueID,
		}, true
	case m.Document != nil:
		return kit.MintedMedia{
			Media:    kit.Media{Kind: kit.MediaDocument, FileID: m.Document.FileID},
			DedupKey: m.Document.UniqueID,
		}, true
	}
	return kit.MintedMedia{}, false
}

// sendable converts a Media into something telebot can send by file id.
func sendable(m kit.Media) tele.Sendable {
	f := tele.File{FileID: m.FileID}
	switch m.Kind {
	case kit.MediaVideo:
		return &tele.Video{File: f, Caption: m.Caption}
	case kit.MediaAnimation:
		return &tele.Animation{File: f, Caption: m.Caption}
	case kit.MediaDocument:
		return &tele.Document{File: f, Caption: m.Caption}
	default:
		return &tele.Photo{File: f, Caption: m.Caption}
	}
}

// inputtable is like sendable but for album members. Telegram albums only
// accept photos and videos; anything else is coerced to a document entry.
func inputtable(m kit.Media) tele.Inputtable {
	f := tele.File{FileID: m.FileID}
	switch m.Kind {
	case kit.MediaVideo, kit.MediaAnimation:
		return &tele.Video{File: f, Caption: m.Caption}
	case kit.MediaDocument:
		return &tele.Document{File: f, Caption: m.Caption}
	default:
		return &tele.Photo{File: f, Caption: m.Caption}
	}
}

func markupFor(opt *kit.SendOptions) *tele.ReplyMarkup {
	if opt == nil || len(opt.Buttons) == 0 {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(opt.Buttons))
	for _, r := range opt.Buttons {
		row := make([]tele.InlineButton, 0, len(r))
		for _, b := range r {
			row = append(row, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		rows = append(rows, row)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func stored(ref kit.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
}
