package delivery

import (
	"context"
	"fmt"
	"html"
	"strings"

	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
	logx "previewbot/pkg/logx"
)

const (
	btnNext     = "Next ▶️"
	btnContinue = "Open full catalog"

	msgWelcomeBack    = "Welcome back! Ready for more previews?"
	msgUnknownCatalog = "This preview link is no longer active."
	msgPleaseWait     = "Hold on, the next preview is on its way."
	msgPreviewEnd     = "That's the end of the free preview. The full catalog is waiting for you!"
	msgAlbumTail      = "👆 Like it?"
)

func countdownText(n int) string {
	return fmt.Sprintf("⏳ Next preview in %d…", n)
}

// caption renders an item or creative header: bold title plus description.
func caption(title, desc string) string {
	var b strings.Builder
	if t := strings.TrimSpace(title); t != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(t))
		b.WriteString("</b>")
	}
	if d := strings.TrimSpace(desc); d != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(html.EscapeString(d))
	}
	return b.String()
}

// renderItem sends one catalog item. Single-part items carry their caption
// and the paging button on the media message itself; multi-part items go out
// as an album (captioned on the first part) followed by a short text message
// holding the button, since albums cannot carry keyboards.
func (s *Service) renderItem(ctx context.Context, chat kit.ChatTarget, item *storage.ContentItem, withNext bool) {
	if len(item.Parts) == 0 {
		s.log.Warn("item without media skipped", logx.Int64("item", item.ID))
		return
	}

	var buttons [][]kit.Button
	if withNext {
		buttons = [][]kit.Button{{{Text: btnNext, Data: cbNext}}}
	}

	media := s.resolveParts(ctx, item.Parts)
	media[0].Caption = caption(item.Title, item.Description)

	if len(media) == 1 {
		_, err := s.sender.SendMedia(ctx, chat, media[0], &kit.SendOptions{
			ParseMode: "HTML",
			Buttons:   buttons,
		})
		if err != nil {
			s.log.Error("item send failed", logx.Int64("item", item.ID), logx.Err(err))
		}
		return
	}

	if _, err := s.sender.SendAlbum(ctx, chat, media); err != nil {
		s.log.Error("album send failed", logx.Int64("item", item.ID), logx.Err(err))
		return
	}
	if buttons != nil {
		_, _ = s.sender.SendText(ctx, chat, msgAlbumTail, &kit.SendOptions{Buttons: buttons})
	}
}

// renderCreative sends one ad creative. The click button is a callback so
// the press is counted before the target link goes out.
func (s *Service) renderCreative(ctx context.Context, chat kit.ChatTarget, c *storage.Creative) {
	var buttons [][]kit.Button
	if c.TargetURL != "" {
		label := c.ButtonLabel
		if label == "" {
			label = "Learn more"
		}
		buttons = [][]kit.Button{{{Text: label, Data: fmt.Sprintf("%s%d", cbAdPrefix, c.ID)}}}
	}
	text := caption(c.Title, c.Description)
	opt := &kit.SendOptions{ParseMode: "HTML", Buttons: buttons}

	if len(c.Media) == 0 {
		if text == "" {
			return
		}
		if _, err := s.sender.SendText(ctx, chat, text, opt); err != nil {
			s.log.Warn("creative send failed", logx.Int64("creative", c.ID), logx.Err(err))
		}
		return
	}

	m := kit.Media{
		Kind:    c.Media[0].Kind,
		FileID:  s.resolver.FileID(ctx, c.Media[0].DedupKey, c.Media[0].FileID),
		Caption: text,
	}
	if _, err := s.sender.SendMedia(ctx, chat, m, opt); err != nil {
		s.log.Warn("creative send failed", logx.Int64("creative", c.ID), logx.Err(err))
	}
}

func (s *Service) resolveParts(ctx context.Context, parts []storage.MediaPart) []kit.Media {
	out := make([]kit.Media, 0, len(parts))
	for _, p := range parts {
		out = append(out, kit.Media{
			Kind:   p.Kind,
			FileID: s.resolver.FileID(ctx, p.DedupKey, p.FileID),
		})
	}
	return out
}
