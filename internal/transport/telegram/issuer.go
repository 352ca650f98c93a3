package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "previewbot/internal/transport"
)

// Issuer wraps one bot identity used purely for minting file identifiers
// (republish/forward into the rendezvous channel). It never polls.
type Issuer struct {
	bot *tele.Bot
}

// NewIssuer validates the token against the Telegram API (getMe) and
// returns an issuer bound to that identity.
func NewIssuer(token string) (*Issuer, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("issuer token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("issuer token rejected: %w", err)
	}
	return &Issuer{bot: b}, nil
}

// AsIssuer exposes the polling adapter's bot as an issuer, so the primary
// identity can republish assets without a second client.
func (a *Adapter) AsIssuer() *Issuer {
	return &Issuer{bot: a.bot}
}

func (i *Issuer) Identity() (int64, string) {
	if i.bot == nil || i.bot.Me == nil {
		return 0, ""
	}
	return i.bot.Me.ID, i.bot.Me.Username
}

func (i *Issuer) Republish(ctx context.Context, to kit.ChatTarget, m kit.Media) (kit.MessageRef, kit.MintedMedia, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.MessageRef{}, kit.MintedMedia{}, err
	}
	msg, err := i.bot.Send(&tele.Chat{ID: to.ChatID}, sendable(m))
	if err != nil {
		return kit.MessageRef{}, kit.MintedMedia{}, err
	}
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
	minted, ok := extractMinted(msg)
	if !ok {
		return ref, kit.MintedMedia{}, errors.New("republished message carries no media")
	}
	return ref, minted, nil
}

func (i *Issuer) Forward(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, kit.MintedMedia, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.MessageRef{}, kit.MintedMedia{}, err
	}
	msg, err := i.bot.Forward(&tele.Chat{ID: to.ChatID}, stored(from))
	if err != nil {
		return kit.MessageRef{}, kit.MintedMedia{}, err
	}
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
	minted, ok := extractMinted(msg)
	if !ok {
		return ref, kit.MintedMedia{}, errors.New("forwarded message carries no media")
	}
	return ref, minted, nil
}

func (i *Issuer) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return i.bot.Delete(stored(ref))
}

// IsChannelAdmin reports whether this issuer holds administrative rights
// on the given chat.
func (i *Issuer) IsChannelAdmin(ctx context.Context, chatID int64) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	member, err := i.bot.ChatMemberOf(&tele.Chat{ID: chatID}, i.bot.Me)
	if err != nil {
		return false, err
	}
	switch member.Role {
	case tele.Administrator, tele.Creator:
		return true, nil
	}
	return false, nil
}
