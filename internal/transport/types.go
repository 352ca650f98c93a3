package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateChannelPost UpdateKind = "channel_post"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	ChannelPost *ChannelPost
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// MediaKind classifies a physical media asset.
type MediaKind string

const (
	MediaImage     MediaKind = "image"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
)

// Media references one asset by the identifier the issuing bot minted for it.
type Media struct {
	Kind    MediaKind
	FileID  string
	Caption string
}

// MintedMedia is a Media plus the cross-issuer dedup key extracted from an
// inbound or republished message.
type MintedMedia struct {
	Media
	DedupKey string
}

// ChannelPost is one media message observed on a source channel.
//
// GroupKey is the platform's album/batch key; empty for standalone posts.
// Seq is the platform message id and defines the canonical part order,
// which is not the same as arrival order.
type ChannelPost struct {
	ChatID    int64
	MessageID int
	GroupKey  string
	Seq       int
	Caption   string
	Part      MintedMedia
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is a single inline keyboard button. Exactly one of URL/Data should be set.
type Button struct {
	Text string
	URL  string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Buttons        [][]Button
}

// Sender is the outbound surface the delivery flow uses.
//
// Every call reports success/failure; Send* return the ref of the created
// message so callers can edit or delete it later.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, m Media, opt *SendOptions) (MessageRef, error)
	SendAlbum(ctx context.Context, to ChatTarget, media []Media) ([]MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Issuer is one bot identity capable of minting file identifiers by
// republishing assets into a chat it can write to. Republish sends an
// already-known asset; Forward copies an existing message. Both return the
// minted media of the resulting message so the caller can record the new
// identifier.
type Issuer interface {
	Identity() (id int64, username string)
	Republish(ctx context.Context, to ChatTarget, m Media) (MessageRef, MintedMedia, error)
	Forward(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, MintedMedia, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
	IsChannelAdmin(ctx context.Context, chatID int64) (bool, error)
}

// Adapter is the full inbound+outbound transport.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
