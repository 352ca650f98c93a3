package storage

import (
	"errors"
	"time"

	kit "previewbot/internal/transport"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic-versioned update lost
	// the race against a concurrent writer.
	ErrConflict = errors.New("version conflict")
	// ErrExists is returned when a uniqueness constraint would be violated.
	ErrExists = errors.New("already exists")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Catalog is one distribution grouping of content items, addressed by its
// external code. A catalog may be bound to a source channel for automatic
// collection.
type Catalog struct {
	Code            string
	Name            string
	SourceChannelID int64 // 0 when unbound
	AutoCollect     bool
	Active          bool
	CreatedAt       time.Time
}

type ContentItem struct {
	ID          int64
	CatalogCode string
	Title       string
	Description string
	SortOrder   int
	IsCover     bool
	CreatedAt   time.Time
	Parts       []MediaPart
}

// MediaPart is one physical media piece of an item. OriginChatID/OriginMessageID
// locate the original channel post when the part was ingested from a feed;
// both are zero for manually uploaded assets.
type MediaPart struct {
	ID              int64
	ItemID          int64
	Kind            kit.MediaKind
	FileID          string
	DedupKey        string
	OriginChatID    int64
	OriginMessageID int64
	Position        int
}

// HasOrigin reports whether the part carries an origin locator.
func (p MediaPart) HasOrigin() bool {
	return p.OriginChatID != 0 && p.OriginMessageID != 0
}

type Subscriber struct {
	ID          int64
	Username    string
	FullName    string
	CatalogCode string // first-contact code
	FirstSeen   time.Time
	LastActive  time.Time
}

// Session is a subscriber's pagination cursor. Version backs the optimistic
// concurrency check: CommitSession only applies when the row still carries
// the version the caller read.
type Session struct {
	SubscriberID    int64
	CatalogCode     string
	Cursor          int
	WaitCount       int
	AdPointer       int
	Version         int64
	LastInteraction time.Time
}

type CreativeGroup struct {
	ID   int64
	Name string
}

// Creative is one advertisement bound (via its group) to catalogs.
type Creative struct {
	ID          int64
	GroupID     int64
	Title       string
	Description string
	TargetURL   string
	ButtonLabel string
	Active      bool
	SortOrder   int
	CreatedAt   time.Time
	Media       []CreativeMedia
}

type CreativeMedia struct {
	ID         int64
	CreativeID int64
	Kind       kit.MediaKind
	FileID     string
	DedupKey   string
	Position   int
}

// Sync status values for ChannelConfig.
const (
	SyncPending = "pending"
	SyncRunning = "syncing"
	SyncDone    = "synced"
	SyncError   = "error"
)

// Origin kinds for IdentityMapping.
const (
	OriginContent  = "content"
	OriginCreative = "creative"
)

// ChannelConfig is the singleton backup-channel configuration.
type ChannelConfig struct {
	BackupToken    string
	BackupBotID    int64
	BackupUsername string
	SyncStatus     string
	SyncedCount    int
	FailedCount    int
	TotalCount     int
	ErrorMessage   string
	BackupActive   bool
	LastSyncedAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdentityMapping links one physical asset's primary and backup identifiers
// through its dedup key.
type IdentityMapping struct {
	ID            int64
	DedupKey      string
	PrimaryFileID string
	BackupFileID  string // empty until synced
	OriginKind    string
	OriginID      int64
	CreatedAt     time.Time
}

// Event types recorded in the append-only events table.
const (
	EventUserStart  = "user_start"
	EventPageView   = "page_view"
	EventAdView     = "ad_view"
	EventAdClick    = "ad_click"
	EventPreviewEnd = "preview_end"
)

func mediaKind(s string) kit.MediaKind {
	switch kit.MediaKind(s) {
	case kit.MediaImage, kit.MediaVideo, kit.MediaAnimation, kit.MediaDocument:
		return kit.MediaKind(s)
	default:
		return kit.MediaImage
	}
}

type Event struct {
	Type         string
	SubscriberID int64
	CatalogCode  string
	ItemID       int64
	CreativeID   int64
	Page         int
	At           time.Time
}
