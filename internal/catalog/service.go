// Package catalog is the write/read surface for catalogs and their content
// items, shared by ingestion and the admin API.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"previewbot/internal/storage"
	logx "previewbot/pkg/logx"
)

// ErrInvalidCode is returned for catalog codes that cannot ride in a deep
// link.
var ErrInvalidCode = errors.New("invalid catalog code")

type Service struct {
	store *storage.Store
	log   logx.Logger
}

func New(store *storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log.With(logx.String("component", "catalog"))}
}

// validCode accepts codes usable as /start deep-link payloads.
func validCode(code string) bool {
	if code == "" || len(code) > 64 {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func (s *Service) Create(ctx context.Context, cat storage.Catalog) error {
	if !validCode(cat.Code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, cat.Code)
	}
	if strings.TrimSpace(cat.Name) == "" {
		cat.Name = cat.Code
	}
	if err := s.store.CreateCatalog(ctx, cat); err != nil {
		return err
	}
	s.log.Info("catalog created",
		logx.String("code", cat.Code), logx.Int64("channel", cat.SourceChannelID))
	return nil
}

func (s *Service) Delete(ctx context.Context, code string) error {
	if err := s.store.DeleteCatalog(ctx, code); err != nil {
		return err
	}
	s.log.Info("catalog deleted", logx.String("code", code))
	return nil
}

func (s *Service) List(ctx context.Context) ([]storage.Catalog, error) {
	return s.store.ListCatalogs(ctx)
}

func (s *Service) ByCode(ctx context.Context, code string) (*storage.Catalog, error) {
	return s.store.CatalogByCode(ctx, code)
}

// CatalogByChannel finds the catalog collecting from a source channel. The
// name matches the ingestion collector's store contract.
func (s *Service) CatalogByChannel(ctx context.Context, channelID int64) (*storage.Catalog, error) {
	return s.store.CatalogByChannel(ctx, channelID)
}

// CreateItem persists an item with its media parts. Items need at least one
// part to be deliverable.
func (s *Service) CreateItem(ctx context.Context, item *storage.ContentItem) error {
	if len(item.Parts) == 0 {
		return errors.New("item needs at least one media part")
	}
	if _, err := s.store.CatalogByCode(ctx, item.CatalogCode); err != nil {
		return fmt.Errorf("catalog %q: %w", item.CatalogCode, err)
	}
	return s.store.CreateItem(ctx, item)
}

func (s *Service) DeleteItem(ctx context.Context, id int64) error {
	return s.store.DeleteItem(ctx, id)
}

// SetCover marks the item as its catalog's cover; any previous cover is
// demoted in the same transaction.
func (s *Service) SetCover(ctx context.Context, code string, itemID int64) error {
	return s.store.SetCover(ctx, code, itemID)
}

func (s *Service) Items(ctx context.Context, code string) ([]storage.ContentItem, error) {
	return s.store.NonCoverItems(ctx, code)
}

func (s *Service) Cover(ctx context.Context, code string) (*storage.ContentItem, error) {
	return s.store.CoverItem(ctx, code)
}
