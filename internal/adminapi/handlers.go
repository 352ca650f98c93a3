package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"previewbot/internal/failover"
	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
)

type backupView struct {
	BotID        int64  `json:"bot_id"`
	Username     string `json:"username"`
	SyncStatus   string `json:"sync_status"`
	SyncedCount  int    `json:"synced_count"`
	FailedCount  int    `json:"failed_count"`
	TotalCount   int    `json:"total_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	BackupActive bool   `json:"backup_active"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

func viewOf(cfg *storage.ChannelConfig) backupView {
	v := backupView{
		BotID:        cfg.BackupBotID,
		Username:     cfg.BackupUsername,
		SyncStatus:   cfg.SyncStatus,
		SyncedCount:  cfg.SyncedCount,
		FailedCount:  cfg.FailedCount,
		TotalCount:   cfg.TotalCount,
		ErrorMessage: cfg.ErrorMessage,
		BackupActive: cfg.BackupActive,
	}
	if !cfg.LastSyncedAt.IsZero() {
		v.LastSyncedAt = cfg.LastSyncedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.failover.Status(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(cfg))
}

func (s *Server) handleBackupConfigure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	cfg, err := s.failover.Configure(r.Context(), req.Token)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(cfg))
}

func (s *Server) handleBackupDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.failover.DeleteConfig(r.Context()); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	if err := s.failover.StartSync(r.Context()); err != nil {
		if errors.Is(err, failover.ErrSyncRunning) {
			// Report the in-flight run rather than a bare conflict.
			if cfg, serr := s.failover.Status(r.Context()); serr == nil {
				s.writeJSON(w, http.StatusConflict, viewOf(cfg))
				return
			}
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSyncStop(w http.ResponseWriter, _ *http.Request) {
	s.failover.StopSync()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	switch req.Target {
	case "backup":
		err = s.failover.ActivateBackup(r.Context())
	case "primary":
		err = s.failover.ActivatePrimary(r.Context())
	default:
		s.writeError(w, http.StatusBadRequest, errors.New(`target must be "backup" or "primary"`))
		return
	}
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	catalogs, err := s.catalogs.List(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if catalogs == nil {
		catalogs = []storage.Catalog{}
	}
	s.writeJSON(w, http.StatusOK, catalogs)
}

func (s *Server) handleCatalogCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code            string `json:"code"`
		Name            string `json:"name"`
		SourceChannelID int64  `json:"source_channel_id"`
		AutoCollect     bool   `json:"auto_collect"`
		Active          bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.catalogs.Create(r.Context(), storage.Catalog{
		Code:            req.Code,
		Name:            req.Name,
		SourceChannelID: req.SourceChannelID,
		AutoCollect:     req.AutoCollect,
		Active:          req.Active,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleCatalogDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.catalogs.Delete(r.Context(), mux.Vars(r)["code"]); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleItemList(w http.ResponseWriter, r *http.Request) {
	items, err := s.catalogs.Items(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if items == nil {
		items = []storage.ContentItem{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSetCover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID int64 `json:"item_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemID == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("item_id is required"))
		return
	}
	if err := s.catalogs.SetCover(r.Context(), mux.Vars(r)["code"], req.ItemID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleItemDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.catalogs.DeleteItem(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	id, err := s.creatives.CreateCreativeGroup(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGroupBind(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	if err := s.creatives.BindCreativeGroup(r.Context(), vars["code"], id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type creativeMediaReq struct {
	Kind     string `json:"kind"`
	FileID   string `json:"file_id"`
	DedupKey string `json:"dedup_key"`
}

func (s *Server) handleCreativeCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID     int64              `json:"group_id"`
		Title       string             `json:"title"`
		Description string             `json:"description"`
		TargetURL   string             `json:"target_url"`
		ButtonLabel string             `json:"button_label"`
		Active      bool               `json:"active"`
		SortOrder   int                `json:"sort_order"`
		Media       []creativeMediaReq `json:"media"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.GroupID == 0 || req.Title == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("group_id and title are required"))
		return
	}
	c := &storage.Creative{
		GroupID:     req.GroupID,
		Title:       req.Title,
		Description: req.Description,
		TargetURL:   req.TargetURL,
		ButtonLabel: req.ButtonLabel,
		Active:      req.Active,
		SortOrder:   req.SortOrder,
	}
	for _, m := range req.Media {
		c.Media = append(c.Media, storage.CreativeMedia{
			Kind:     kit.MediaKind(m.Kind),
			FileID:   m.FileID,
			DedupKey: m.DedupKey,
		})
	}
	if err := s.creatives.CreateCreative(r.Context(), c); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": c.ID})
}

func (s *Server) handleCreativeDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.creatives.DeleteCreative(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
