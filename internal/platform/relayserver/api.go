package relayserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openumbra/umbra-bridge/internal/app/repositories"
	"github.com/openumbra/umbra-bridge/internal/domain/bridge"
	"github.com/openumbra/umbra-bridge/pkg/logger"
	"github.com/openumbra/umbra-bridge/pkg/storage"
)

const maxAssetBytes = 10 << 20

// API is the relay's HTTP surface: bridge config management, community
// assets and the websocket endpoints.
type API struct {
	state   *State
	configs repositories.BridgeConfigRepository
	assets  storage.Service
	mesh    *Mesh
	log     logger.Logger
}

func NewAPI(state *State, configs repositories.BridgeConfigRepository, assets storage.Service, mesh *Mesh, log logger.Logger) *API {
	if log == nil {
		log = logger.Noop()
	}
	return &API{state: state, configs: configs, assets: assets, mesh: mesh, log: log}
}

// Router builds the full route table, websocket endpoints included.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/ws", NewWSHandler(a.state, a.log))
	if a.mesh != nil {
		r.Handle("/federation", a.mesh)
	}

	r.Get("/api/health", a.health)

	r.Route("/api/bridge", func(r chi.Router) {
		r.Post("/register", a.registerBridge)
		r.Get("/list", a.listBridges)
		r.Get("/{id}", a.getBridge)
		r.Delete("/{id}", a.deleteBridge)
		r.Put("/{id}/members", a.updateMembers)
		r.Put("/{id}/enabled", a.setEnabled)
	})

	r.Route("/api/community/{communityId}/assets", func(r chi.Router) {
		r.Post("/upload", a.uploadAsset)
		r.Get("/{filename}", a.getAsset)
	})

	return r
}

type apiResponse struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func (a *API) respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{OK: true, Data: data})
}

func (a *API) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{OK: false, Error: msg})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"onlineClients": a.state.OnlineCount(),
		"offlineQueued": a.state.OfflineQueueSize(),
	}
	if a.mesh != nil {
		data["remoteDids"] = a.mesh.RemoteDIDCount()
	}
	a.respond(w, http.StatusOK, data)
}

type registerBridgeRequest struct {
	CommunityID string           `json:"communityId"`
	GuildID     string           `json:"guildId"`
	Channels    []bridge.Channel `json:"channels"`
	Seats       []bridge.Seat    `json:"seats"`
	MemberDIDs  []string         `json:"memberDids"`
	BridgeDID   string           `json:"bridgeDid"`
}

func (a *API) registerBridge(w http.ResponseWriter, r *http.Request) {
	var req registerBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg := &bridge.Config{
		CommunityID: strings.TrimSpace(req.CommunityID),
		GuildID:     strings.TrimSpace(req.GuildID),
		Enabled:     true,
		BridgeDID:   req.BridgeDID,
		Channels:    req.Channels,
		Seats:       req.Seats,
		MemberDIDs:  req.MemberDIDs,
	}
	// Re-registering keeps the existing enabled flag.
	if existing, err := a.configs.Get(cfg.CommunityID); err == nil {
		cfg.Enabled = existing.Enabled
	}
	if err := a.configs.Register(cfg); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := a.configs.Get(cfg.CommunityID)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.respond(w, http.StatusOK, stored)
}

func (a *API) listBridges(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.configs.List()
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.respond(w, http.StatusOK, summaries)
}

func (a *API) getBridge(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.configs.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.bridgeError(w, err)
		return
	}
	a.respond(w, http.StatusOK, cfg)
}

func (a *API) deleteBridge(w http.ResponseWriter, r *http.Request) {
	if err := a.configs.Delete(chi.URLParam(r, "id")); err != nil {
		a.bridgeError(w, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *API) updateMembers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MemberDIDs []string `json:"memberDids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := a.configs.UpdateMembers(chi.URLParam(r, "id"), body.MemberDIDs)
	if err != nil {
		a.bridgeError(w, err)
		return
	}
	a.respond(w, http.StatusOK, cfg)
}

func (a *API) setEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := a.configs.SetEnabled(chi.URLParam(r, "id"), body.Enabled)
	if err != nil {
		a.bridgeError(w, err)
		return
	}
	a.respond(w, http.StatusOK, cfg)
}

func (a *API) bridgeError(w http.ResponseWriter, err error) {
	if errors.Is(err, repositories.ErrBridgeConfigNotFound) {
		a.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	a.respondError(w, http.StatusInternalServerError, err.Error())
}

func (a *API) uploadAsset(w http.ResponseWriter, r *http.Request) {
	if a.assets == nil {
		a.respondError(w, http.StatusServiceUnavailable, "asset storage not configured")
		return
	}
	communityID := chi.URLParam(r, "communityId")
	if err := r.ParseMultipartForm(maxAssetBytes); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	filename := sanitizeSegment(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := a.assets.PutObject(r.Context(), storage.UploadInput{
		Key:         communityID + "/" + filename,
		ContentType: contentType,
		Body:        file,
		Size:        header.Size,
	})
	if err != nil {
		a.log.Errorf("asset upload %s/%s: %v", communityID, filename, err)
		a.respondError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	a.respond(w, http.StatusOK, map[string]string{"filename": filename, "url": url})
}

func (a *API) getAsset(w http.ResponseWriter, r *http.Request) {
	if a.assets == nil {
		a.respondError(w, http.StatusServiceUnavailable, "asset storage not configured")
		return
	}
	communityID := chi.URLParam(r, "communityId")
	filename := sanitizeSegment(chi.URLParam(r, "filename"))
	obj, err := a.assets.GetObject(r.Context(), communityID+"/"+filename)
	if err != nil {
		a.respondError(w, http.StatusNotFound, "asset not found")
		return
	}
	defer obj.Body.Close()
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	io.Copy(w, obj.Body)
}

// sanitizeSegment keeps one path segment safe for use as an object key.
func sanitizeSegment(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "unnamed"
	}
	return s
}
