package repositories

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openumbra/umbra-bridge/internal/domain/bridge"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

var ErrBridgeConfigNotFound = errors.New("bridge config not found")

// BridgeConfigRepository is the relay-side store for bridge configurations.
// It is the source of truth the bridge bot polls.
type BridgeConfigRepository interface {
	Register(cfg *bridge.Config) error
	Get(communityID string) (*bridge.Config, error)
	List() ([]bridge.ConfigSummary, error)
	Delete(communityID string) error
	UpdateMembers(communityID string, memberDIDs []string) (*bridge.Config, error)
	SetEnabled(communityID string, enabled bool) (*bridge.Config, error)
}

// fileBridgeConfigRepo keeps configs in memory and mirrors each one to
// {dataDir}/bridges/{communityId}.json with atomic tmp+rename writes.
// An empty dataDir runs in-memory only.
type fileBridgeConfigRepo struct {
	mu      sync.RWMutex
	configs map[string]*bridge.Config
	dir     string
	log     logger.Logger
}

// NewFileBridgeConfigRepo builds the store and loads any configs already on
// disk. Unparseable files are skipped with a warning, never fatal.
func NewFileBridgeConfigRepo(dataDir string, log logger.Logger) BridgeConfigRepository {
	if log == nil {
		log = logger.Noop()
	}
	repo := &fileBridgeConfigRepo{
		configs: make(map[string]*bridge.Config),
		log:     log,
	}
	if dir := strings.TrimSpace(dataDir); dir != "" {
		repo.dir = filepath.Join(dir, "bridges")
		repo.loadFromDisk()
	}
	return repo
}

func (r *fileBridgeConfigRepo) loadFromDisk() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warnf("read bridges dir %s: %v", r.dir, err)
		}
		return
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.tmp") {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Warnf("read bridge config %s: %v", path, err)
			continue
		}
		var cfg bridge.Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			r.log.Warnf("parse bridge config %s: %v, skipping", path, err)
			continue
		}
		r.configs[cfg.CommunityID] = &cfg
		count++
	}
	r.log.Infof("loaded %d bridge config(s) from %s", count, r.dir)
}

func (r *fileBridgeConfigRepo) persist(cfg *bridge.Config) error {
	if r.dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir, cfg.CommunityID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (r *fileBridgeConfigRepo) removeFile(communityID string) {
	if r.dir == "" {
		return
	}
	path := filepath.Join(r.dir, communityID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.Warnf("remove bridge config file %s: %v", path, err)
	}
}

func (r *fileBridgeConfigRepo) Register(cfg *bridge.Config) error {
	if strings.TrimSpace(cfg.CommunityID) == "" || strings.TrimSpace(cfg.GuildID) == "" {
		return errors.New("communityId and guildId are required")
	}
	cp := *cfg
	now := time.Now().UnixMilli()
	if cp.CreatedAt == 0 {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.configs[cp.CommunityID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	if err := r.persist(&cp); err != nil {
		return err
	}
	r.configs[cp.CommunityID] = &cp
	r.log.Infof("registered bridge config community=%s guild=%s channels=%d seats=%d members=%d",
		cp.CommunityID, cp.GuildID, len(cp.Channels), len(cp.Seats), len(cp.MemberDIDs))
	return nil
}

func (r *fileBridgeConfigRepo) Get(communityID string) (*bridge.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[communityID]
	if !ok {
		return nil, ErrBridgeConfigNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (r *fileBridgeConfigRepo) List() ([]bridge.ConfigSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]bridge.ConfigSummary, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, bridge.Summarize(cfg))
	}
	return out, nil
}

func (r *fileBridgeConfigRepo) Delete(communityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[communityID]; !ok {
		return ErrBridgeConfigNotFound
	}
	delete(r.configs, communityID)
	r.removeFile(communityID)
	r.log.Infof("deleted bridge config community=%s", communityID)
	return nil
}

func (r *fileBridgeConfigRepo) UpdateMembers(communityID string, memberDIDs []string) (*bridge.Config, error) {
	return r.mutate(communityID, func(cfg *bridge.Config) {
		cfg.MemberDIDs = append([]string(nil), memberDIDs...)
	})
}

func (r *fileBridgeConfigRepo) SetEnabled(communityID string, enabled bool) (*bridge.Config, error) {
	return r.mutate(communityID, func(cfg *bridge.Config) {
		cfg.Enabled = enabled
	})
}

func (r *fileBridgeConfigRepo) mutate(communityID string, fn func(*bridge.Config)) (*bridge.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[communityID]
	if !ok {
		return nil, ErrBridgeConfigNotFound
	}
	cp := *cfg
	fn(&cp)
	cp.UpdatedAt = time.Now().UnixMilli()
	if err := r.persist(&cp); err != nil {
		return nil, err
	}
	r.configs[communityID] = &cp
	out := cp
	return &out, nil
}
