// Package assetfs seeds the asset repository from a directory of YAML
// files laid out as agents/, materials/ and users/.
package assetfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aiconsole/internal/domain"
)

const maxAssetFileSize = 1 << 20

var subdirs = map[domain.AssetType]string{
	domain.AssetTypeAgent:    "agents",
	domain.AssetTypeMaterial: "materials",
	domain.AssetTypeUser:     "users",
}

// Loader reads YAML asset files from dir.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	return &Loader{dir: dir, logger: logger}
}

// Dir returns the seed directory.
func (l *Loader) Dir() string { return l.dir }

// Load saves every asset file into repo and returns how many of each type
// were saved. A missing subdirectory is skipped; a malformed file fails
// the whole load before anything of its type is saved.
func (l *Loader) Load(ctx context.Context, repo domain.AssetRepository) (map[domain.AssetType]int, error) {
	counts := make(map[domain.AssetType]int, len(subdirs))
	for _, t := range []domain.AssetType{domain.AssetTypeAgent, domain.AssetTypeMaterial, domain.AssetTypeUser} {
		assets, err := l.read(t)
		if err != nil {
			return counts, err
		}
		for _, a := range assets {
			if err := repo.SaveAsset(ctx, a); err != nil {
				return counts, fmt.Errorf("save %s %q: %w", t, a.Meta().ID, err)
			}
		}
		counts[t] = len(assets)
	}
	l.logger.Info("assets loaded", "dir", l.dir,
		"agents", counts[domain.AssetTypeAgent],
		"materials", counts[domain.AssetTypeMaterial],
		"users", counts[domain.AssetTypeUser])
	return counts, nil
}

func (l *Loader) read(t domain.AssetType) ([]domain.Asset, error) {
	dir := filepath.Join(l.dir, subdirs[t])
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read asset dir %s: %w", dir, err)
	}

	var (
		out  []domain.Asset
		seen = make(map[string]string)
	)
	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat asset file %s: %w", path, err)
		}
		if info.Size() > maxAssetFileSize {
			return nil, fmt.Errorf("asset file %s too large (%d bytes, max %d)", path, info.Size(), maxAssetFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read asset file %s: %w", path, err)
		}

		a, err := Parse(t, data, strings.TrimSuffix(name, ext))
		if err != nil {
			return nil, fmt.Errorf("parse asset file %s: %w", path, err)
		}
		setModified(a, info.ModTime())

		id := a.Meta().ID
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate %s id %q in %s and %s", t, id, prev, path)
		}
		seen[id] = path
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta().ID < out[j].Meta().ID })
	return out, nil
}

// Parse decodes one YAML asset of type t. defaultID is used when the file
// has no id. Assets are enabled unless the file says otherwise.
func Parse(t domain.AssetType, data []byte, defaultID string) (domain.Asset, error) {
	var a domain.Asset
	switch t {
	case domain.AssetTypeAgent:
		agent := &domain.Agent{AssetMeta: domain.AssetMeta{Enabled: true}}
		if err := yaml.Unmarshal(data, agent); err != nil {
			return nil, err
		}
		if agent.ExecutionMode == "" {
			agent.ExecutionMode = domain.ExecutionModeInterpreter
		}
		if agent.GPTMode == "" {
			agent.GPTMode = domain.GPTModeQuality
		}
		if err := validateAgent(agent); err != nil {
			return nil, err
		}
		a = agent
	case domain.AssetTypeMaterial:
		m := &domain.Material{AssetMeta: domain.AssetMeta{Enabled: true}}
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, err
		}
		if m.ContentType == "" {
			m.ContentType = domain.ContentStaticText
		}
		switch m.ContentType {
		case domain.ContentStaticText, domain.ContentDynamicText, domain.ContentAPI:
		default:
			return nil, fmt.Errorf("%w: content_type %q", domain.ErrInvalidInput, m.ContentType)
		}
		a = m
	case domain.AssetTypeUser:
		u := &domain.User{AssetMeta: domain.AssetMeta{Enabled: true}}
		if err := yaml.Unmarshal(data, u); err != nil {
			return nil, err
		}
		a = u
	default:
		return nil, fmt.Errorf("%w: asset type %q", domain.ErrInvalidInput, t)
	}

	setID(a, defaultID)
	if a.Meta().ID == "" {
		return nil, fmt.Errorf("%w: asset without id", domain.ErrInvalidInput)
	}
	return a, nil
}

func validateAgent(a *domain.Agent) error {
	switch a.ExecutionMode {
	case domain.ExecutionModeInterpreter, domain.ExecutionModeAutomator, domain.ExecutionModeDirector:
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownExecutionMode, a.ExecutionMode)
	}
	if !a.GPTMode.Valid() {
		return fmt.Errorf("%w: gpt_mode %q", domain.ErrInvalidInput, a.GPTMode)
	}
	return nil
}

func setID(a domain.Asset, id string) {
	switch v := a.(type) {
	case *domain.Agent:
		if v.ID == "" {
			v.ID = id
		}
	case *domain.Material:
		if v.ID == "" {
			v.ID = id
		}
	case *domain.User:
		if v.ID == "" {
			v.ID = id
		}
	}
}

func setModified(a domain.Asset, t time.Time) {
	switch v := a.(type) {
	case *domain.Agent:
		v.LastModified = t
	case *domain.Material:
		v.LastModified = t
	case *domain.User:
		v.LastModified = t
	}
}
