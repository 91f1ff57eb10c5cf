package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aiconsole/internal/domain"
)

var _ domain.AssetRepository = (*Store)(nil)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// GetAsset returns domain.ErrAssetNotFound when no asset of assetType has id.
func (s *Store) GetAsset(ctx context.Context, assetType domain.AssetType, id string) (domain.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT data, last_modified FROM assets WHERE type = ? AND id = ?", string(assetType), id)

	var data, modified string
	if err := row.Scan(&data, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %q: %w", assetType, id, domain.ErrAssetNotFound)
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return decodeAsset(assetType, data, modified)
}

// AllAssets returns every asset of assetType ordered by id.
func (s *Store) AllAssets(ctx context.Context, assetType domain.AssetType) ([]domain.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data, last_modified FROM assets WHERE type = ? ORDER BY id", string(assetType))
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []domain.Asset
	for rows.Next() {
		var data, modified string
		if err := rows.Scan(&data, &modified); err != nil {
			return nil, err
		}
		a, err := decodeAsset(assetType, data, modified)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAsset inserts or replaces asset.
func (s *Store) SaveAsset(ctx context.Context, asset domain.Asset) error {
	meta := asset.Meta()
	if meta.ID == "" {
		return domain.NewDomainError("Store.SaveAsset", domain.ErrInvalidInput, "asset without id")
	}
	data, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("marshal asset: %w", err)
	}
	modified := meta.LastModified
	if modified.IsZero() {
		modified = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (type, id, data, last_modified) VALUES (?, ?, ?, ?)
		ON CONFLICT (type, id) DO UPDATE SET data = excluded.data, last_modified = excluded.last_modified`,
		string(asset.Type()), meta.ID, string(data), modified.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save asset: %w", err)
	}
	return nil
}

// EnsureDirector stores the built-in director agent unless an agent with
// its id exists.
func (s *Store) EnsureDirector(ctx context.Context) error {
	_, err := s.GetAsset(ctx, domain.AssetTypeAgent, domain.DirectorAgentID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrAssetNotFound) {
		return err
	}
	s.logger.Info("seeding built-in director agent")
	return s.SaveAsset(ctx, domain.DefaultDirector())
}

func decodeAsset(assetType domain.AssetType, data, modified string) (domain.Asset, error) {
	var (
		asset domain.Asset
		err   error
	)
	switch assetType {
	case domain.AssetTypeAgent:
		var a domain.Agent
		err = json.Unmarshal([]byte(data), &a)
		a.LastModified = parseTime(modified)
		asset = &a
	case domain.AssetTypeMaterial:
		var m domain.Material
		err = json.Unmarshal([]byte(data), &m)
		m.LastModified = parseTime(modified)
		asset = &m
	case domain.AssetTypeUser:
		var u domain.User
		err = json.Unmarshal([]byte(data), &u)
		u.LastModified = parseTime(modified)
		asset = &u
	default:
		return nil, domain.NewDomainError("Store.decodeAsset", domain.ErrInvalidInput, fmt.Sprintf("asset type %q", assetType))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s asset: %w", assetType, err)
	}
	return asset, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
