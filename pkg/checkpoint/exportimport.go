// Copyright 2025 Certen Protocol

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Export writes every checkpoint record to path as a JSON array
// (spec.md §4.5's export(path) operation).
func (s *Store) Export(ctx context.Context, path string) error {
	records, err := s.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list all: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Import loads records from a JSON file previously produced by Export.
// With overwrite=false, an existing (begin_hex,num) record is left
// untouched; with overwrite=true, it is replaced via Update (or Create
// if absent).
func (s *Store) Import(ctx context.Context, path string, overwrite bool) (imported int, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", path, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, 0, fmt.Errorf("unmarshal %s: %w", path, err)
	}

	for _, r := range records {
		vExisting, found, getErr := s.repo.GetExact(ctx, r.BeginHex, r.Num)
		if getErr != nil {
			return imported, skipped, fmt.Errorf("get exact %s/%d: %w", r.BeginHex, r.Num, getErr)
		}
		switch {
		case !found:
			s.mu.Lock()
			insertErr := s.repo.Insert(ctx, r)
			if insertErr == nil {
				s.cache[key(r.BeginHex, r.Num)] = r
			}
			s.mu.Unlock()
			if insertErr != nil {
				return imported, skipped, fmt.Errorf("insert %s/%d: %w", r.BeginHex, r.Num, insertErr)
			}
			imported++
		case overwrite:
			s.mu.Lock()
			updated, _, updateErr := s.repo.UpdateExact(ctx, r.BeginHex, r.Num, r.Owner, r.Height, r.UpdatedAt)
			if updateErr == nil {
				s.cache[key(r.BeginHex, r.Num)] = updated
			}
			s.mu.Unlock()
			if updateErr != nil {
				return imported, skipped, fmt.Errorf("update %s/%d: %w", r.BeginHex, r.Num, updateErr)
			}
			imported++
		default:
			_ = vExisting
			skipped++
		}
	}
	return imported, skipped, nil
}
