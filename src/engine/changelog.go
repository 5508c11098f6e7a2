package engine

// This file contains the change log storage engine. Every schema mutation
// on a branch is recorded in the branch's changes.json, an indented JSON
// array. Appends never rewrite the entries already present: the new file is
// the old bytes with the new elements spliced in before the closing bracket,
// written to a temp file and renamed over the old one. A reader therefore
// sees either the old or the new array, never a torn one.

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"branchdb/src/dberrors"
	"branchdb/src/helpers"
	"branchdb/src/layout"
	"branchdb/src/models"

	"go.uber.org/zap"
)

// ChangeLogStore defines the change log operations used by the services.
type ChangeLogStore interface {
	ReadAll(key layout.BranchKey) ([]models.ChangeEntry, error)
	ReadSince(key layout.BranchKey, sequence int64) ([]models.ChangeEntry, error)
	Append(key layout.BranchKey, entry models.ChangeEntry) (models.ChangeEntry, error)
	AppendAll(key layout.BranchKey, entries []models.ChangeEntry) ([]models.ChangeEntry, error)
}

// ChangeLog stores change entries in the changes.json file of each branch.
type ChangeLog struct {
	layout *layout.Layout
	logger *zap.SugaredLogger

	mu       sync.Mutex
	inFlight map[layout.BranchKey]struct{}
}

func NewChangeLog(l *layout.Layout, logger *zap.SugaredLogger) *ChangeLog {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ChangeLog{
		layout:   l,
		logger:   logger,
		inFlight: make(map[layout.BranchKey]struct{}),
	}
}

var emptyChangeLog = []byte("[]\n")

// WriteEmptyChangeLog creates a change log holding no entries at path.
func WriteEmptyChangeLog(path string) error {
	return helpers.WriteFileAtomic(path, emptyChangeLog, 0644)
}

// ReadAll returns every entry of the branch in sequence order.
func (c *ChangeLog) ReadAll(key layout.BranchKey) ([]models.ChangeEntry, error) {
	_, entries, err := c.load(key)
	return entries, err
}

// ReadSince returns the entries with a sequence greater than sequence.
func (c *ChangeLog) ReadSince(key layout.BranchKey, sequence int64) ([]models.ChangeEntry, error) {
	_, entries, err := c.load(key)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.Sequence > sequence {
			return entries[i:], nil
		}
	}
	return []models.ChangeEntry{}, nil
}

// Append records one entry with the next sequence number and returns it as
// stored. The caller must hold the branch's mutation section; an append that
// overlaps another on the same branch fails with Conflict.
func (c *ChangeLog) Append(key layout.BranchKey, entry models.ChangeEntry) (models.ChangeEntry, error) {
	stored, err := c.AppendAll(key, []models.ChangeEntry{entry})
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return stored[0], nil
}

// AppendAll records entries in order with one file replacement, so either
// all of them become visible or none do.
func (c *ChangeLog) AppendAll(key layout.BranchKey, entries []models.ChangeEntry) ([]models.ChangeEntry, error) {
	if len(entries) == 0 {
		return []models.ChangeEntry{}, nil
	}
	if err := c.begin(key); err != nil {
		return nil, err
	}
	defer c.end(key)

	raw, existing, err := c.load(key)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[e.ID] = struct{}{}
	}
	next := int64(1)
	if len(existing) > 0 {
		next = existing[len(existing)-1].Sequence + 1
	}

	stored := make([]models.ChangeEntry, 0, len(entries))
	elems := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("change entry for %q has no id: %w", e.TargetName, dberrors.NotValid)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("change %s already recorded on %s: %w", e.ID, key, dberrors.Conflict)
		}
		seen[e.ID] = struct{}{}

		e.Sequence = next
		next++
		elem, err := helpers.EncodeJSONElement(e)
		if err != nil {
			return nil, err
		}
		stored = append(stored, e)
		elems = append(elems, elem)
	}

	data, err := spliceElements(raw, elems)
	if err != nil {
		return nil, fmt.Errorf("change log of %s: %w", key, err)
	}
	if err := helpers.WriteFileAtomic(c.layout.ChangesPath(key), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to append to change log of %s: %w", key, err)
	}

	c.logger.Debugf("Appended %d change(s) to %s, last sequence %d", len(stored), key, next-1)
	return stored, nil
}

func (c *ChangeLog) begin(key layout.BranchKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[key]; busy {
		return fmt.Errorf("concurrent append to change log of %s: %w", key, dberrors.Conflict)
	}
	c.inFlight[key] = struct{}{}
	return nil
}

func (c *ChangeLog) end(key layout.BranchKey) {
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
}

// load reads and validates the change log of a branch.
func (c *ChangeLog) load(key layout.BranchKey) ([]byte, []models.ChangeEntry, error) {
	path := c.layout.ChangesPath(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("change log of %s: %w", key, dberrors.NotFound)
		}
		return nil, nil, fmt.Errorf("error reading change log %s: %w", path, err)
	}

	entries := []models.ChangeEntry{}
	if err := helpers.DecodeJSON(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("change log %s: %w: %w", path, dberrors.StorageCorrupt, err)
	}
	var last int64
	for _, e := range entries {
		if e.Sequence <= last {
			return nil, nil, fmt.Errorf("change log %s: sequence %d follows %d: %w", path, e.Sequence, last, dberrors.StorageCorrupt)
		}
		last = e.Sequence
	}
	return raw, entries, nil
}

// spliceElements inserts already encoded array elements before the closing
// bracket of raw, leaving every byte before the last element untouched.
func spliceElements(raw []byte, elems [][]byte) ([]byte, error) {
	trimmed := bytes.TrimRight(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != ']' {
		return nil, fmt.Errorf("missing closing bracket: %w", dberrors.StorageCorrupt)
	}
	body := bytes.TrimRight(trimmed[:len(trimmed)-1], " \t\r\n")
	empty := len(body) > 0 && body[len(body)-1] == '['

	var buf bytes.Buffer
	buf.Grow(len(raw) + len(elems)*512)
	buf.Write(body)
	for i, elem := range elems {
		if i == 0 && empty {
			buf.WriteString("\n")
		} else {
			buf.WriteString(",\n")
		}
		buf.Write(elem)
	}
	buf.WriteString("\n]\n")
	return buf.Bytes(), nil
}
