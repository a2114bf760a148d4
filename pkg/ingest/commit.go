package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
)

// ReplaceMode selects when a group's previous records are deleted.
type ReplaceMode string

const (
	// ModeDeleteFirst deletes before parsing. An empty or failed parse
	// leaves the group with no records.
	ModeDeleteFirst ReplaceMode = "delete-first"

	// ModeStaged deletes only once the merged collection is known to be
	// non-empty, in one transaction when the store supports it.
	ModeStaged ReplaceMode = "staged"
)

// ParseReplaceMode parses a mode name. Empty means ModeDeleteFirst.
func ParseReplaceMode(s string) (ReplaceMode, error) {
	switch ReplaceMode(s) {
	case "", ModeDeleteFirst:
		return ModeDeleteFirst, nil
	case ModeStaged:
		return ModeStaged, nil
	default:
		return "", fmt.Errorf("invalid replace mode %q (want delete-first or staged)", s)
	}
}

// Committer applies replace semantics against a record store.
type Committer struct {
	Records recordstore.Store
	Logger  *zap.Logger
}

// Delete removes every persisted record for groupID.
func (c *Committer) Delete(ctx context.Context, groupID string) error {
	if err := c.Records.DeleteData(ctx, groupID); err != nil {
		return &JobError{Kind: KindPersistence, Op: "delete", Err: err}
	}
	c.logger().Debug("group data deleted", zap.String("group_id", groupID))
	return nil
}

// Store persists records in one bulk call. An empty collection is an
// empty-result error and nothing is written.
func (c *Committer) Store(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return &JobError{Kind: KindEmptyResult, Err: ErrNoResults}
	}
	if err := c.Records.StoreData(ctx, records); err != nil {
		return &JobError{Kind: KindPersistence, Op: "store", Err: err}
	}
	return nil
}

// Replace swaps the group's records for records, leaving existing data
// untouched when records is empty. Stores implementing recordstore.Replacer
// do it atomically; others get delete then store.
func (c *Committer) Replace(ctx context.Context, groupID string, records []record.Record) error {
	if len(records) == 0 {
		return &JobError{Kind: KindEmptyResult, Err: ErrNoResults}
	}
	if r, ok := c.Records.(recordstore.Replacer); ok {
		if err := r.ReplaceData(ctx, groupID, records); err != nil {
			return &JobError{Kind: KindPersistence, Op: "replace", Err: err}
		}
		return nil
	}
	c.logger().Debug("store has no atomic replace; deleting then storing")
	if err := c.Delete(ctx, groupID); err != nil {
		return err
	}
	return c.Store(ctx, records)
}

func (c *Committer) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
