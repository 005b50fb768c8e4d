package service

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/clipnote/capsync/notify"
)

// LayoutBootstrap is the schema for a fresh layout database.
const LayoutBootstrap = `
CREATE TABLE IF NOT EXISTS frame_extents (
	frame_id INTEGER PRIMARY KEY,
	x        REAL NOT NULL DEFAULT 0,
	y        REAL NOT NULL DEFAULT 0,
	width    REAL NOT NULL DEFAULT 0,
	height   REAL NOT NULL DEFAULT 0
);
`

// Box is a frame's bounding rectangle.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// LayoutService exposes frame geometry over one entity's layout database.
type LayoutService struct {
	svc *SyncService
}

// Layout returns the layout service for an entity.
func (c *SyncContext) Layout(entity string, snapshot []byte) *LayoutService {
	return &LayoutService{svc: c.Service(Spec{
		Entity:        entity,
		Database:      "layout",
		Snapshot:      snapshot,
		Bootstrap:     LayoutBootstrap,
		TrackedTables: []string{"frame_extents"},
	})}
}

func (s *LayoutService) Initialize(ctx context.Context) error {
	return s.svc.Initialize(ctx)
}

func (s *LayoutService) Close(ctx context.Context) error {
	return s.svc.Close(ctx)
}

// Subscribe watches layout changes.
func (s *LayoutService) Subscribe(cb notify.Callback, opts notify.Options) (*notify.Subscription, error) {
	return s.svc.Subscribe(cb, opts)
}

// FrameExtents reads one frame's box. Missing frames come back as the zero
// box, matching a frame that was never positioned.
func (s *LayoutService) FrameExtents(frameID int64) (Box, error) {
	query, args, err := dialect.From("frame_extents").
		Select("x", "y", "width", "height").
		Where(goqu.C("frame_id").Eq(frameID)).
		Prepared(true).ToSQL()
	if err != nil {
		return Box{}, fmt.Errorf("build extents query: %w", err)
	}

	result, err := s.svc.Query(query, args...)
	if err != nil {
		return Box{}, err
	}
	if len(result.Rows) == 0 {
		return Box{}, nil
	}

	row := result.Rows[0]
	return Box{
		X:      floatColumn(row, "x"),
		Y:      floatColumn(row, "y"),
		Width:  floatColumn(row, "width"),
		Height: floatColumn(row, "height"),
	}, nil
}

// SaveFrameExtents upserts one frame's box under the edit lock.
func (s *LayoutService) SaveFrameExtents(frameID int64, box Box) error {
	query, args, err := dialect.Insert("frame_extents").
		Rows(goqu.Record{
			"frame_id": frameID,
			"x":        box.X,
			"y":        box.Y,
			"width":    box.Width,
			"height":   box.Height,
		}).
		OnConflict(goqu.DoUpdate("frame_id", goqu.Record{
			"x":      box.X,
			"y":      box.Y,
			"width":  box.Width,
			"height": box.Height,
		})).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build extents upsert: %w", err)
	}

	_, err = s.svc.Mutate(query, args...)
	return err
}

func floatColumn(row map[string]interface{}, name string) float64 {
	switch v := row[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}
