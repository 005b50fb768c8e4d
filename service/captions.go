package service

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/clipnote/capsync/notify"
)

// Review states a caption moves through.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// CaptionBootstrap is the schema for a fresh captions database.
const CaptionBootstrap = `
CREATE TABLE IF NOT EXISTS captions (
	id       INTEGER PRIMARY KEY,
	text     TEXT NOT NULL DEFAULT '',
	state    TEXT NOT NULL DEFAULT 'pending',
	start_ms INTEGER NOT NULL DEFAULT 0,
	end_ms   INTEGER NOT NULL DEFAULT 0
);
`

var dialect = goqu.Dialect("sqlite3")

// Caption is one timed annotation row.
type Caption struct {
	ID      int64
	Text    string
	State   string
	StartMS int64
	EndMS   int64
}

// CaptionService exposes the typed read/write surface over one entity's
// captions database. Mutations require the edit lock; reads do not.
type CaptionService struct {
	svc *SyncService
}

// Captions returns the caption service for an entity, loading the given
// snapshot on first initialization.
func (c *SyncContext) Captions(entity string, snapshot []byte) *CaptionService {
	return &CaptionService{svc: c.Service(Spec{
		Entity:        entity,
		Database:      "captions",
		Snapshot:      snapshot,
		Bootstrap:     CaptionBootstrap,
		TrackedTables: []string{"captions"},
	})}
}

func (s *CaptionService) Initialize(ctx context.Context) error {
	return s.svc.Initialize(ctx)
}

func (s *CaptionService) Close(ctx context.Context) error {
	return s.svc.Close(ctx)
}

// Subscribe watches caption changes.
func (s *CaptionService) Subscribe(cb notify.Callback, opts notify.Options) (*notify.Subscription, error) {
	return s.svc.Subscribe(cb, opts)
}

// FetchQueue returns pending captions in timeline order.
func (s *CaptionService) FetchQueue() ([]Caption, error) {
	query, args, err := dialect.From("captions").
		Select("id", "text", "state", "start_ms", "end_ms").
		Where(goqu.C("state").Eq(ReviewPending)).
		Order(goqu.C("start_ms").Asc(), goqu.C("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build queue query: %w", err)
	}

	result, err := s.svc.Query(query, args...)
	if err != nil {
		return nil, err
	}

	captions := make([]Caption, 0, len(result.Rows))
	for _, row := range result.Rows {
		captions = append(captions, captionFromRow(row))
	}
	return captions, nil
}

// Get returns one caption by id.
func (s *CaptionService) Get(captionID int64) (*Caption, error) {
	query, args, err := dialect.From("captions").
		Select("id", "text", "state", "start_ms", "end_ms").
		Where(goqu.C("id").Eq(captionID)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build caption query: %w", err)
	}

	result, err := s.svc.Query(query, args...)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("caption %d not found", captionID)
	}
	caption := captionFromRow(result.Rows[0])
	return &caption, nil
}

// SaveText updates a caption's text.
func (s *CaptionService) SaveText(captionID int64, text string) error {
	query, args, err := dialect.Update("captions").
		Set(goqu.Record{"text": text}).
		Where(goqu.C("id").Eq(captionID)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build text update: %w", err)
	}

	affected, err := s.svc.Mutate(query, args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("caption %d not found", captionID)
	}
	return nil
}

// SetReviewState moves a caption through the review workflow.
func (s *CaptionService) SetReviewState(captionID int64, state string) error {
	switch state {
	case ReviewPending, ReviewApproved, ReviewRejected:
	default:
		return fmt.Errorf("invalid review state %q", state)
	}

	query, args, err := dialect.Update("captions").
		Set(goqu.Record{"state": state}).
		Where(goqu.C("id").Eq(captionID)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build state update: %w", err)
	}

	affected, err := s.svc.Mutate(query, args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("caption %d not found", captionID)
	}
	return nil
}

// Add inserts a new caption row.
func (s *CaptionService) Add(caption Caption) error {
	query, args, err := dialect.Insert("captions").
		Rows(goqu.Record{
			"id":       caption.ID,
			"text":     caption.Text,
			"state":    caption.State,
			"start_ms": caption.StartMS,
			"end_ms":   caption.EndMS,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build caption insert: %w", err)
	}

	_, err = s.svc.Mutate(query, args...)
	return err
}

func captionFromRow(row map[string]interface{}) Caption {
	c := Caption{}
	if v, ok := row["id"].(int64); ok {
		c.ID = v
	}
	if v, ok := row["text"].(string); ok {
		c.Text = v
	}
	if v, ok := row["state"].(string); ok {
		c.State = v
	}
	if v, ok := row["start_ms"].(int64); ok {
		c.StartMS = v
	}
	if v, ok := row["end_ms"].(int64); ok {
		c.EndMS = v
	}
	return c
}
