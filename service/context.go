package service

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/cfg"
	"github.com/clipnote/capsync/db"
	"github.com/clipnote/capsync/hlc"
	"github.com/clipnote/capsync/id"
	"github.com/clipnote/capsync/lock"
)

// SyncContext is the composition root for one application session: the lock
// manager, the handle registry, and every domain sync service hang off it.
// Created once and injected, never a package global.
type SyncContext struct {
	conf     *cfg.Configuration
	locks    *lock.Manager
	handles  *db.Registry
	ids      id.Generator
	services *xsync.MapOf[string, *SyncService]
}

func NewSyncContext(conf *cfg.Configuration) *SyncContext {
	locks := lock.NewManager(lock.ManagerConfig{
		ClientConfig: lock.ClientConfig{
			BaseURL:        conf.Server.BaseURL,
			AuthToken:      conf.Server.AuthToken,
			UserID:         conf.Server.UserID,
			TabID:          conf.TabID,
			RequestTimeout: time.Duration(conf.Lock.RequestTimeoutMS) * time.Millisecond,
		},
		PollInterval:  time.Duration(conf.Lock.PollIntervalS) * time.Second,
		WarningWindow: time.Duration(conf.Lock.WarningWindowS) * time.Second,
	})

	return &SyncContext{
		conf:     conf,
		locks:    locks,
		handles:  db.NewRegistry(),
		ids:      id.NewHLCGenerator(hlc.NewClock(siteSeed(conf.TabID))),
		services: xsync.NewMapOf[string, *SyncService](),
	}
}

// siteSeed derives a clock site id from the tab id. Distinct tabs hash to
// distinct sites with high probability within the id's site bits.
func siteSeed(tabID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(tabID))
	return h.Sum64()
}

// Locks exposes the session's lock manager.
func (c *SyncContext) Locks() *lock.Manager {
	return c.locks
}

// Handles exposes the session's handle registry.
func (c *SyncContext) Handles() *db.Registry {
	return c.handles
}

// Service returns the sync service for a (entity, database) pair, creating
// it on first use. One service per pair per session.
func (c *SyncContext) Service(spec Spec) *SyncService {
	s, _ := c.services.LoadOrCompute(spec.Entity+"/"+spec.Database, func() *SyncService {
		return newSyncService(c, spec)
	})
	return s
}

// Close tears the whole session down: every service, then any locks still
// held, then a sweep for leaked handles.
func (c *SyncContext) Close(ctx context.Context) {
	c.services.Range(func(key string, s *SyncService) bool {
		if err := s.Close(ctx); err != nil {
			log.Warn().Err(err).Str("service", key).Msg("Service teardown failed")
		}
		c.services.Delete(key)
		return true
	})

	c.locks.ReleaseAll(ctx)

	if leaked := c.handles.Sweep(); leaked > 0 {
		log.Warn().Int("count", leaked).Msg("Swept leaked database handles at session close")
	}
}
