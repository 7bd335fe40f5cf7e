// Package catalog mirrors the live system's entities and services into
// static descriptors and keeps the current snapshot in an explicit Store.
package catalog

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"smarthub/internal/model"
)

// Mirror fetches the live catalog and hydrates descriptors from it.
type Mirror struct {
	Live   model.LiveSystem
	Logger zerolog.Logger
}

func NewMirror(live model.LiveSystem, logger zerolog.Logger) *Mirror {
	return &Mirror{Live: live, Logger: logger}
}

// FetchAll reads states and services concurrently and returns one
// descriptor per entity plus one service block per domain. The first
// transport failure aborts the fetch and no descriptors are produced.
func (m *Mirror) FetchAll(ctx context.Context) ([]model.EntityDescriptor, map[string]model.DomainServiceBlock, error) {
	if m == nil || m.Live == nil {
		return nil, nil, fmt.Errorf("catalog mirror: live system not configured")
	}

	var (
		states   []model.EntityState
		services map[string]map[string]model.ServiceSpec
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		states, err = m.Live.States(gctx)
		if err != nil {
			return fmt.Errorf("fetch states: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		services, err = m.Live.Services(gctx)
		if err != nil {
			return fmt.Errorf("fetch services: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	blocks := BuildDomainBlocks(services)
	descriptors := make([]model.EntityDescriptor, 0, len(states))
	seen := make(map[string]struct{}, len(states))
	for _, st := range states {
		if st.EntityID == "" {
			continue
		}
		if _, dup := seen[st.EntityID]; dup {
			m.Logger.Debug().Str("entity_id", st.EntityID).Msg("duplicate entity in live states; keeping first")
			continue
		}
		seen[st.EntityID] = struct{}{}
		descriptors = append(descriptors, BuildDescriptor(st, blocks[model.DomainOf(st.EntityID)]))
	}

	m.Logger.Debug().
		Int("entities", len(descriptors)).
		Int("domains", len(blocks)).
		Msg("catalog fetched")
	return descriptors, blocks, nil
}
