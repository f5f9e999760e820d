// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"

	"github.com/google/uuid"
)

// ModelDependency links a model to another model it depends on. The
// graph must stay acyclic.
type ModelDependency struct {
	ModelID     uuid.UUID
	DependsOnID uuid.UUID
}

// Dependencies exposes methods to manage the model dependency graph.
//
// architecture: Database
type Dependencies interface {
	// Add inserts a dependency edge.
	Add(ctx context.Context, dep ModelDependency) error
	// ListForModel returns the direct dependencies of a model.
	ListForModel(ctx context.Context, modelID uuid.UUID) ([]ModelDependency, error)
	// DeleteForModel removes all edges touching a model.
	DeleteForModel(ctx context.Context, modelID uuid.UUID) error
}

// WouldCycle reports whether adding modelID -> dependsOn creates a cycle,
// walking the existing edges.
func WouldCycle(ctx context.Context, deps Dependencies, modelID, dependsOn uuid.UUID) (bool, error) {
	if modelID == dependsOn {
		return true, nil
	}

	seen := map[uuid.UUID]bool{}
	queue := []uuid.UUID{dependsOn}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true

		edges, err := deps.ListForModel(ctx, current)
		if err != nil {
			return false, err
		}
		for _, edge := range edges {
			if edge.DependsOnID == modelID {
				return true, nil
			}
			queue = append(queue, edge.DependsOnID)
		}
	}
	return false, nil
}
