// Package ticket defines the remote incident store the reporter talks to.
package ticket

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by lookups that matched nothing.
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidEntity is returned when a backend answers without a usable id.
	ErrInvalidEntity = errors.New("invalid entity")
)

// Entity identifies a record in the remote store.
type Entity struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
}

// Link returns the reference form used inside create payloads.
func (e Entity) Link() map[string]any {
	return map[string]any{"type": e.Type, "id": e.ID}
}

// Service is the subset of the remote API the agent uses.
type Service interface {
	// FindOne returns the first entity whose field equals value exactly,
	// or ErrNotFound.
	FindOne(ctx context.Context, entityType, field string, value any) (Entity, error)
	// Create stores a new entity with fields and returns it.
	Create(ctx context.Context, entityType string, fields map[string]any) (Entity, error)
	// Upload attaches the file at path to field of the given entity.
	Upload(ctx context.Context, e Entity, path, field string) error
}

// ProjectExists reports whether a Project with id is visible to svc.
func ProjectExists(ctx context.Context, svc Service, id int) (bool, error) {
	_, err := svc.FindOne(ctx, "Project", "id", id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up project %d: %w", id, err)
	}
	return true, nil
}
