// Package memory is an in-process ticket store for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/modoterra/tripwire/pkg/ticket"
)

// Record is a stored entity with its fields.
type Record struct {
	ticket.Entity
	Fields map[string]any
}

// Attachment is one uploaded file.
type Attachment struct {
	Entity   ticket.Entity
	Field    string
	Filename string
	Size     int64
}

// Store keeps entities in memory. Fail* hooks let callers inject errors.
type Store struct {
	mu          sync.Mutex
	nextID      int
	records     []Record
	attachments []Attachment

	// FailFind, when set, is returned by FindOne.
	FailFind error
	// RejectFields lists field names Create refuses, simulating schema
	// variance in the entity type.
	RejectFields map[string]bool
	// FailUploads makes the first n uploads fail.
	FailUploads int
}

// New creates an empty Store.
func New() *Store {
	return &Store{nextID: 1}
}

// Seed adds an existing entity, e.g. a Project.
func (s *Store) Seed(entityType string, id int, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fields == nil {
		fields = map[string]any{}
	}
	fields["id"] = id
	s.records = append(s.records, Record{Entity: ticket.Entity{Type: entityType, ID: id}, Fields: fields})
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

func (s *Store) FindOne(_ context.Context, entityType, field string, value any) (ticket.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailFind != nil {
		return ticket.Entity{}, s.FailFind
	}
	for _, r := range s.records {
		if r.Type != entityType {
			continue
		}
		if v, ok := r.Fields[field]; ok && fmt.Sprint(v) == fmt.Sprint(value) {
			return r.Entity, nil
		}
	}
	return ticket.Entity{}, ticket.ErrNotFound
}

func (s *Store) Create(_ context.Context, entityType string, fields map[string]any) (ticket.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for f := range fields {
		if s.RejectFields[f] {
			return ticket.Entity{}, fmt.Errorf("create %s: field %q does not exist", entityType, f)
		}
	}
	e := ticket.Entity{Type: entityType, ID: s.nextID}
	s.nextID++
	copied := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		copied[k] = v
	}
	copied["id"] = e.ID
	s.records = append(s.records, Record{Entity: e, Fields: copied})
	return e, nil
}

func (s *Store) Upload(_ context.Context, e ticket.Entity, path, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUploads > 0 {
		s.FailUploads--
		return fmt.Errorf("upload %s: simulated failure", path)
	}
	s.attachments = append(s.attachments, Attachment{
		Entity:   e,
		Field:    field,
		Filename: filepath.Base(path),
		Size:     info.Size(),
	})
	return nil
}

// Records returns stored entities of entityType.
func (s *Store) Records(entityType string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.Type == entityType {
			out = append(out, r)
		}
	}
	return out
}

// Attachments returns all uploads so far.
func (s *Store) Attachments() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attachment(nil), s.attachments...)
}
