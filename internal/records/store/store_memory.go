package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"docket/internal/records/models"
)

// InMemory is a map-backed record store with the same observable semantics as
// PostgresStore. Insertion order stands in for the database's native order.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*models.Record
	order   []string
}

// NewInMemory constructs an empty store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]*models.Record)}
}

func (s *InMemory) List(ctx context.Context, filter string) ([]models.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(filter)
	out := make([]models.Summary, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if needle != "" && !matches(rec, needle) {
			continue
		}
		out = append(out, rec.Summarize())
	}
	slices.SortStableFunc(out, func(a, b models.Summary) int {
		// Undated records sort last, as NULLS LAST does in Postgres.
		switch {
		case a.Date.IsZero() && b.Date.IsZero():
			return 0
		case a.Date.IsZero():
			return 1
		case b.Date.IsZero():
			return -1
		}
		return b.Date.Compare(a.Date)
	})
	return out, nil
}

func matches(rec *models.Record, needle string) bool {
	fields := []string{
		rec.ID,
		rec.Name,
		models.FormatDate(rec.Date),
		rec.Place,
		rec.Number,
		rec.LetterNumber,
		rec.Other,
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

func (s *InMemory) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || rec.Attachment == nil {
		return nil, ErrNotFound
	}
	return cloneAttachment(rec.Attachment), nil
}

func (s *InMemory) Create(ctx context.Context, rec *models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return ErrDuplicateID
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *InMemory) Update(ctx context.Context, id string, meta models.Metadata, attachment *models.Attachment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Metadata = meta
	if attachment != nil {
		rec.Attachment = cloneAttachment(attachment)
	}
	return nil
}

func (s *InMemory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

// Stream yields records in insertion order as of the call. Only the ids are
// captured up front; each record is cloned under the read lock as it is
// yielded, and records deleted in the meantime are skipped. fn runs without
// the lock held.
func (s *InMemory) Stream(ctx context.Context, fn func(*models.Record) error) error {
	s.mu.RLock()
	ids := slices.Clone(s.order)
	s.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := s.lookup(id)
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemory) lookup(id string) (*models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

func cloneRecord(rec *models.Record) *models.Record {
	out := *rec
	out.Attachment = cloneAttachment(rec.Attachment)
	return &out
}

func cloneAttachment(a *models.Attachment) *models.Attachment {
	if a == nil {
		return nil
	}
	return &models.Attachment{Data: slices.Clone(a.Data), MimeType: a.MimeType}
}
