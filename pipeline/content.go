package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/diff"
	"github.com/teranos/cascade/errors"
)

// Field is one declared text field of a source record
type Field struct {
	Name string
	Text string
}

// Content is a loaded source record reduced to what the stages need
type Content struct {
	TenantID    string
	EntityType  string
	Collection  string
	ID          string
	Fields      []Field
	Fingerprint string
	UpdatedAt   *time.Time
	Version     int64
}

// TextFields returns the fields that carry text
func (c *Content) TextFields() []Field {
	var out []Field
	for _, f := range c.Fields {
		if strings.TrimSpace(f.Text) != "" {
			out = append(out, f)
		}
	}
	return out
}

// Text joins the non-empty fields for embedding
func (c *Content) Text() string {
	parts := make([]string, 0, len(c.Fields))
	for _, f := range c.TextFields() {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, "\n\n")
}

// fieldMap is the public snapshot representation
func (c *Content) fieldMap() map[string]string {
	out := make(map[string]string, len(c.Fields))
	for _, f := range c.Fields {
		out[f.Name] = f.Text
	}
	return out
}

// contentError marks failures that retrying cannot fix
func contentError(err error) error {
	return errors.Mark(err, errors.ErrContent)
}

// loadContent reads the record and fingerprints its declared fields.
// A missing record or one without text is a content error.
func loadContent(ctx context.Context, store collection.Store, entityType string, entity am.EntityConfig, tenantID, id string) (*Content, error) {
	rows, err := store.Select(ctx, entity.Collection,
		collection.Eq("tenant_id", tenantID).Eq("id", id).Limit(1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s/%s", entity.Collection, id)
	}
	if len(rows) == 0 {
		return nil, contentError(errors.NewNotFoundError("%s %s not found for tenant %s", entityType, id, tenantID))
	}
	row := rows[0]

	c := &Content{
		TenantID:   tenantID,
		EntityType: entityType,
		Collection: entity.Collection,
		ID:         id,
		Fields:     make([]Field, 0, len(entity.Fields)),
		UpdatedAt:  row.Time("updated_at"),
		Version:    row.Int("version"),
	}
	texts := make([]string, 0, len(entity.Fields))
	for _, name := range entity.Fields {
		text := row.String(name)
		c.Fields = append(c.Fields, Field{Name: name, Text: text})
		texts = append(texts, text)
	}
	if len(c.TextFields()) == 0 {
		return nil, contentError(errors.Newf("%s %s has no text in fields %v", entityType, id, entity.Fields))
	}
	c.Fingerprint = diff.Fingerprint(texts...)
	return c, nil
}
