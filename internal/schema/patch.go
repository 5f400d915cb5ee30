package schema

import "time"

// Patch is a typed partial update of a TaskRecord. A nil field leaves the
// corresponding record field untouched. ID is not patchable: it is the key.
type Patch struct {
	UserID    *string
	Text      *string
	Done      *bool
	Deleted   *bool
	CreatedAt *time.Time
	UpdatedAt *time.Time
	Counter   *int64
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}

// Replace builds a patch that overwrites every field of a record with rec.
func Replace(rec TaskRecord) Patch {
	return Patch{
		UserID:    Ptr(rec.UserID),
		Text:      Ptr(rec.Text),
		Done:      Ptr(rec.Done),
		Deleted:   Ptr(rec.Deleted),
		CreatedAt: Ptr(rec.CreatedAt),
		UpdatedAt: Ptr(rec.UpdatedAt),
		Counter:   Ptr(rec.Counter),
	}
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.UserID == nil && p.Text == nil && p.Done == nil && p.Deleted == nil &&
		p.CreatedAt == nil && p.UpdatedAt == nil && p.Counter == nil
}

// Apply returns a copy of r with every non-nil patch field applied.
// Timestamps are normalized with Timestamp.
func (r TaskRecord) Apply(p Patch) TaskRecord {
	if p.UserID != nil {
		r.UserID = *p.UserID
	}
	if p.Text != nil {
		r.Text = *p.Text
	}
	if p.Done != nil {
		r.Done = *p.Done
	}
	if p.Deleted != nil {
		r.Deleted = *p.Deleted
	}
	if p.CreatedAt != nil {
		r.CreatedAt = Timestamp(*p.CreatedAt)
	}
	if p.UpdatedAt != nil {
		r.UpdatedAt = Timestamp(*p.UpdatedAt)
	}
	if p.Counter != nil {
		r.Counter = *p.Counter
	}
	return r
}
