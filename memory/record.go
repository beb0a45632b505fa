package memory

import (
	"strings"
	"time"
)

// RecordType classifies a memory record.
type RecordType string

const (
	TypeCodeSnippet    RecordType = "code_snippet"
	TypeDocumentation  RecordType = "documentation"
	TypeMeetingNotes   RecordType = "meeting_notes"
	TypeDecision       RecordType = "decision"
	TypeAPICall        RecordType = "api_call"
	TypeDebugSession   RecordType = "debug_session"
	TypeProjectContext RecordType = "project_context"
	TypeInfraResource  RecordType = "infra_resource"
	TypeCommand        RecordType = "command"
	TypeLink           RecordType = "link"
	TypeNote           RecordType = "note"
)

var recordTypes = []RecordType{
	TypeCodeSnippet, TypeDocumentation, TypeMeetingNotes, TypeDecision,
	TypeAPICall, TypeDebugSession, TypeProjectContext, TypeInfraResource,
	TypeCommand, TypeLink, TypeNote,
}

// RecordTypes lists every valid record type.
func RecordTypes() []RecordType {
	out := make([]RecordType, len(recordTypes))
	copy(out, recordTypes)
	return out
}

// Valid reports whether t is one of the fixed record types.
func (t RecordType) Valid() bool {
	for _, rt := range recordTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// ParseRecordType accepts the canonical name, with dashes or spaces in
// place of underscores. An empty string parses as TypeNote.
func ParseRecordType(s string) (RecordType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeNote, nil
	}
	t := RecordType(strings.NewReplacer("-", "_", " ", "_").Replace(s))
	if !t.Valid() {
		return "", Invalid("type", "unknown record type %q", s)
	}
	return t, nil
}

// Record is a single stored unit of developer knowledge.
type Record struct {
	ID        string     `json:"id"`
	Type      RecordType `json:"type"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags,omitempty"`
	Metadata  Metadata   `json:"metadata,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Normalize applies the default type and canonical tag form in place.
func (r *Record) Normalize() {
	if r.Type == "" {
		r.Type = TypeNote
	}
	r.Tags = NormalizeTags(r.Tags)
}

// Validate checks fields required by every store.
func (r Record) Validate() error {
	if !r.Type.Valid() {
		return Invalid("type", "unknown record type %q", r.Type)
	}
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Content) == "" {
		return Invalid("content", "title and content are both empty")
	}
	for k := range r.Metadata {
		if k == "" {
			return Invalid("metadata", "empty key")
		}
	}
	return nil
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	out.Metadata = r.Metadata.Clone()
	return out
}

// HasTag reports whether r carries tag (already normalized).
func (r Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RecordPatch is a partial update. Nil fields are left untouched.
type RecordPatch struct {
	Type     *RecordType
	Title    *string
	Content  *string
	Tags     *[]string
	Metadata *Metadata
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Type == nil && p.Title == nil && p.Content == nil && p.Tags == nil && p.Metadata == nil
}

// Apply returns r with the patch applied. Timestamps are not touched.
func (p RecordPatch) Apply(r Record) Record {
	out := r.Clone()
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Content != nil {
		out.Content = *p.Content
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Metadata != nil {
		out.Metadata = p.Metadata.Clone()
	}
	out.Normalize()
	return out
}

// ExtractionInputChanged reports whether a patched record needs its graph
// contribution recomputed.
func ExtractionInputChanged(before, after Record) bool {
	if before.Content != after.Content || len(before.Tags) != len(after.Tags) {
		return true
	}
	for i := range before.Tags {
		if before.Tags[i] != after.Tags[i] {
			return true
		}
	}
	return false
}
