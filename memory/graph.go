package memory

import "time"

// Well-known entity types. The set is open.
const (
	EntityPerson       = "person"
	EntityProject      = "project"
	EntityConcept      = "concept"
	EntityTechnology   = "technology"
	EntityOrganization = "organization"
)

// Well-known relationship types. The set is open.
const (
	RelRelatedTo = "related-to"
	RelWorksOn   = "works-on"
	RelDependsOn = "depends-on"
	RelCreatedBy = "created-by"
	RelBelongsTo = "belongs-to"
	RelUsedFor   = "used-for"
)

// Entity is a named, typed thing referenced by one or more records.
type Entity struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Observations []Observation `json:"observations,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Observation is a free-text fact attached to an entity. RecordID is empty
// for observations added directly rather than by extraction.
type Observation struct {
	Text      string    `json:"text"`
	RecordID  string    `json:"record_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Relationship is a typed, weighted, directed link between two entities.
type Relationship struct {
	ID         string    `json:"id"`
	FromID     string    `json:"from_id"`
	ToID       string    `json:"to_id"`
	Type       string    `json:"type"`
	Strength   float64   `json:"strength"`
	Properties Metadata  `json:"properties,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Direction selects which edges Neighbors and Path follow.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	case DirectionBoth:
		return "both"
	}
	return "unknown"
}

// ParseDirection maps "out", "in" and "both" (and their long forms).
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "out", "outgoing":
		return DirectionOutgoing, nil
	case "in", "incoming":
		return DirectionIncoming, nil
	case "", "both":
		return DirectionBoth, nil
	}
	return 0, Invalid("direction", "unknown direction %q", s)
}

// EntityMatch is an entity scored by name match quality in [0,1].
type EntityMatch struct {
	Entity Entity  `json:"entity"`
	Score  float64 `json:"score"`
}

// GraphStats summarizes graph size.
type GraphStats struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Records       int `json:"records"`
}

// Extraction is the extractor's output for one record.
type Extraction struct {
	Entities      []ExtractedEntity
	Relationships []ExtractedRelationship
}

// ExtractedEntity is a candidate entity. Positions are token offsets of
// its mentions in the text, empty for tag-only entities.
type ExtractedEntity struct {
	Name        string
	Type        string
	Observation string
	Positions   []int
}

// ExtractedRelationship links Entities[From] to Entities[To].
type ExtractedRelationship struct {
	From     int
	To       int
	Type     string
	Strength float64
}
