package models

import (
	"strconv"
	"time"
)

type Role string

const (
	RoleStable    Role = "stable"
	RoleCandidate Role = "candidate"
	RoleRetired   Role = "retired"
)

// VersionRecord is one immutable entry in an artifact's history.
type VersionRecord struct {
	ID        int64     `json:"versionId"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
}

// Label renders the id the way operators refer to versions ("v3").
func (v VersionRecord) Label() string {
	return Label(v.ID)
}

func Label(id int64) string {
	return "v" + strconv.FormatInt(id, 10)
}

// ArtifactState is a point-in-time view of one artifact. History is shared with
// the store and must be treated as read-only.
type ArtifactState struct {
	ArtifactID   string          `json:"artifactId"`
	History      []VersionRecord `json:"history"`
	StableID     int64           `json:"stableId"`
	CandidateID  int64           `json:"candidateId,omitempty"`
	PhasePercent int             `json:"phasePercent"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (s ArtifactState) HasCandidate() bool {
	return s.CandidateID != 0
}

// Version looks a record up by id. Ids start at 1 with no gaps, so the
// position in history is id-1.
func (s ArtifactState) Version(id int64) (VersionRecord, bool) {
	if id < 1 || id > int64(len(s.History)) {
		return VersionRecord{}, false
	}
	rec := s.History[id-1]
	if rec.ID != id {
		return VersionRecord{}, false
	}
	return rec, true
}

func (s ArtifactState) RoleOf(id int64) Role {
	switch {
	case id == s.StableID:
		return RoleStable
	case s.HasCandidate() && id == s.CandidateID:
		return RoleCandidate
	default:
		return RoleRetired
	}
}

type HistoryEntry struct {
	VersionID int64     `json:"versionId"`
	Label     string    `json:"label"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
	Role      Role      `json:"role"`
}

// Entries returns the history in chronological order annotated with roles.
func (s ArtifactState) Entries() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(s.History))
	for _, rec := range s.History {
		out = append(out, HistoryEntry{
			VersionID: rec.ID,
			Label:     rec.Label(),
			Checksum:  rec.Checksum,
			CreatedAt: rec.CreatedAt,
			Role:      s.RoleOf(rec.ID),
		})
	}
	return out
}
