package audit

import (
	"context"
	"sync"
)

// Recent keeps the last events per artifact in memory so operators can read
// the lifecycle trail without Kafka or S3.
type Recent struct {
	mu    sync.RWMutex
	limit int
	byArt map[string][]Event
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 100
	}
	return &Recent{limit: limit, byArt: make(map[string][]Event)}
}

func (r *Recent) Name() string { return "recent" }

func (r *Recent) Deliver(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.byArt[ev.ArtifactID], *ev)
	if len(list) > r.limit {
		list = append([]Event(nil), list[len(list)-r.limit:]...)
	}
	r.byArt[ev.ArtifactID] = list
	return nil
}

// Events returns the retained events for artifactID, oldest first.
func (r *Recent) Events(artifactID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.byArt[artifactID]...)
}
