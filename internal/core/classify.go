// Package core implements catmirror's reconciliation: classifying a remote
// listing against the last snapshot and applying the difference to the mirror.
package core

import "github.com/kilupskalvis/catmirror/internal/models"

// Classify compares the server listing with the local snapshot.
// Added and Changed follow server order, Removed follows local order.
// Duplicate ids within one input collapse to the last occurrence.
func Classify(server, local []models.CatalogItemRef) models.ReconciliationResult {
	serverIDs, serverUpdated := index(server)
	localIDs, localUpdated := index(local)

	result := models.ReconciliationResult{
		Added:   make([]string, 0),
		Removed: make([]string, 0),
		Changed: make([]string, 0),
	}

	for _, id := range serverIDs {
		prev, known := localUpdated[id]
		switch {
		case !known:
			result.Added = append(result.Added, id)
		case prev != serverUpdated[id]:
			result.Changed = append(result.Changed, id)
		}
	}

	for _, id := range localIDs {
		if _, ok := serverUpdated[id]; !ok {
			result.Removed = append(result.Removed, id)
		}
	}

	return result
}

// index returns ids in first-seen order and the last lastUpdated seen per id.
func index(refs []models.CatalogItemRef) ([]string, map[string]string) {
	ids := make([]string, 0, len(refs))
	updated := make(map[string]string, len(refs))
	for _, r := range refs {
		if _, seen := updated[r.ID]; !seen {
			ids = append(ids, r.ID)
		}
		updated[r.ID] = r.LastUpdated
	}
	return ids, updated
}
