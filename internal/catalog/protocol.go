// Package catalog defines the remote catalog protocol, its HTTP client and
// the batched body fetcher used by the reconciliation engine.
package catalog

import (
	"encoding/json"

	"github.com/kilupskalvis/catmirror/internal/models"
)

// schemasResponse is the payload of GET /api/schemas.json.
type schemasResponse struct {
	Schemas []models.Schema `json:"schemas"`
}

// listResponse is a listing payload keyed by collection name, e.g.
// {"dataElements": [...], "pager": {...}}.
type listResponse map[string]json.RawMessage

// metadataResponse is the payload of GET /api/metadata.json, keyed by type name.
// Non-array entries such as "system" are ignored.
type metadataResponse map[string]json.RawMessage

// ErrorResponse is the structured error format returned by the catalog.
type ErrorResponse struct {
	HTTPStatus     string `json:"httpStatus"`
	HTTPStatusCode int    `json:"httpStatusCode"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}
