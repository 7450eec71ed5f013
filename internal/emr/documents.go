package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Document is a normalized clinical document attached to an encounter.
type Document struct {
	FileID      string
	EncounterID string
	PatientID   string
	Category    string
	ContentURL  string
}

// documentResponse mirrors the EMR document JSON.
type documentResponse struct {
	ID          string `json:"id"`
	EncounterID string `json:"encounterId"`
	PatientID   string `json:"patientId"`
	Category    string `json:"category"`
	ContentURL  string `json:"contentUrl"`
}

// documentListResponse wraps the value array from the document search.
type documentListResponse struct {
	Value []documentResponse `json:"value"`
}

func (d *documentResponse) toDocument() Document {
	return Document{
		FileID:      d.ID,
		EncounterID: d.EncounterID,
		PatientID:   d.PatientID,
		Category:    d.Category,
		ContentURL:  d.ContentURL,
	}
}

// ListDocuments returns the documents attached to an encounter, optionally
// restricted to one category (e.g. "imaging"). An empty category returns
// all documents.
func (c *Client) ListDocuments(ctx context.Context, encounterID, category string) ([]Document, error) {
	path := "/encounters/" + url.PathEscape(encounterID) + "/documents"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("emr: listing documents for encounter %s: %w", encounterID, err)
	}
	defer resp.Body.Close()

	var list documentListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("emr: decoding document list for encounter %s: %w", encounterID, err)
	}

	docs := make([]Document, 0, len(list.Value))
	for i := range list.Value {
		docs = append(docs, list.Value[i].toDocument())
	}

	return docs, nil
}
