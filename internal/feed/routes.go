package feed

import "github.com/clinichub/ddxwatch/internal/store"

// The two production routes. Both match INSERT and MODIFY only — DELETE
// never matches — and key deduplication on the originating file id.

// DocumentUploadRoute forwards newly-discovered document watches to the
// upload queue for image retrieval.
func DocumentUploadRoute() Route {
	return Route{
		Name: "document-watch-to-upload",
		Kind: store.KindDocument,
		Filter: Filter{
			EventNames: []string{store.EventInsert, store.EventModify},
			Field:      "status",
			Equals:     string(store.StatusNew),
		},
		Template: map[string]string{
			"fileId":      "primaryId",
			"firmId":      "tenantId",
			"patientId":   "metadata.patientId",
			"encounterId": "metadata.encounterId",
			"category":    "metadata.category",
		},
		DedupField: "primaryId",
		GroupKey:   "imaging-metadata",
	}
}

// ResultCompositionRoute forwards analyzed results to the composition
// queue for EHR posting.
func ResultCompositionRoute() Route {
	return Route{
		Name: "results-to-composition",
		Kind: store.KindResult,
		Filter: Filter{
			EventNames: []string{store.EventInsert, store.EventModify},
			Field:      "status",
			Equals:     string(store.StatusAnalyzed),
		},
		Template: map[string]string{
			"fileId":     "primaryId",
			"firmId":     "tenantId",
			"patientId":  "metadata.patientId",
			"findings":   "metadata.findings",
			"confidence": "metadata.confidence",
		},
		DedupField: "primaryId",
		GroupKey:   "analysis-results",
	}
}
