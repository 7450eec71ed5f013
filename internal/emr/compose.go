package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Composition is an analysis result posted back to the patient chart.
type Composition struct {
	FileID     string `json:"fileId"`
	PatientID  string `json:"patientId"`
	Findings   string `json:"findings"`
	Confidence string `json:"confidence"`
}

// PostComposition writes an analysis composition to the patient chart.
// The EMR deduplicates on fileId, so reposting the same composition is
// safe.
func (c *Client) PostComposition(ctx context.Context, comp Composition) error {
	body, err := json.Marshal(comp)
	if err != nil {
		return fmt.Errorf("emr: encoding composition for file %s: %w", comp.FileID, err)
	}

	path := "/patients/" + url.PathEscape(comp.PatientID) + "/compositions"

	resp, err := c.Do(ctx, http.MethodPost, path, body)
	if err != nil {
		return fmt.Errorf("emr: posting composition for file %s: %w", comp.FileID, err)
	}

	resp.Body.Close()

	return nil
}
