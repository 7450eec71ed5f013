package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Encounter is a normalized active clinical encounter.
type Encounter struct {
	ID             string
	PatientID      string
	PractitionerID string
	Status         string
}

// encounterResponse mirrors the EMR encounter JSON. Unexported — callers
// use Encounter via toEncounter() normalization.
type encounterResponse struct {
	ID           string `json:"id"`
	PatientID    string `json:"patientId"`
	Practitioner struct {
		ID string `json:"id"`
	} `json:"practitioner"`
	Status string `json:"status"`
}

// encounterListResponse wraps the value array from GET /encounters.
type encounterListResponse struct {
	Value []encounterResponse `json:"value"`
}

func (e *encounterResponse) toEncounter() Encounter {
	return Encounter{
		ID:             e.ID,
		PatientID:      e.PatientID,
		PractitionerID: e.Practitioner.ID,
		Status:         e.Status,
	}
}

// ListActiveEncounters returns all encounters with in-progress status.
func (c *Client) ListActiveEncounters(ctx context.Context) ([]Encounter, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/encounters?status=in-progress", nil)
	if err != nil {
		return nil, fmt.Errorf("emr: listing active encounters: %w", err)
	}
	defer resp.Body.Close()

	var list encounterListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("emr: decoding encounter list: %w", err)
	}

	encounters := make([]Encounter, 0, len(list.Value))
	for i := range list.Value {
		encounters = append(encounters, list.Value[i].toEncounter())
	}

	return encounters, nil
}

// GetEncounter returns a single encounter by id.
func (c *Client) GetEncounter(ctx context.Context, encounterID string) (Encounter, error) {
	path := "/encounters/" + url.PathEscape(encounterID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Encounter{}, fmt.Errorf("emr: fetching encounter %s: %w", encounterID, err)
	}
	defer resp.Body.Close()

	var enc encounterResponse
	if err := json.NewDecoder(resp.Body).Decode(&enc); err != nil {
		return Encounter{}, fmt.Errorf("emr: decoding encounter %s: %w", encounterID, err)
	}

	return enc.toEncounter(), nil
}
