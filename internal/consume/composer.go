package consume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinichub/ddxwatch/internal/emr"
	"github.com/clinichub/ddxwatch/internal/queue"
)

// Poster writes compositions to one tenant's EMR. Implemented by
// *emr.Client.
type Poster interface {
	PostComposition(ctx context.Context, comp emr.Composition) error
}

// compositionMessage is the routed analysis-result payload.
type compositionMessage struct {
	FileID     string `json:"fileId"`
	FirmID     string `json:"firmId"`
	PatientID  string `json:"patientId"`
	Findings   string `json:"findings"`
	Confidence string `json:"confidence"`
}

// defaultPostTimeout caps a composition post when no timeout is
// configured.
const defaultPostTimeout = 60 * time.Second

// Composer posts analyzed results back to the patient chart. Reposting
// is safe: the EMR deduplicates compositions on fileId, so at-least-once
// delivery needs no local state.
type Composer struct {
	emrFor      func(tenantID string) Poster
	postTimeout time.Duration
	logger      *slog.Logger
}

// NewComposer creates a composer. emrFor returns the posting client for
// a tenant; postTimeout caps each post including its retries (zero means
// the default).
func NewComposer(emrFor func(tenantID string) Poster, postTimeout time.Duration, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}

	if postTimeout <= 0 {
		postTimeout = defaultPostTimeout
	}

	return &Composer{emrFor: emrFor, postTimeout: postTimeout, logger: logger}
}

func (c *Composer) Handle(ctx context.Context, msg *queue.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.postTimeout)
	defer cancel()
	var m compositionMessage
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		return fmt.Errorf("consume: decoding composition message %s: %w", msg.ID, err)
	}

	if m.FileID == "" || m.FirmID == "" || m.PatientID == "" {
		return fmt.Errorf("consume: composition message %s missing identity fields", msg.ID)
	}

	err := c.emrFor(m.FirmID).PostComposition(ctx, emr.Composition{
		FileID:     m.FileID,
		PatientID:  m.PatientID,
		Findings:   m.Findings,
		Confidence: m.Confidence,
	})
	if err != nil {
		return fmt.Errorf("consume: posting composition for file %s: %w", m.FileID, err)
	}

	c.logger.Info("composition posted",
		slog.String("tenant", m.FirmID),
		slog.String("file", m.FileID),
		slog.String("patient", m.PatientID),
	)

	return nil
}
