// Package push implements the push channel: a WebSocket listener that
// decodes the server's job progress stream into status snapshots.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/datalens/opwatch/internal/domain/tracking"
)

// Wire event types emitted by the job progress stream.
const (
	msgTypeProgress          = "progress"
	msgTypeModelProgress     = "model_progress"
	msgTypeHyperparamMessage = "hyperparameter_progress"
	msgTypeCompleted         = "completed"
	msgTypeError             = "error"
)

// stageCompleted is the stage value the training backend uses on its final
// progress message in place of a dedicated completed event type.
const stageCompleted = "completed"

// wireMessage is the shape of one inbound stream message. Fields beyond type
// are optional and vary by subtype; the hyperparameter subtype in particular
// may omit the fraction entirely.
type wireMessage struct {
	Type      string          `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	ModelName string          `json:"model_name,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Results   json.RawMessage `json:"results,omitempty"`
}

// normalizeMessage decodes one raw stream message into the common snapshot
// shape. It reports false for messages that carry no status information
// (unknown types), which the listener skips.
//
// The subtype mapping follows the training backend's actual emissions:
// completion arrives either as a dedicated completed type or as a progress
// message whose stage is "completed"; the progress-family subtypes all mean
// Running with whatever fraction they carry. A missing fraction normalizes
// to zero, which the reconciler's max-merge then leaves the high-water mark
// untouched by.
func normalizeMessage(jobID tracking.JobID, raw []byte, seq uint64, at time.Time) (tracking.Snapshot, bool, error) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return tracking.Snapshot{}, false, fmt.Errorf("decoding stream message: %w", err)
	}

	message := m.Message
	if m.ModelName != "" && message != "" {
		message = m.ModelName + ": " + message
	} else if m.ModelName != "" {
		message = m.ModelName
	}

	switch m.Type {
	case msgTypeCompleted:
		return tracking.NewSnapshot(jobID, tracking.SourcePush, tracking.PhaseCompleted, 1.0, seq, at,
			tracking.WithMessage(message),
			tracking.WithResult(m.Results),
		), true, nil

	case msgTypeProgress:
		if m.Stage == stageCompleted {
			return tracking.NewSnapshot(jobID, tracking.SourcePush, tracking.PhaseCompleted, 1.0, seq, at,
				tracking.WithMessage(message),
				tracking.WithResult(m.Results),
			), true, nil
		}
		return tracking.NewSnapshot(jobID, tracking.SourcePush, tracking.PhaseRunning, m.Progress, seq, at,
			tracking.WithMessage(message),
		), true, nil

	case msgTypeModelProgress, msgTypeHyperparamMessage:
		return tracking.NewSnapshot(jobID, tracking.SourcePush, tracking.PhaseRunning, m.Progress, seq, at,
			tracking.WithMessage(message),
		), true, nil

	case msgTypeError:
		return tracking.NewSnapshot(jobID, tracking.SourcePush, tracking.PhaseFailed, 0, seq, at,
			tracking.WithMessage(message),
			tracking.WithFailure(tracking.NewJobFailure(m.Message, raw)),
		), true, nil

	default:
		return tracking.Snapshot{}, false, nil
	}
}
