// Package task implements the Task Registry: the sole owner of Task
// lifecycle state. Every other component reads Task rows through this
// package's Registry, and only the Registry issues the conditional
// transition that makes concurrent, at-least-once message delivery safe.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of generation workflow a Task runs.
type Type string

const (
	TypeGenerate Type = "generate"
	TypeRefine   Type = "refine"
)

// Status is a Task's position in its lifecycle. Transitions are restricted
// to pending -> processing -> {completed | failed}, with pending -> failed
// also allowed (reaper, cancel). Once completed or failed a Task is
// immutable.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the central entity of the pipeline.
type Task struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Type         Type
	Status       Status
	ResultID     *uuid.UUID
	ErrorMessage *string
	Metadata     json.RawMessage
	IsCancelled  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Response is the JSON shape returned by every task-facing endpoint.
type Response struct {
	TaskID       uuid.UUID  `json:"task_id"`
	Status       Status     `json:"status"`
	Type         Type       `json:"type"`
	ResultID     *uuid.UUID `json:"result_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	IsCancelled  bool       `json:"is_cancelled"`
}

// ToResponse converts a Task to its wire representation.
func (t Task) ToResponse() Response {
	return Response{
		TaskID:       t.ID,
		Status:       t.Status,
		Type:         t.Type,
		ResultID:     t.ResultID,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		IsCancelled:  t.IsCancelled,
	}
}

// ToResponses converts a slice of Tasks to their wire representation.
func ToResponses(tasks []Task) []Response {
	out := make([]Response, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToResponse())
	}
	return out
}

// GenerateMetadata is the metadata payload stored on a generate Task and
// republished (duplicatively) on the bus message.
type GenerateMetadata struct {
	LogoDescription  string `json:"logo_description"`
	ThemeDescription string `json:"theme_description"`
	NumPalettes      int    `json:"num_palettes"`
}

// RefineMetadata is the metadata payload stored on a refine Task.
type RefineMetadata struct {
	OriginalImageURL        string   `json:"original_image_url,omitempty"`
	SourceConceptID         *string  `json:"source_concept_id,omitempty"`
	RefinementPrompt        string   `json:"refinement_prompt"`
	PreserveAspects         []string `json:"preserve_aspects,omitempty"`
	UpdatedLogoDescription  *string  `json:"updated_logo_description,omitempty"`
	UpdatedThemeDescription *string  `json:"updated_theme_description,omitempty"`
}
