// Package manifest loads and validates the model manifest: a list of
// model descriptions, each with a flat
// input/output queue list, a per-sub-operator input/output index mapping,
// an optional status-output queue, an input-alignment policy, and
// scheduling priority hints. The manifest is read once at Init and never
// mutated afterward.
package manifest

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AlignmentPolicy governs how a processor dequeues across its bound input
// queues before calling Proc.
type AlignmentPolicy string

const (
	AlignStrict             AlignmentPolicy = "strict"
	AlignCacheUpToN         AlignmentPolicy = "cache-up-to-n"
	AlignDropWhenMisaligned AlignmentPolicy = "drop-when-misaligned"
)

// QueueRef is one entry in a model's flat input- or output-queue list.
type QueueRef struct {
	DeviceID   uint32 `yaml:"device_id"`
	QueueID    uint32 `yaml:"queue_id"`
	IsProxy    bool   `yaml:"is_proxy"`
	LogicalID  uint32 `yaml:"logical_id"`
	DeviceType string `yaml:"device_type"`
}

// SubOperator declares one operator instance within a model: its type
// (looked up in the registry), which flat input/output indices it owns,
// and its attribute bag (e.g. count-batch's batch-size).
type SubOperator struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	InputIndices  []int             `yaml:"input_indices"`
	OutputIndices []int             `yaml:"output_indices"`
	Alignment     AlignmentPolicy   `yaml:"alignment"`
	CacheUpToN    int               `yaml:"cache_up_to_n"`
	Attrs         map[string]string `yaml:"attrs"`

	// CPUAffinity lists CPUs for this sub-operator. It is parsed but the
	// executor does not read it; worker pinning comes only from the
	// executor-wide CPUAffinity setting.
	CPUAffinity []int `yaml:"cpu_affinity"`
}

// Model is one model description in the manifest.
type Model struct {
	Name                string        `yaml:"name"`
	InputQueues         []QueueRef    `yaml:"input_queues"`
	OutputQueues        []QueueRef    `yaml:"output_queues"`
	StatusOutputQueue   *QueueRef     `yaml:"status_output_queue"`
	SubOperators        []SubOperator `yaml:"sub_operators"`
	Priority            int           `yaml:"priority"`
	EventQueuePriority   int          `yaml:"event_queue_priority"`

	// UUID is minted at load time rather than read from the file; the
	// status/exception wire payloads carry it.
	UUID string `yaml:"-"`
}

// Manifest is the full set of models one executor process hosts.
type Manifest struct {
	Models []Model `yaml:"models"`
}

// ValidationError reports a manifest problem detected during Validate.
// Code mirrors the executor's error-kind vocabulary without importing the
// top-level package (manifest has no dependency on it), so callers at the
// package boundary map Code to a *flowexec.Error of the same name.
type ValidationError struct {
	Code  string // "param-invalid" or "queue-binding-conflict"
	Model string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest: %s: %s (model=%s)", e.Code, e.Msg, e.Model)
}

// Parse decodes YAML bytes into a Manifest and mints a UUID for each model.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Code: "param-invalid", Msg: err.Error()}
	}
	for i := range m.Models {
		m.Models[i].UUID = uuid.NewString()
	}
	return &m, nil
}

// Validate checks the manifest's structural invariants: input
// indices must refer to the input-queue list, output indices to the
// output-queue list, and every input index must be referenced by exactly
// one sub-operator — duplicates are a queue-binding conflict.
func (m *Manifest) Validate() error {
	for _, model := range m.Models {
		if model.Name == "" {
			return &ValidationError{Code: "param-invalid", Msg: "model name is required"}
		}

		seenInput := make(map[int]string)
		for _, sub := range model.SubOperators {
			if sub.Type == "" {
				return &ValidationError{Code: "param-invalid", Model: model.Name, Msg: fmt.Sprintf("sub-operator %q has no type", sub.Name)}
			}
			for _, idx := range sub.InputIndices {
				if idx < 0 || idx >= len(model.InputQueues) {
					return &ValidationError{Code: "param-invalid", Model: model.Name, Msg: fmt.Sprintf("sub-operator %q references out-of-range input index %d", sub.Name, idx)}
				}
				if owner, dup := seenInput[idx]; dup {
					return &ValidationError{
						Code:  "queue-binding-conflict",
						Model: model.Name,
						Msg:   fmt.Sprintf("input index %d bound to both %q and %q", idx, owner, sub.Name),
					}
				}
				seenInput[idx] = sub.Name
			}
			for _, idx := range sub.OutputIndices {
				if idx < 0 || idx >= len(model.OutputQueues) {
					return &ValidationError{Code: "param-invalid", Model: model.Name, Msg: fmt.Sprintf("sub-operator %q references out-of-range output index %d", sub.Name, idx)}
				}
			}
			if sub.Alignment == "" {
				sub.Alignment = AlignStrict
			}
		}
	}
	return nil
}

// MinEventQueuePriority returns the numerically smallest positive
// event-queue priority requested across all co-hosted models, or 0 if none
// requested one.
func (m *Manifest) MinEventQueuePriority() int {
	min := 0
	for _, model := range m.Models {
		if model.EventQueuePriority <= 0 {
			continue
		}
		if min == 0 || model.EventQueuePriority < min {
			min = model.EventQueuePriority
		}
	}
	return min
}
