// Package project implements the Project Registry: the durable set of
// registered repositories plus one "active" selection.
package project

import (
	"time"
)

// Project is a registered repository.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RootDirectory string    `json:"rootDirectory"`
	CreatedAt     time.Time `json:"createdAt"`
}

// EventTaskID satisfies eventbus's payloadWithTaskProject for project
// lifecycle payloads that carry no task.
func (Project) EventTaskID() string { return "" }

// EventProjectID returns the project's id for event derivation.
func (p Project) EventProjectID() string { return p.ID }

// file is the on-disk persistence shape, pretty-JSON with a trailing
// newline, rewritten in full on every mutation (spec.md §4.4/§6).
type file struct {
	Version         int        `json:"version"`
	ActiveProjectID *string    `json:"activeProjectId"`
	Projects        []Project  `json:"projects"`
}

const currentVersion = 1
