package domain

import (
	"github.com/google/uuid"
)

// Pipeline records a forge CI pipeline dispatched for one build node,
// so that status polling and cancellation can find it again.
type Pipeline struct {
	Id           uuid.UUID    `json:"id"`
	IterationId  uuid.UUID    `json:"iteration_id"`
	Pkgbase      Pkgbase      `json:"pkgbase"`
	Architecture Architecture `json:"architecture"`
	ProjectIId   int64        `json:"project_gitlab_iid"`
	PipelineIId  int64        `json:"gitlab_iid"`
	URL          string       `json:"url,omitempty"`
}
