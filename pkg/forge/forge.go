// Package forge talks to the GitLab instance hosting the package
// source repositories: change polling, pipeline dispatch and status,
// and CI configuration enforcement.
package forge

import (
	"context"
	"time"

	"github.com/archlinux/buildbtw/pkg/domain"
)

type PipelineStatus string

const (
	StatusPending            PipelineStatus = "pending"
	StatusCreated            PipelineStatus = "created"
	StatusWaitingForResource PipelineStatus = "waiting_for_resource"
	StatusPreparing          PipelineStatus = "preparing"
	StatusRunning            PipelineStatus = "running"
	StatusSuccess            PipelineStatus = "success"
	StatusFailed             PipelineStatus = "failed"
	StatusCanceled           PipelineStatus = "canceled"
	StatusSkipped            PipelineStatus = "skipped"
	StatusManual             PipelineStatus = "manual"
	StatusScheduled          PipelineStatus = "scheduled"
)

// BuildStatus maps a pipeline status onto the node state machine.
func (s PipelineStatus) BuildStatus() domain.BuildStatus {
	switch s {
	case StatusSuccess:
		return domain.StatusBuilt
	case StatusFailed, StatusCanceled, StatusSkipped:
		return domain.StatusFailed
	default:
		return domain.StatusBuilding
	}
}

func (s PipelineStatus) Finished() bool {
	return s.BuildStatus() != domain.StatusBuilding
}

// ChangedProject is a source repository the forge reports as updated.
type ChangedProject struct {
	Name      string
	UpdatedAt time.Time
}

// CreatePipelineRequest dispatches one build to the forge CI.
type CreatePipelineRequest struct {
	Pkgbase   domain.Pkgbase
	Branch    domain.BranchName
	Variables map[string]string
}

// Pipeline identifies a dispatched CI pipeline.
type Pipeline struct {
	Id        int64          `json:"id"`
	ProjectId int64          `json:"project_id"`
	WebURL    string         `json:"web_url"`
	Status    PipelineStatus `json:"status"`
}

type Interface interface {
	// ChangedProjectsSince lists projects updated after since, newest
	// first. since == nil means everything.
	ChangedProjectsSince(ctx context.Context, since *time.Time) ([]ChangedProject, error)

	CreatePipeline(ctx context.Context, req CreatePipelineRequest) (Pipeline, error)

	PipelineStatus(ctx context.Context, projectId int64, pipelineId int64) (PipelineStatus, error)

	// CancelPipeline is best-effort: the engine treats the node as
	// terminal whether or not the forge acknowledges.
	CancelPipeline(ctx context.Context, projectId int64, pipelineId int64) error

	// EnsureCIConfig sets ciConfigPath on every project in the
	// packages group that diverges from it. Returns how many projects
	// were changed.
	EnsureCIConfig(ctx context.Context, ciConfigPath string) (int, error)
}
