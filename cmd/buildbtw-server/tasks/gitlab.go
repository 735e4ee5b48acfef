package tasks

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/pacmanrepo"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/forge"
	"github.com/archlinux/buildbtw/pkg/loop"
	"github.com/archlinux/buildbtw/pkg/loop/recurring"
	"github.com/archlinux/buildbtw/pkg/utils"
	"github.com/archlinux/buildbtw/pkg/workertoken"
)

// GitlabExecutor dispatches claimed builds to forge CI pipelines and
// feeds their status back into the schedule engine.
type GitlabExecutor struct {
	DB        nsdb.Database
	Engine    *schedule.Engine
	Client    forge.Interface
	Repo      *pacmanrepo.Repo
	Tokens    *workertoken.Issuer
	ServerURL string
}

// StartDispatchLoop claims assignments and creates one pipeline per
// claimed node. A failed dispatch releases the claim so the next pass
// retries it.
func (g *GitlabExecutor) StartDispatchLoop(ctx context.Context, logger *log.Logger) error {
	l := byLogger(logger, Copied(), WithPrefix("[gitlab dispatch loop] "))

	task := func(ctx context.Context, value struct{}) (struct{}, loop.Next) {
		assignment, err := g.Engine.NextAssignment(ctx, "gitlab", 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return value, loop.Break(nil)
			}
			l.Printf("%v", err)
			return value, loop.Continue(10 * time.Second)
		}
		if assignment == nil {
			return value, loop.Continue(0)
		}

		if err := g.dispatch(ctx, l, assignment); err != nil {
			l.Printf("dispatch %s: %v", assignment.Pkgbase, err)
			releaseErr := g.Engine.Release(
				ctx, assignment.IterationId, assignment.Pkgbase, assignment.Architecture,
			)
			if releaseErr != nil {
				l.Printf("release %s: %v", assignment.Pkgbase, releaseErr)
			}
			return value, loop.Continue(10 * time.Second)
		}
		return value, loop.Continue(0)
	}

	_, err := loop.Start(ctx, struct{}{}, task)
	return err
}

func (g *GitlabExecutor) dispatch(ctx context.Context, l *log.Logger, assignment *schedule.Assignment) error {
	if err := g.Repo.EnsureRepo(assignment.NamespaceName, assignment.IterationId, assignment.Architecture); err != nil {
		return err
	}

	token, err := g.Tokens.Sign(assignment.IterationId, assignment.Pkgbase, assignment.Architecture)
	if err != nil {
		return err
	}

	pkgnames := utils.Map(
		assignment.Metadata.PackagesFor(assignment.Architecture),
		func(p domain.SplitPackage) string { return string(p.Name) },
	)
	pipeline, err := g.Client.CreatePipeline(ctx, forge.CreatePipelineRequest{
		Pkgbase: assignment.Pkgbase,
		Branch:  assignment.Branch,
		Variables: map[string]string{
			"SERVER_URL":       g.ServerURL,
			"NAMESPACE_NAME":   assignment.NamespaceName,
			"ITERATION_ID":     assignment.IterationId.String(),
			"PKGBASE":          string(assignment.Pkgbase),
			"PKGNAMES":         strings.Join(pkgnames, " "),
			"ARCHITECTURE":     string(assignment.Architecture),
			"PACMAN_REPO_PATH": g.Repo.DirPath(assignment.NamespaceName, assignment.IterationId, assignment.Architecture),
			"WORKER_TOKEN":     token,
		},
	})
	if err != nil {
		return err
	}

	err = g.DB.Pipelines().Create(ctx, domain.Pipeline{
		Id:           uuid.New(),
		IterationId:  assignment.IterationId,
		Pkgbase:      assignment.Pkgbase,
		Architecture: assignment.Architecture,
		ProjectIId:   pipeline.ProjectId,
		PipelineIId:  pipeline.Id,
		URL:          pipeline.WebURL,
	})
	if err != nil {
		return err
	}

	executorRef := pipeline.WebURL
	if executorRef == "" {
		executorRef = fmt.Sprintf("gitlab:%d/%d", pipeline.ProjectId, pipeline.Id)
	}
	err = g.Engine.Report(
		ctx,
		assignment.IterationId, assignment.Pkgbase, assignment.Architecture,
		domain.StatusBuilding, executorRef,
	)
	if err != nil {
		return err
	}

	l.Printf("dispatched %s (%s) to %s", assignment.Pkgbase, assignment.Architecture, executorRef)
	return nil
}

// StartStatusLoop polls the forge for pipeline results of in-flight
// nodes and cancels pipelines of nodes the engine already terminated.
func (g *GitlabExecutor) StartStatusLoop(ctx context.Context, logger *log.Logger, interval time.Duration) error {
	l := byLogger(logger, Copied(), WithPrefix("[gitlab status loop] "))

	task := func(ctx context.Context, value struct{}) (struct{}, bool, error) {
		updated, err := g.pollOnce(ctx, l)
		if err != nil {
			l.Printf("%v", err)
			return value, false, nil
		}
		return value, updated, nil
	}

	_, err := loop.Start(
		ctx, struct{}{},
		monitor(l, recurring.Task[struct{}](task).Applied(recurring.Forever(interval))),
	)
	return err
}

func (g *GitlabExecutor) pollOnce(ctx context.Context, l *log.Logger) (bool, error) {
	namespaces, err := g.DB.Namespaces().List(ctx)
	if err != nil {
		return false, err
	}

	updated := false
	for _, ns := range namespaces {
		it, err := g.DB.Iterations().Newest(ctx, ns.Id)
		if err != nil {
			if domain.IsMissing(err) {
				continue
			}
			return updated, err
		}

		for arch, graph := range it.BuildGraphs {
			for _, node := range graph.Nodes {
				pipe, found, err := g.DB.Pipelines().ByNode(ctx, it.Id, node.Pkgbase, arch)
				if err != nil {
					return updated, err
				}
				if !found {
					continue
				}

				switch {
				case node.Status.InFlight():
					status, err := g.Client.PipelineStatus(ctx, pipe.ProjectIId, pipe.PipelineIId)
					if err != nil {
						l.Printf("pipeline %d/%d: %v", pipe.ProjectIId, pipe.PipelineIId, err)
						continue
					}
					next := status.BuildStatus()
					if next == node.Status || !status.Finished() {
						continue
					}
					err = g.Engine.Report(ctx, it.Id, node.Pkgbase, arch, next, pipe.URL)
					if err != nil {
						l.Printf("report %s: %v", node.Pkgbase, err)
						continue
					}
					updated = true

				case node.Status == domain.StatusCancelled:
					// best-effort external cancellation; the node is
					// already terminal either way.
					status, err := g.Client.PipelineStatus(ctx, pipe.ProjectIId, pipe.PipelineIId)
					if err != nil || status.Finished() {
						continue
					}
					if err := g.Client.CancelPipeline(ctx, pipe.ProjectIId, pipe.PipelineIId); err != nil {
						l.Printf("cancel pipeline %d/%d: %v", pipe.ProjectIId, pipe.PipelineIId, err)
					}
				}
			}
		}
	}
	return updated, nil
}
