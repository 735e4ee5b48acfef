// The local build executor: long-polls the server for assignments,
// builds each package in a scratch directory, uploads the artifacts
// and reports the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	apiworker "github.com/archlinux/buildbtw/pkg/api/types/worker"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/loop"
)

// Builder performs one package build in dir and leaves the package
// files there.
type Builder interface {
	Build(ctx context.Context, dir string, assignment *apiworker.Assignment) error
}

// ExecBuilder shells out to a build script with the assignment in the
// environment, the way CI jobs receive it.
type ExecBuilder struct {
	Script string
}

func (b ExecBuilder) Build(ctx context.Context, dir string, a *apiworker.Assignment) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", b.Script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"PKGBASE="+a.Pkgbase,
		"COMMIT="+a.Commit,
		"BRANCH="+a.Branch,
		"ARCHITECTURE="+a.Architecture,
		"NAMESPACE_NAME="+a.NamespaceName,
		"ITERATION_ID="+a.IterationId,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func main() {
	serverURL := flag.String("server", os.Getenv("SERVER_URL"), "buildbtw server URL")
	workerName := flag.String("name", "", "worker name reported to the server (default: hostname)")
	buildRoot := flag.String("build-dir", "./build", "scratch directory for builds")
	script := flag.String("build-script", "makepkg --syncdeps --noconfirm", "command building one package")
	flag.Parse()

	_ = godotenv.Load()

	logger := log.New(os.Stderr, "[worker] ", log.Ldate|log.Ltime)

	if *serverURL == "" {
		logger.Fatal("no server URL; pass --server or set SERVER_URL")
	}
	if *workerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			logger.Fatalf("can not determine worker name: %s", err)
		}
		*workerName = hostname
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	const longPoll = 60 * time.Second
	client := newServerClient(*serverURL, *workerName, longPoll)
	builder := ExecBuilder{Script: *script}

	logger.Printf("polling %s as %q", *serverURL, *workerName)
	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, value struct{}) (struct{}, loop.Next) {
		assignment, err := client.NextAssignment(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return value, loop.Break(nil)
			}
			logger.Printf("assignment poll: %v", err)
			return value, loop.Continue(10 * time.Second)
		}
		if assignment == nil {
			return value, loop.Continue(0)
		}

		runAssignment(ctx, logger, client, builder, *buildRoot, assignment)
		return value, loop.Continue(0)
	})
	if err != nil && ctx.Err() == nil {
		logger.Fatal(err)
	}
}

// runAssignment drives one build from claim to terminal report. Every
// failure path reports "failed"; losing an in-flight report leaves the
// node for the reconciler to supersede.
func runAssignment(
	ctx context.Context,
	logger *log.Logger,
	client *serverClient,
	builder Builder,
	buildRoot string,
	assignment *apiworker.Assignment,
) {
	logger.Printf("building %s (%s)", assignment.Pkgbase, assignment.Architecture)

	if err := client.ReportStatus(ctx, assignment, string(domain.StatusBuilding)); err != nil {
		logger.Printf("report building: %v", err)
		return
	}

	dir := filepath.Join(buildRoot, fmt.Sprintf("%s-%s-%s", assignment.Pkgbase, assignment.Architecture, assignment.IterationId))
	status := domain.StatusBuilt
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Printf("build dir: %v", err)
		status = domain.StatusFailed
	} else if err := builder.Build(ctx, dir, assignment); err != nil {
		logger.Printf("build %s: %v", assignment.Pkgbase, err)
		status = domain.StatusFailed
	}

	if status == domain.StatusBuilt {
		if err := uploadArtifacts(ctx, client, dir, assignment); err != nil {
			logger.Printf("upload %s: %v (marking build as failed)", assignment.Pkgbase, err)
			status = domain.StatusFailed
		}
	}

	if err := client.ReportStatus(ctx, assignment, string(status)); err != nil {
		logger.Printf("report %s: %v", status, err)
		return
	}
	logger.Printf("%s: %s", assignment.Pkgbase, status)
}

func uploadArtifacts(ctx context.Context, client *serverClient, dir string, a *apiworker.Assignment) error {
	arch, err := domain.AsArchitecture(a.Architecture)
	if err != nil {
		return err
	}

	for _, pkg := range a.Metadata.PackagesFor(arch) {
		fileName := domain.PackageFileName(a.Metadata, pkg, arch)
		path := filepath.Join(dir, fileName)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("expected package file missing: %s", fileName)
		}
		if err := client.UploadPackage(ctx, a, string(pkg.Name), path); err != nil {
			return err
		}
	}
	return nil
}
