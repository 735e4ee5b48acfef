// Package fakesource is an in-memory stand-in for the source mirror,
// for planner, depgraph and reconciler tests.
package fakesource

import (
	"context"
	"fmt"
	"sync"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/utils"
)

type Repo struct {
	Branches    map[domain.BranchName]domain.CommitHash
	Metadata    map[domain.CommitHash]domain.PackageMetadata
	MetadataErr map[domain.CommitHash]error
}

type Source struct {
	mu    sync.Mutex
	repos map[domain.Pkgbase]*Repo
}

func New() *Source {
	return &Source{repos: map[domain.Pkgbase]*Repo{}}
}

// Add registers metadata for (pkgbase, branch) at commit.
func (s *Source) Add(pkgbase domain.Pkgbase, branch domain.BranchName, commit domain.CommitHash, meta domain.PackageMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo := s.repo(pkgbase)
	repo.Branches[branch] = commit
	repo.Metadata[commit] = meta
	delete(repo.MetadataErr, commit)
}

// AddBroken registers a commit whose metadata cannot be parsed.
func (s *Source) AddBroken(pkgbase domain.Pkgbase, branch domain.BranchName, commit domain.CommitHash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo := s.repo(pkgbase)
	repo.Branches[branch] = commit
	repo.MetadataErr[commit] = fmt.Errorf("%w: %s@%s", domain.ErrMetadataInvalid, pkgbase, commit)
}

func (s *Source) repo(pkgbase domain.Pkgbase) *Repo {
	repo, ok := s.repos[pkgbase]
	if !ok {
		repo = &Repo{
			Branches:    map[domain.BranchName]domain.CommitHash{},
			Metadata:    map[domain.CommitHash]domain.PackageMetadata{},
			MetadataErr: map[domain.CommitHash]error{},
		}
		s.repos[pkgbase] = repo
	}
	return repo
}

func (s *Source) Pkgbases(ctx context.Context) ([]domain.Pkgbase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return utils.Sorted(
		utils.KeysOf(s.repos),
		func(a, b domain.Pkgbase) bool { return a < b },
	), nil
}

func (s *Source) BranchCommit(ctx context.Context, pkgbase domain.Pkgbase, branch domain.BranchName) (domain.CommitHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[pkgbase]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrOriginUnknown, pkgbase)
	}
	commit, ok := repo.Branches[branch]
	if !ok {
		return "", fmt.Errorf("%w: %s has no branch %s", domain.ErrBranchMissing, pkgbase, branch)
	}
	return commit, nil
}

func (s *Source) ReadPackageMetadata(ctx context.Context, pkgbase domain.Pkgbase, commit domain.CommitHash) (domain.PackageMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[pkgbase]
	if !ok {
		return domain.PackageMetadata{}, fmt.Errorf("%w: %s", domain.ErrOriginUnknown, pkgbase)
	}
	if err, broken := repo.MetadataErr[commit]; broken {
		return domain.PackageMetadata{}, err
	}
	meta, ok := repo.Metadata[commit]
	if !ok {
		return domain.PackageMetadata{}, fmt.Errorf("%w: %s@%s", domain.ErrMetadataInvalid, pkgbase, commit)
	}
	return meta, nil
}

// Refresh satisfies the reconciler's mirror surface; the fake has
// nothing to fetch.
func (s *Source) Refresh(ctx context.Context, pkgbase domain.Pkgbase) (map[domain.BranchName]domain.CommitHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[pkgbase]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrGitFetchFailed, pkgbase)
	}
	heads := map[domain.BranchName]domain.CommitHash{}
	for branch, commit := range repo.Branches {
		heads[branch] = commit
	}
	return heads, nil
}

// Meta builds a single-package metadata for pkgbase declaring deps as
// run-time dependencies on x86_64.
func Meta(pkgbase domain.Pkgbase, deps ...string) domain.PackageMetadata {
	return domain.PackageMetadata{
		Pkgbase:       pkgbase,
		Version:       domain.Version{Pkgver: "1.0.0", Pkgrel: "1"},
		Architectures: []domain.Architecture{domain.ArchX86_64},
		Packages: []domain.SplitPackage{
			{Name: domain.Pkgname(pkgbase), Depends: deps},
		},
	}
}

// MetaWithMakeDepends is Meta with build-time dependencies instead.
func MetaWithMakeDepends(pkgbase domain.Pkgbase, makedeps ...string) domain.PackageMetadata {
	meta := Meta(pkgbase)
	meta.MakeDepends = makedeps
	return meta
}
