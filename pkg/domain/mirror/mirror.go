package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/archlinux/buildbtw/pkg/domain"
)

// Mirror maintains a local on-disk copy of every package source
// repository, one directory per pkgbase, and memoizes parsed metadata
// per (pkgbase, commit).
//
// Fetch and metadata reads against the same pkgbase are serialized by a
// per-package mutex; distinct pkgbases do not contend.
type Mirror struct {
	root   string
	git    Git
	urlFor func(domain.Pkgbase) string
	logger *log.Logger

	mu    sync.Mutex
	locks map[domain.Pkgbase]*sync.Mutex

	meta *lru.Cache[metaKey, domain.PackageMetadata]
}

type metaKey struct {
	pkgbase domain.Pkgbase
	commit  domain.CommitHash
}

func New(
	root string,
	git Git,
	urlFor func(domain.Pkgbase) string,
	metadataCacheSize int,
	logger *log.Logger,
) (*Mirror, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	meta, err := lru.New[metaKey, domain.PackageMetadata](metadataCacheSize)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		root:   root,
		git:    git,
		urlFor: urlFor,
		logger: logger,
		locks:  map[domain.Pkgbase]*sync.Mutex{},
		meta:   meta,
	}, nil
}

func (m *Mirror) lockFor(pkgbase domain.Pkgbase) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[pkgbase]
	if !ok {
		l = &sync.Mutex{}
		m.locks[pkgbase] = l
	}
	return l
}

func (m *Mirror) dir(pkgbase domain.Pkgbase) string {
	return filepath.Join(m.root, string(pkgbase))
}

// Pkgbases lists every package currently present in the mirror.
func (m *Mirror) Pkgbases(ctx context.Context) ([]domain.Pkgbase, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	pkgbases := []domain.Pkgbase{}
	for _, e := range entries {
		// allow stray files such as CACHEDIR.TAG next to the repos
		if !e.IsDir() {
			continue
		}
		pkgbases = append(pkgbases, domain.Pkgbase(e.Name()))
	}
	return pkgbases, nil
}

// Warmup clones or fetches all given packages, at most maxParallel at
// a time. Failures are logged and skipped: a package which cannot be
// fetched now is retried on the next reconciliation.
func (m *Mirror) Warmup(ctx context.Context, pkgbases []domain.Pkgbase, maxParallel int) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for _, pkgbase := range pkgbases {
		wg.Add(1)
		sem <- struct{}{}
		go func(pkgbase domain.Pkgbase) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := m.Refresh(ctx, pkgbase); err != nil {
				m.logger.Printf("warmup: %s: %v", pkgbase, err)
			}
		}(pkgbase)
	}
	wg.Wait()
}

// Refresh clones or fetches one package and returns the head commit of
// each branch.
func (m *Mirror) Refresh(ctx context.Context, pkgbase domain.Pkgbase) (map[domain.BranchName]domain.CommitHash, error) {
	l := m.lockFor(pkgbase)
	l.Lock()
	defer l.Unlock()

	dir := m.dir(pkgbase)
	if _, err := os.Stat(dir); err != nil {
		if err := m.git.Clone(ctx, dir, m.urlFor(pkgbase)); err != nil {
			return nil, err
		}
	} else if err := m.git.Fetch(ctx, dir); err != nil {
		return nil, err
	}

	return m.git.BranchHeads(ctx, dir)
}

// BranchCommit resolves (pkgbase, branch) against the local mirror
// without fetching.
func (m *Mirror) BranchCommit(ctx context.Context, pkgbase domain.Pkgbase, branch domain.BranchName) (domain.CommitHash, error) {
	l := m.lockFor(pkgbase)
	l.Lock()
	defer l.Unlock()

	dir := m.dir(pkgbase)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrOriginUnknown, pkgbase)
	}

	heads, err := m.git.BranchHeads(ctx, dir)
	if err != nil {
		return "", err
	}
	commit, ok := heads[branch]
	if !ok {
		return "", fmt.Errorf("%w: %s has no branch %s", domain.ErrBranchMissing, pkgbase, branch)
	}
	return commit, nil
}

// ReadPackageMetadata parses the package definition as of commit.
// Results are memoized: a commit's metadata never changes.
func (m *Mirror) ReadPackageMetadata(ctx context.Context, pkgbase domain.Pkgbase, commit domain.CommitHash) (domain.PackageMetadata, error) {
	key := metaKey{pkgbase: pkgbase, commit: commit}
	if meta, ok := m.meta.Get(key); ok {
		return meta, nil
	}

	l := m.lockFor(pkgbase)
	l.Lock()
	defer l.Unlock()

	raw, err := m.git.ShowFile(ctx, m.dir(pkgbase), commit, SrcinfoFileName)
	if err != nil {
		return domain.PackageMetadata{}, fmt.Errorf(
			"%w: %s@%s: %w", domain.ErrMetadataInvalid, pkgbase, commit, err,
		)
	}
	meta, err := ParseSrcinfo(raw)
	if err != nil {
		return domain.PackageMetadata{}, fmt.Errorf("%s@%s: %w", pkgbase, commit, err)
	}
	if meta.Pkgbase != pkgbase {
		return domain.PackageMetadata{}, fmt.Errorf(
			"%w: %s@%s declares pkgbase %s", domain.ErrMetadataInvalid, pkgbase, commit, meta.Pkgbase,
		)
	}

	m.meta.Add(key, meta)
	return meta, nil
}
