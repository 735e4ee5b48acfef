package mirror_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/mirror"
	"github.com/archlinux/buildbtw/pkg/utils/try"
)

// fakeGit records operations instead of running git.
type fakeGit struct {
	heads     map[string]map[domain.BranchName]domain.CommitHash
	files     map[string]string // "<dir>@<commit>" -> .SRCINFO content
	clones    int
	fetches   int
	showCalls int
}

func (g *fakeGit) Clone(ctx context.Context, dir string, url string) error {
	g.clones++
	return os.MkdirAll(dir, 0o755)
}

func (g *fakeGit) Fetch(ctx context.Context, dir string) error {
	g.fetches++
	return nil
}

func (g *fakeGit) BranchHeads(ctx context.Context, dir string) (map[domain.BranchName]domain.CommitHash, error) {
	heads, ok := g.heads[filepath.Base(dir)]
	if !ok {
		return map[domain.BranchName]domain.CommitHash{}, nil
	}
	return heads, nil
}

func (g *fakeGit) ShowFile(ctx context.Context, dir string, commit domain.CommitHash, path string) ([]byte, error) {
	g.showCalls++
	content, ok := g.files[fmt.Sprintf("%s@%s", filepath.Base(dir), commit)]
	if !ok {
		return nil, errors.New("no such file")
	}
	return []byte(content), nil
}

const curlSrcinfo = `
pkgbase = curl
	pkgver = 8.1.1
	pkgrel = 1
	arch = x86_64

pkgname = curl
`

func newTestMirror(t *testing.T, git mirror.Git) *mirror.Mirror {
	t.Helper()
	m, err := mirror.New(
		t.TempDir(), git,
		func(p domain.Pkgbase) string { return "https://forge.example/" + string(p) + ".git" },
		128,
		log.New(io.Discard, "", 0),
	)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMirror_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("first refresh clones, second fetches", func(t *testing.T) {
		git := &fakeGit{
			heads: map[string]map[domain.BranchName]domain.CommitHash{
				"curl": {"main": "c1"},
			},
		}
		m := newTestMirror(t, git)

		heads := try.To(m.Refresh(ctx, "curl")).OrFatal(t)
		if heads["main"] != "c1" {
			t.Errorf("heads = %v", heads)
		}
		if git.clones != 1 || git.fetches != 0 {
			t.Errorf("clones = %d, fetches = %d after first refresh", git.clones, git.fetches)
		}

		try.To(m.Refresh(ctx, "curl")).OrFatal(t)
		if git.clones != 1 || git.fetches != 1 {
			t.Errorf("clones = %d, fetches = %d after second refresh", git.clones, git.fetches)
		}
	})
}

func TestMirror_BranchCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown package is OriginUnknown", func(t *testing.T) {
		m := newTestMirror(t, &fakeGit{})
		_, err := m.BranchCommit(ctx, "nope", "main")
		if !errors.Is(err, domain.ErrOriginUnknown) {
			t.Errorf("error = %v, want ErrOriginUnknown", err)
		}
	})

	t.Run("missing branch is BranchMissing", func(t *testing.T) {
		git := &fakeGit{
			heads: map[string]map[domain.BranchName]domain.CommitHash{
				"curl": {"main": "c1"},
			},
		}
		m := newTestMirror(t, git)
		try.To(m.Refresh(ctx, "curl")).OrFatal(t)

		_, err := m.BranchCommit(ctx, "curl", "does-not-exist")
		if !errors.Is(err, domain.ErrBranchMissing) {
			t.Errorf("error = %v, want ErrBranchMissing", err)
		}
	})
}

func TestMirror_ReadPackageMetadata(t *testing.T) {
	ctx := context.Background()

	t.Run("metadata is memoized per commit", func(t *testing.T) {
		git := &fakeGit{
			heads: map[string]map[domain.BranchName]domain.CommitHash{
				"curl": {"main": "c1"},
			},
			files: map[string]string{"curl@c1": curlSrcinfo},
		}
		m := newTestMirror(t, git)
		try.To(m.Refresh(ctx, "curl")).OrFatal(t)

		meta := try.To(m.ReadPackageMetadata(ctx, "curl", "c1")).OrFatal(t)
		if meta.Pkgbase != "curl" {
			t.Errorf("pkgbase = %s", meta.Pkgbase)
		}

		try.To(m.ReadPackageMetadata(ctx, "curl", "c1")).OrFatal(t)
		if git.showCalls != 1 {
			t.Errorf("showCalls = %d, want 1 (memoized)", git.showCalls)
		}
	})

	t.Run("unreadable metadata is MetadataInvalid", func(t *testing.T) {
		git := &fakeGit{
			heads: map[string]map[domain.BranchName]domain.CommitHash{
				"curl": {"main": "c1"},
			},
		}
		m := newTestMirror(t, git)
		try.To(m.Refresh(ctx, "curl")).OrFatal(t)

		_, err := m.ReadPackageMetadata(ctx, "curl", "c1")
		if !errors.Is(err, domain.ErrMetadataInvalid) {
			t.Errorf("error = %v, want ErrMetadataInvalid", err)
		}
	})
}
