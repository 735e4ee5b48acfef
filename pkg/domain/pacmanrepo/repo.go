// Package pacmanrepo maintains the per-iteration pacman package
// repositories: one directory tree per (namespace, iteration,
// architecture), holding uploaded package files and a repository
// database regenerated after every upload.
package pacmanrepo

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
)

// Repo serves every iteration repository below one root directory.
//
// Layout: <root>/<namespace>_<iteration>/os/<arch>/.
type Repo struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string) (*Repo, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Repo{root: root, locks: map[string]*sync.Mutex{}}, nil
}

func (r *Repo) Root() string { return r.root }

func RepoName(namespaceName string, iterationId uuid.UUID) string {
	return fmt.Sprintf("%s_%s", namespaceName, iterationId)
}

// DirPath is the directory holding package files and the database for
// one (namespace, iteration, architecture).
func (r *Repo) DirPath(namespaceName string, iterationId uuid.UUID, arch domain.Architecture) string {
	return filepath.Join(r.root, RepoName(namespaceName, iterationId), "os", string(arch))
}

// DatabaseName is the repository database file, named after the
// namespace so pacman configuration stays stable across iterations.
func DatabaseName(namespaceName string) string {
	return namespaceName + ".db.tar.gz"
}

func DatabaseLinkName(namespaceName string) string {
	return namespaceName + ".db"
}

// uploads to the same iteration repository serialize on the index
// regeneration; different iterations are independent.
func (r *Repo) lockFor(dir string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		r.locks[dir] = l
	}
	return l
}

// EnsureRepo creates the repository directory and an empty database so
// that pacman can point at the repository before the first build lands.
func (r *Repo) EnsureRepo(namespaceName string, iterationId uuid.UUID, arch domain.Architecture) error {
	dir := r.DirPath(namespaceName, iterationId, arch)
	l := r.lockFor(dir)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, DatabaseName(namespaceName))); err == nil {
		return nil
	}
	return regenerateIndex(dir, namespaceName)
}

// AcceptArtifact stores one uploaded package file and regenerates the
// repository database. The write is atomic: the file appears under its
// final name only when complete, and the database always reflects
// exactly the package files present.
//
// Re-uploads of an existing file are ignored: a build rescheduled after
// a temporarily unreachable executor may deliver the same package twice.
func (r *Repo) AcceptArtifact(
	namespaceName string,
	iterationId uuid.UUID,
	arch domain.Architecture,
	fileName string,
	payload io.Reader,
) error {
	if fileName != filepath.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return fmt.Errorf("invalid package file name: %q", fileName)
	}

	dir := r.DirPath(namespaceName, iterationId, arch)
	l := r.lockFor(dir)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	target := filepath.Join(dir, fileName)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}

	return regenerateIndex(dir, namespaceName)
}

// packageEntry is one package file described in the database.
type packageEntry struct {
	fileName string
	name     string
	version  string
	arch     string
	size     int64
}

// parsePackageFileName splits name-version-release-architecture out of
// a package file name like "curl-8.1.1-1-x86_64.pkg.tar.zst".
func parsePackageFileName(fileName string) (packageEntry, bool) {
	base, _, ok := strings.Cut(fileName, ".pkg.tar")
	if !ok {
		return packageEntry{}, false
	}
	parts := strings.Split(base, "-")
	if len(parts) < 4 {
		return packageEntry{}, false
	}
	arch := parts[len(parts)-1]
	release := parts[len(parts)-2]
	version := parts[len(parts)-3]
	name := strings.Join(parts[:len(parts)-3], "-")
	return packageEntry{
		fileName: fileName,
		name:     name,
		version:  version + "-" + release,
		arch:     arch,
	}, true
}

// regenerateIndex rebuilds <namespace>.db.tar.gz from the package
// files currently in dir, equivalent to what repo-add produces, and
// refreshes the <namespace>.db symlink.
func regenerateIndex(dir string, namespaceName string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	packages := []packageEntry{}
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), ".pkg.tar") {
			continue
		}
		entry, ok := parsePackageFileName(e.Name())
		if !ok {
			continue
		}
		if info, err := e.Info(); err == nil {
			entry.size = info.Size()
		}
		packages = append(packages, entry)
	}
	sort.Slice(packages, func(i, j int) bool {
		return packages[i].fileName < packages[j].fileName
	})

	tmp, err := os.CreateTemp(dir, ".db-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	now := time.Now()
	for _, p := range packages {
		entryDir := fmt.Sprintf("%s-%s/", p.name, p.version)
		if err := tw.WriteHeader(&tar.Header{
			Name:     entryDir,
			Typeflag: tar.TypeDir,
			Mode:     0o755,
			ModTime:  now,
		}); err != nil {
			return err
		}

		desc := descFor(p)
		if err := tw.WriteHeader(&tar.Header{
			Name:     entryDir + "desc",
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(desc)),
			ModTime:  now,
		}); err != nil {
			return err
		}
		if _, err := tw.Write([]byte(desc)); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	dbPath := filepath.Join(dir, DatabaseName(namespaceName))
	if err := os.Rename(tmp.Name(), dbPath); err != nil {
		return err
	}

	linkPath := filepath.Join(dir, DatabaseLinkName(namespaceName))
	os.Remove(linkPath)
	return os.Symlink(DatabaseName(namespaceName), linkPath)
}

func descFor(p packageEntry) string {
	var b strings.Builder
	field := func(key, value string) {
		fmt.Fprintf(&b, "%%%s%%\n%s\n\n", key, value)
	}
	field("FILENAME", p.fileName)
	field("NAME", p.name)
	field("VERSION", p.version)
	field("ARCH", p.arch)
	field("CSIZE", fmt.Sprintf("%d", p.size))
	return b.String()
}
