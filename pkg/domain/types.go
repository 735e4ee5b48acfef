package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/utils"
)

// Pkgbase is the canonical identifier of a package source repository.
// One pkgbase may produce several output packages (pkgnames).
type Pkgbase string

func (p Pkgbase) String() string { return string(p) }

// Pkgname is an individual installable output package.
type Pkgname string

func (p Pkgname) String() string { return string(p) }

// CommitHash is an unambiguous git commit hash.
type CommitHash string

func (c CommitHash) String() string { return string(c) }

type BranchName string

func (b BranchName) String() string { return string(b) }

// DefaultBranch is used to resolve every package which is not named
// in an origin changeset.
const DefaultBranch BranchName = "main"

type Architecture string

const (
	ArchAny     Architecture = "any"
	ArchX86_64  Architecture = "x86_64"
	ArchAarch64 Architecture = "aarch64"
	ArchI686    Architecture = "i686"
	ArchRiscv64 Architecture = "riscv64"
)

// ConcreteArchitectures returns every architecture a build graph can be
// derived for. "any" is not among them: arch-independent packages join
// the graph of each concrete architecture instead.
func ConcreteArchitectures() []Architecture {
	return []Architecture{ArchAarch64, ArchI686, ArchRiscv64, ArchX86_64}
}

func AsArchitecture(s string) (Architecture, error) {
	switch Architecture(s) {
	case ArchAny, ArchX86_64, ArchAarch64, ArchI686, ArchRiscv64:
		return Architecture(s), nil
	default:
		return "", fmt.Errorf("'%s' is not a known architecture", s)
	}
}

func (a Architecture) String() string { return string(a) }

func (a Architecture) Concrete() bool { return a != ArchAny }

// Version of a package, in pacman's [epoch:]pkgver-pkgrel notation.
type Version struct {
	Epoch  int    `json:"epoch,omitempty"`
	Pkgver string `json:"pkgver"`
	Pkgrel string `json:"pkgrel"`
}

func (v Version) String() string {
	if v.Epoch != 0 {
		return fmt.Sprintf("%d:%s-%s", v.Epoch, v.Pkgver, v.Pkgrel)
	}
	return fmt.Sprintf("%s-%s", v.Pkgver, v.Pkgrel)
}

// SplitPackage is one output package declared by a package source.
//
// Architectures left empty inherit from the PackageMetadata it belongs
// to; the other fields do not fall back.
type SplitPackage struct {
	Name Pkgname `json:"name"`

	// overrides the base architectures when non-empty.
	Architectures []Architecture `json:"architectures,omitempty"`

	// run-time dependency names, possibly version-constrained.
	Depends []string `json:"depends,omitempty"`

	// virtual targets this package provides, in addition to its own name.
	Provides []string `json:"provides,omitempty"`
}

// PackageMetadata is the structured view of one package definition at a
// specific (pkgbase, commit). Produced by the source metadata parser.
type PackageMetadata struct {
	Pkgbase       Pkgbase        `json:"pkgbase"`
	Version       Version        `json:"version"`
	Architectures []Architecture `json:"architectures"`
	MakeDepends   []string       `json:"makedepends,omitempty"`
	CheckDepends  []string       `json:"checkdepends,omitempty"`
	Packages      []SplitPackage `json:"packages"`
}

// architectures of a split package, with the base as fallback.
func (m PackageMetadata) PackageArchitectures(p SplitPackage) []Architecture {
	if len(p.Architectures) != 0 {
		return p.Architectures
	}
	return m.Architectures
}

// PackagesFor returns the split packages built for arch,
// including those declared "any".
func (m PackageMetadata) PackagesFor(arch Architecture) []SplitPackage {
	return utils.Filter(m.Packages, func(p SplitPackage) bool {
		for _, a := range m.PackageArchitectures(p) {
			if a == arch || a == ArchAny {
				return true
			}
		}
		return false
	})
}

func (m PackageMetadata) SupportsArchitecture(arch Architecture) bool {
	return len(m.PackagesFor(arch)) != 0
}

// DependencyNamesFor returns every dependency name relevant when building
// this package for arch: make and check dependencies of the whole source,
// plus run-time dependencies of each split package built for arch.
// Version constraints are stripped.
func (m PackageMetadata) DependencyNamesFor(arch Architecture) []string {
	seen := map[string]bool{}
	names := []string{}
	add := func(dep string) {
		name := StripVersionConstraint(dep)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, dep := range m.MakeDepends {
		add(dep)
	}
	for _, dep := range m.CheckDepends {
		add(dep)
	}
	for _, p := range m.PackagesFor(arch) {
		for _, dep := range p.Depends {
			add(dep)
		}
	}
	return names
}

// StripVersionConstraint cuts "=", ">", "<" suffixes from a dependency
// name: "glibc>=2.39" becomes "glibc".
func StripVersionConstraint(dep string) string {
	for _, sep := range []string{"=", ">", "<"} {
		dep, _, _ = strings.Cut(dep, sep)
	}
	return dep
}

// PackageFileName predicts the file name makepkg produces for one split
// package. Packages declared "any" keep "any" in the file name even
// inside a concrete architecture's build graph.
func PackageFileName(m PackageMetadata, p SplitPackage, graphArch Architecture) string {
	arch := graphArch
	for _, a := range m.PackageArchitectures(p) {
		if a == ArchAny {
			arch = ArchAny
			break
		}
	}
	return fmt.Sprintf("%s-%s-%s.pkg.tar.zst", p.Name, m.Version, arch)
}

type NamespaceStatus string

const (
	NamespaceActive    NamespaceStatus = "active"
	NamespaceCancelled NamespaceStatus = "cancelled"
)

func AsNamespaceStatus(s string) (NamespaceStatus, error) {
	switch NamespaceStatus(s) {
	case NamespaceActive, NamespaceCancelled:
		return NamespaceStatus(s), nil
	default:
		return "", fmt.Errorf("'%s' is not a namespace status", s)
	}
}

// OriginChangeset is one (pkgbase, branch) pair seeding a namespace.
type OriginChangeset struct {
	Pkgbase Pkgbase    `json:"pkgbase"`
	Branch  BranchName `json:"branch"`
}

// PinnedChangeset is an origin changeset resolved to a concrete commit
// at iteration creation time.
type PinnedChangeset struct {
	Pkgbase Pkgbase    `json:"pkgbase"`
	Branch  BranchName `json:"branch"`
	Commit  CommitHash `json:"commit"`
}

// Namespace is an isolated workspace owning a sequence of iterations
// and a pacman repository per iteration.
type Namespace struct {
	Id               uuid.UUID         `json:"id"`
	Name             string            `json:"name"`
	OriginChangesets []OriginChangeset `json:"origin_changesets"`
	CreatedAt        time.Time         `json:"created_at"`
	Status           NamespaceStatus   `json:"status"`
}

// Iteration is one immutable plan+run attempt within a namespace.
//
// The (node, pinned commit) set is fixed at creation; source changes
// produce a new iteration instead of mutating this one. Only node
// statuses move afterwards.
type Iteration struct {
	Id               uuid.UUID                    `json:"id"`
	NamespaceId      uuid.UUID                    `json:"namespace_id"`
	CreatedAt        time.Time                    `json:"created_at"`
	OriginChangesets []PinnedChangeset            `json:"origin_changesets"`
	BuildGraphs      map[Architecture]*BuildGraph `json:"build_graphs"`
	CreateReason     CreateReason                 `json:"create_reason"`
}

type CreateReasonKind string

const (
	ReasonFirstIteration CreateReasonKind = "first-iteration"
	ReasonOriginChanged  CreateReasonKind = "origin-changesets-changed"
	ReasonGraphChanged   CreateReasonKind = "build-set-graph-changed"
	ReasonCreatedByUser  CreateReasonKind = "created-by-user"
)

// CreateReason records why an iteration was created.
type CreateReason struct {
	Kind CreateReasonKind `json:"kind"`

	// pkgbases whose source changed, for origin/graph change reasons.
	Changed []Pkgbase `json:"changed,omitempty"`

	// per-architecture graph changes, for ReasonGraphChanged.
	Diff *IterationDiff `json:"diff,omitempty"`
}

func (r CreateReason) ShortDescription() string {
	switch r.Kind {
	case ReasonFirstIteration:
		return "First iteration"
	case ReasonOriginChanged:
		return "Origin changesets changed"
	case ReasonGraphChanged:
		return "Build set graph changed"
	case ReasonCreatedByUser:
		return "Manually created by user"
	default:
		return string(r.Kind)
	}
}
