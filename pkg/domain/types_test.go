package domain_test

import (
	"testing"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/utils/cmp"
)

func TestStripVersionConstraint(t *testing.T) {
	for _, input := range []string{
		"pkgname",
		"pkgname=1.0.0",
		"pkgname>1.0.0",
		"pkgname<1.0.0",
		"pkgname>=1.0.0",
	} {
		if got := domain.StripVersionConstraint(input); got != "pkgname" {
			t.Errorf("StripVersionConstraint(%q) = %q, want %q", input, got, "pkgname")
		}
	}
}

func TestVersion_String(t *testing.T) {
	t.Run("without epoch", func(t *testing.T) {
		v := domain.Version{Pkgver: "8.1.1", Pkgrel: "2"}
		if v.String() != "8.1.1-2" {
			t.Errorf("got %q", v.String())
		}
	})
	t.Run("with epoch", func(t *testing.T) {
		v := domain.Version{Epoch: 1, Pkgver: "8.1.1", Pkgrel: "2"}
		if v.String() != "1:8.1.1-2" {
			t.Errorf("got %q", v.String())
		}
	})
}

func TestPackageMetadata_PackagesFor(t *testing.T) {
	meta := domain.PackageMetadata{
		Pkgbase:       "openssl",
		Version:       domain.Version{Pkgver: "3.0.0", Pkgrel: "1"},
		Architectures: []domain.Architecture{domain.ArchX86_64},
		Packages: []domain.SplitPackage{
			{Name: "openssl"},
			{Name: "openssl-docs", Architectures: []domain.Architecture{domain.ArchAny}},
			{Name: "openssl-arm", Architectures: []domain.Architecture{domain.ArchAarch64}},
		},
	}

	t.Run("base architecture includes any-packages", func(t *testing.T) {
		names := []domain.Pkgname{}
		for _, p := range meta.PackagesFor(domain.ArchX86_64) {
			names = append(names, p.Name)
		}
		if !cmp.SliceContentEq(names, []domain.Pkgname{"openssl", "openssl-docs"}) {
			t.Errorf("unexpected packages for x86_64: %v", names)
		}
	})

	t.Run("override architecture wins over base", func(t *testing.T) {
		names := []domain.Pkgname{}
		for _, p := range meta.PackagesFor(domain.ArchAarch64) {
			names = append(names, p.Name)
		}
		if !cmp.SliceContentEq(names, []domain.Pkgname{"openssl-docs", "openssl-arm"}) {
			t.Errorf("unexpected packages for aarch64: %v", names)
		}
	})
}

func TestPackageMetadata_DependencyNamesFor(t *testing.T) {
	meta := domain.PackageMetadata{
		Pkgbase:       "curl",
		Architectures: []domain.Architecture{domain.ArchX86_64},
		MakeDepends:   []string{"cmake"},
		CheckDepends:  []string{"valgrind"},
		Packages: []domain.SplitPackage{
			{Name: "curl", Depends: []string{"openssl>=3.0", "zlib"}},
			{Name: "libcurl", Depends: []string{"zlib"}},
		},
	}

	deps := meta.DependencyNamesFor(domain.ArchX86_64)
	if !cmp.SliceContentEq(deps, []string{"cmake", "valgrind", "openssl", "zlib"}) {
		t.Errorf("unexpected dependency names: %v", deps)
	}
}

func TestPackageFileName(t *testing.T) {
	meta := domain.PackageMetadata{
		Pkgbase:       "openssl",
		Version:       domain.Version{Pkgver: "3.0.0", Pkgrel: "1"},
		Architectures: []domain.Architecture{domain.ArchX86_64},
		Packages: []domain.SplitPackage{
			{Name: "openssl"},
			{Name: "openssl-docs", Architectures: []domain.Architecture{domain.ArchAny}},
		},
	}

	t.Run("concrete package uses the graph architecture", func(t *testing.T) {
		got := domain.PackageFileName(meta, meta.Packages[0], domain.ArchX86_64)
		if got != "openssl-3.0.0-1-x86_64.pkg.tar.zst" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("any-package keeps any in the file name", func(t *testing.T) {
		got := domain.PackageFileName(meta, meta.Packages[1], domain.ArchX86_64)
		if got != "openssl-docs-3.0.0-1-any.pkg.tar.zst" {
			t.Errorf("got %q", got)
		}
	})
}
