package mirror_test

import (
	"errors"
	"testing"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/mirror"
	"github.com/archlinux/buildbtw/pkg/utils/cmp"
	"github.com/archlinux/buildbtw/pkg/utils/try"
)

func TestParseSrcinfo(t *testing.T) {
	t.Run("it parses a split package with overrides", func(t *testing.T) {
		raw := `
pkgbase = openssl
	pkgver = 3.0.0
	pkgrel = 1
	arch = x86_64
	makedepends = perl
	depends = glibc
	provides = libcrypto.so

pkgname = openssl

pkgname = openssl-docs
	arch = any
	depends = man-db
`
		meta := try.To(mirror.ParseSrcinfo([]byte(raw))).OrFatal(t)

		if meta.Pkgbase != "openssl" {
			t.Errorf("pkgbase = %s", meta.Pkgbase)
		}
		if meta.Version.String() != "3.0.0-1" {
			t.Errorf("version = %s", meta.Version)
		}
		if !cmp.SliceEq(meta.Architectures, []domain.Architecture{domain.ArchX86_64}) {
			t.Errorf("architectures = %v", meta.Architectures)
		}
		if !cmp.SliceEq(meta.MakeDepends, []string{"perl"}) {
			t.Errorf("makedepends = %v", meta.MakeDepends)
		}
		if len(meta.Packages) != 2 {
			t.Fatalf("packages = %v", meta.Packages)
		}

		openssl := meta.Packages[0]
		if openssl.Name != "openssl" {
			t.Errorf("first pkgname = %s", openssl.Name)
		}
		// inherits depends and provides from the base section
		if !cmp.SliceEq(openssl.Depends, []string{"glibc"}) {
			t.Errorf("openssl depends = %v", openssl.Depends)
		}
		if !cmp.SliceEq(openssl.Provides, []string{"libcrypto.so"}) {
			t.Errorf("openssl provides = %v", openssl.Provides)
		}
		if len(openssl.Architectures) != 0 {
			t.Errorf("openssl architectures = %v", openssl.Architectures)
		}

		docs := meta.Packages[1]
		if !cmp.SliceEq(docs.Architectures, []domain.Architecture{domain.ArchAny}) {
			t.Errorf("docs architectures = %v", docs.Architectures)
		}
		if !cmp.SliceEq(docs.Depends, []string{"man-db"}) {
			t.Errorf("docs depends = %v", docs.Depends)
		}
	})

	t.Run("it parses the epoch", func(t *testing.T) {
		raw := `
pkgbase = git
	pkgver = 2.44.0
	pkgrel = 1
	epoch = 1
	arch = x86_64

pkgname = git
`
		meta := try.To(mirror.ParseSrcinfo([]byte(raw))).OrFatal(t)
		if meta.Version.String() != "1:2.44.0-1" {
			t.Errorf("version = %s", meta.Version)
		}
	})

	for name, raw := range map[string]string{
		"missing pkgbase": "pkgname = curl\n\tarch = x86_64\n",
		"missing pkgname": "pkgbase = curl\n\tarch = x86_64\n",
		"missing arch":    "pkgbase = curl\npkgname = curl\n",
		"broken epoch":    "pkgbase = curl\n\tepoch = one\n\tarch = x86_64\npkgname = curl\n",
		"unknown arch":    "pkgbase = curl\n\tarch = vax\npkgname = curl\n",
	} {
		t.Run("it rejects "+name, func(t *testing.T) {
			_, err := mirror.ParseSrcinfo([]byte(raw))
			if !errors.Is(err, domain.ErrMetadataInvalid) {
				t.Errorf("error = %v, want ErrMetadataInvalid", err)
			}
		})
	}
}
