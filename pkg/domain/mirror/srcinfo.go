package mirror

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/archlinux/buildbtw/pkg/domain"
)

// SrcinfoFileName is the metadata file read from each package source
// repository at the pinned commit.
const SrcinfoFileName = ".SRCINFO"

// ParseSrcinfo parses the key = value format of a .SRCINFO file into a
// merged package view: split-package sections inherit arch, depends and
// provides from the pkgbase section unless they override them.
func ParseSrcinfo(raw []byte) (domain.PackageMetadata, error) {
	type section struct {
		name     domain.Pkgname
		arch     []domain.Architecture
		depends  []string
		provides []string
		override map[string]bool
	}

	meta := domain.PackageMetadata{}
	base := section{override: map[string]bool{}}
	current := &base
	sections := []*section{}

	for nth, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return domain.PackageMetadata{}, fmt.Errorf(
				"%w: line %d is not a key = value pair", domain.ErrMetadataInvalid, nth+1,
			)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		if key == "pkgname" {
			sections = append(sections, &section{
				name:     domain.Pkgname(value),
				override: map[string]bool{},
			})
			current = sections[len(sections)-1]
			continue
		}

		switch key {
		case "pkgbase":
			meta.Pkgbase = domain.Pkgbase(value)
		case "pkgver":
			meta.Version.Pkgver = value
		case "pkgrel":
			meta.Version.Pkgrel = value
		case "epoch":
			epoch, err := strconv.Atoi(value)
			if err != nil {
				return domain.PackageMetadata{}, fmt.Errorf(
					"%w: epoch %q is not a number", domain.ErrMetadataInvalid, value,
				)
			}
			meta.Version.Epoch = epoch
		case "arch":
			arch, err := domain.AsArchitecture(value)
			if err != nil {
				return domain.PackageMetadata{}, fmt.Errorf("%w: %w", domain.ErrMetadataInvalid, err)
			}
			current.arch = append(current.arch, arch)
			current.override["arch"] = true
		case "depends":
			current.depends = append(current.depends, value)
			current.override["depends"] = true
		case "provides":
			current.provides = append(current.provides, value)
			current.override["provides"] = true
		case "makedepends":
			meta.MakeDepends = append(meta.MakeDepends, value)
		case "checkdepends":
			meta.CheckDepends = append(meta.CheckDepends, value)
		default:
			// url, license, source, checksums etc. are irrelevant here.
		}
	}

	if meta.Pkgbase == "" {
		return domain.PackageMetadata{}, fmt.Errorf("%w: missing pkgbase", domain.ErrMetadataInvalid)
	}
	if len(sections) == 0 {
		return domain.PackageMetadata{}, fmt.Errorf("%w: no pkgname declared", domain.ErrMetadataInvalid)
	}
	if len(base.arch) == 0 {
		return domain.PackageMetadata{}, fmt.Errorf("%w: missing arch", domain.ErrMetadataInvalid)
	}
	meta.Architectures = base.arch

	for _, s := range sections {
		pkg := domain.SplitPackage{Name: s.name}
		if s.override["arch"] {
			pkg.Architectures = s.arch
		}
		if s.override["depends"] {
			pkg.Depends = s.depends
		} else {
			pkg.Depends = append([]string(nil), base.depends...)
		}
		if s.override["provides"] {
			pkg.Provides = s.provides
		} else {
			pkg.Provides = append([]string(nil), base.provides...)
		}
		meta.Packages = append(meta.Packages, pkg)
	}

	return meta, nil
}
