package namespaces

import (
	"time"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/utils"
)

type Changeset struct {
	Pkgbase string `json:"pkgbase"`
	Branch  string `json:"branch"`
}

// Create is the body of POST /namespace.
type Create struct {
	Name             string      `json:"name"`
	OriginChangesets []Changeset `json:"origin_changesets"`
}

type Detail struct {
	Id               string      `json:"id"`
	Name             string      `json:"name"`
	OriginChangesets []Changeset `json:"origin_changesets"`
	CreatedAt        time.Time   `json:"created_at"`
	Status           string      `json:"status"`
}

func ComposeDetail(ns domain.Namespace) Detail {
	return Detail{
		Id:   ns.Id.String(),
		Name: ns.Name,
		OriginChangesets: utils.Map(ns.OriginChangesets, func(o domain.OriginChangeset) Changeset {
			return Changeset{Pkgbase: string(o.Pkgbase), Branch: string(o.Branch)}
		}),
		CreatedAt: ns.CreatedAt,
		Status:    string(ns.Status),
	}
}
