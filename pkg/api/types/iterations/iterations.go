package iterations

import (
	"time"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/utils"
)

type PinnedChangeset struct {
	Pkgbase string `json:"pkgbase"`
	Branch  string `json:"branch"`
	Commit  string `json:"commit"`
}

type Node struct {
	Pkgbase      string    `json:"pkgbase"`
	Commit       string    `json:"commit"`
	Branch       string    `json:"branch"`
	Status       string    `json:"status"`
	ExecutorRef  string    `json:"executor_ref,omitempty"`
	PackageFiles []string  `json:"package_files,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Graph struct {
	Architecture string `json:"architecture"`
	Nodes        []Node `json:"nodes"`
	Edges        []Edge `json:"edges"`

	// edges removed by cycle breaking, for auditability.
	DroppedEdges []Edge `json:"dropped_edges,omitempty"`
}

type Summary struct {
	Id           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	CreateReason string    `json:"create_reason"`
}

type Detail struct {
	Id               string            `json:"id"`
	NamespaceId      string            `json:"namespace_id"`
	CreatedAt        time.Time         `json:"created_at"`
	OriginChangesets []PinnedChangeset `json:"origin_changesets"`
	CreateReason     string            `json:"create_reason"`
	BuildGraphs      map[string]Graph  `json:"build_graphs"`
}

func composeEdge(e domain.Edge) Edge {
	return Edge{From: string(e.From), To: string(e.To)}
}

func ComposeGraph(g *domain.BuildGraph) Graph {
	nodes := utils.Map(g.PkgbasesSorted(), func(p domain.Pkgbase) Node {
		node := g.Nodes[p]
		return Node{
			Pkgbase:      string(node.Pkgbase),
			Commit:       string(node.Commit),
			Branch:       string(node.Branch),
			Status:       string(node.Status),
			ExecutorRef:  node.ExecutorRef,
			PackageFiles: node.PackageFiles,
			UpdatedAt:    node.UpdatedAt,
		}
	})
	return Graph{
		Architecture: string(g.Architecture),
		Nodes:        nodes,
		Edges:        utils.Map(g.Edges, composeEdge),
		DroppedEdges: utils.Map(g.DroppedEdges, composeEdge),
	}
}

func ComposeSummary(it domain.Iteration) Summary {
	return Summary{
		Id:           it.Id.String(),
		CreatedAt:    it.CreatedAt,
		CreateReason: it.CreateReason.ShortDescription(),
	}
}

func ComposeDetail(it domain.Iteration) Detail {
	graphs := map[string]Graph{}
	for arch, g := range it.BuildGraphs {
		graphs[string(arch)] = ComposeGraph(g)
	}
	return Detail{
		Id:          it.Id.String(),
		NamespaceId: it.NamespaceId.String(),
		CreatedAt:   it.CreatedAt,
		OriginChangesets: utils.Map(it.OriginChangesets, func(o domain.PinnedChangeset) PinnedChangeset {
			return PinnedChangeset{
				Pkgbase: string(o.Pkgbase),
				Branch:  string(o.Branch),
				Commit:  string(o.Commit),
			}
		}),
		CreateReason: it.CreateReason.ShortDescription(),
		BuildGraphs:  graphs,
	}
}
