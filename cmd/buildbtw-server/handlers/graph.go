package handlers

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apierr "github.com/archlinux/buildbtw/pkg/api/types/errors"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/depgraph"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
)

func statusColor(s domain.BuildStatus) string {
	switch s {
	case domain.StatusBuilt:
		return "green"
	case domain.StatusFailed:
		return "red"
	case domain.StatusBuilding, domain.StatusAssigned:
		return "orange"
	case domain.StatusBlocked, domain.StatusCancelled:
		return "#cccccc"
	default:
		return "black"
	}
}

// graphDOT renders a build graph in graphviz DOT form; the rendering
// layer turns it into SVG.
func graphDOT(g *domain.BuildGraph) string {
	var b strings.Builder
	b.WriteString("digraph {\n")
	for _, pkgbase := range g.PkgbasesSorted() {
		node := g.Nodes[pkgbase]
		fmt.Fprintf(
			&b, "    %q [label=\"%s\\n%s\",color=%q]\n",
			pkgbase, pkgbase, node.Status, statusColor(node.Status),
		)
	}
	for _, e := range g.Edges {
		fmt.Fprintf(
			&b, "    %q -> %q [color=%q]\n",
			e.From, e.To, statusColor(g.Nodes[e.From].Status),
		)
	}
	b.WriteString("}\n")
	return b.String()
}

// RenderGraphHandler serves the build graph of one iteration and
// architecture: DOT with ?format=dot, otherwise a minimal HTML page
// carrying the DOT source for the rendering layer.
func RenderGraphHandler(db nsdb.Database) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		iterationId, err := uuid.Parse(c.Param("iteration"))
		if err != nil {
			return apierr.BadRequest("iteration id should be a UUID", err)
		}
		arch, err := domain.AsArchitecture(c.Param("arch"))
		if err != nil {
			return apierr.BadRequest(err.Error(), err)
		}

		it, err := db.Iterations().Get(ctx, iterationId)
		if err != nil {
			return asHTTPError(err)
		}
		g, ok := it.BuildGraphs[arch]
		if !ok {
			return apierr.NotFound()
		}

		dot := graphDOT(g)
		if c.QueryParam("format") == "dot" {
			return c.Blob(http.StatusOK, "text/vnd.graphviz", []byte(dot))
		}

		page := fmt.Sprintf(
			"<!DOCTYPE html>\n<html><body><pre class=\"buildgraph\">%s</pre></body></html>\n",
			html.EscapeString(dot),
		)
		return c.HTML(http.StatusOK, page)
	}
}

// DependentsHandler answers reverse-dependency queries against the
// latest published global dependency graph.
func DependentsHandler(graphs *depgraph.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		graph := graphs.Load()
		if graph == nil {
			return apierr.ServiceUnavailable("global dependency graph is still warming up", nil)
		}

		pkgbase := domain.Pkgbase(c.Param("pkgbase"))
		arch, err := domain.AsArchitecture(c.QueryParam("arch"))
		if err != nil {
			return apierr.BadRequest(err.Error(), err)
		}
		if _, ok := graph.Vertex(pkgbase); !ok {
			return apierr.NotFound()
		}

		return c.JSON(http.StatusOK, graph.Dependents(pkgbase, arch))
	}
}
