package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/archlinux/buildbtw/cmd/buildbtw-server/handlers"
	"github.com/archlinux/buildbtw/internal/testutils/fakesource"
	httptestutil "github.com/archlinux/buildbtw/internal/testutils/http"
	apiworker "github.com/archlinux/buildbtw/pkg/api/types/worker"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/reconcile"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/utils/try"
	"github.com/archlinux/buildbtw/pkg/workertoken"
)

var testTokens = workertoken.New("test-secret", time.Hour)

// seedAssigned plans one iteration for a single-package namespace,
// assigns its node to a worker, and returns the iteration with a token
// for that node.
func seedAssigned(
	t *testing.T,
	db nsdb.Database,
	src *fakesource.Source,
	rec *reconcile.Reconciler,
	engine *schedule.Engine,
) (domain.Iteration, string) {
	t.Helper()
	ctx := context.Background()

	src.Add("curl", "main", "c1", fakesource.Meta("curl"))
	ns := try.To(db.Namespaces().Create(ctx, "curl-test-"+uuid.NewString(), []domain.OriginChangeset{
		{Pkgbase: "curl", Branch: "main"},
	})).OrFatal(t)
	it := try.To(rec.CreateIteration(ctx, ns, domain.ReasonFirstIteration)).OrFatal(t)

	assignment := try.To(engine.NextAssignment(ctx, "worker-1", time.Second)).OrFatal(t)
	if assignment == nil || assignment.Pkgbase != "curl" {
		t.Fatalf("assignment = %+v", assignment)
	}

	token := try.To(testTokens.Sign(it.Id, "curl", domain.ArchX86_64)).OrFatal(t)
	return it, token
}

func setStatusParams(ctx echo.Context, it domain.Iteration) {
	ctx.SetPath("/node/:iteration/:pkgbase/:arch/status")
	ctx.SetParamNames("iteration", "pkgbase", "arch")
	ctx.SetParamValues(it.Id.String(), "curl", "x86_64")
}

func TestReportStatusHandler(t *testing.T) {
	e := echo.New()

	t.Run("a report without a token is unauthorized", func(t *testing.T) {
		db, src, rec, engine := newFixture()
		it, _ := seedAssigned(t, db, src, rec, engine)
		testee := handlers.ReportStatusHandler(engine, testTokens)

		ctx, _ := httptestutil.Post(
			e, "/node/status",
			strings.NewReader(`{"status": "building"}`),
			httptestutil.ContentType("application/json"),
		)
		setStatusParams(ctx, it)

		err := testee(ctx)
		if code := httpErrorCode(t, err); code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", code)
		}
	})

	t.Run("a tokened report transitions the node", func(t *testing.T) {
		db, src, rec, engine := newFixture()
		it, token := seedAssigned(t, db, src, rec, engine)
		testee := handlers.ReportStatusHandler(engine, testTokens)

		ctx, resp := httptestutil.Post(
			e, "/node/status",
			strings.NewReader(`{"status": "building", "executor_ref": "worker-1"}`),
			httptestutil.ContentType("application/json"),
			httptestutil.BearerToken(token),
		)
		setStatusParams(ctx, it)

		if err := testee(ctx); err != nil {
			t.Fatal(err)
		}
		if resp.Code != http.StatusNoContent {
			t.Errorf("status = %d", resp.Code)
		}

		loaded := try.To(db.Iterations().Get(context.Background(), it.Id)).OrFatal(t)
		if got := loaded.BuildGraphs[domain.ArchX86_64].Nodes["curl"].Status; got != domain.StatusBuilding {
			t.Errorf("curl = %s, want building", got)
		}
	})

	t.Run("an illegal transition is a conflict", func(t *testing.T) {
		db, src, rec, engine := newFixture()
		it, token := seedAssigned(t, db, src, rec, engine)
		testee := handlers.ReportStatusHandler(engine, testTokens)

		report := func(status string) error {
			ctx, _ := httptestutil.Post(
				e, "/node/status",
				strings.NewReader(`{"status": "`+status+`"}`),
				httptestutil.ContentType("application/json"),
				httptestutil.BearerToken(token),
			)
			setStatusParams(ctx, it)
			return testee(ctx)
		}

		if err := report("built"); err != nil {
			t.Fatal(err)
		}
		err := report("failed")
		if code := httpErrorCode(t, err); code != http.StatusConflict {
			t.Errorf("status = %d, want 409", code)
		}
	})

	t.Run("executors can not set scheduler-owned statuses", func(t *testing.T) {
		db, src, rec, engine := newFixture()
		it, token := seedAssigned(t, db, src, rec, engine)
		testee := handlers.ReportStatusHandler(engine, testTokens)

		ctx, _ := httptestutil.Post(
			e, "/node/status",
			strings.NewReader(`{"status": "cancelled"}`),
			httptestutil.ContentType("application/json"),
			httptestutil.BearerToken(token),
		)
		setStatusParams(ctx, it)

		err := testee(ctx)
		if code := httpErrorCode(t, err); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})
}

func TestAssignmentHandler(t *testing.T) {
	e := echo.New()

	t.Run("it answers 204 when nothing is claimable", func(t *testing.T) {
		_, _, _, engine := newFixture()
		testee := handlers.AssignmentHandler(engine, testTokens, 30*time.Millisecond)

		ctx, resp := httptestutil.Get(e, "/worker/assignment?worker=worker-1")
		if err := testee(ctx); err != nil {
			t.Fatal(err)
		}
		if resp.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", resp.Code)
		}
	})

	t.Run("it hands out a ready node with a token", func(t *testing.T) {
		db, src, rec, engine := newFixture()
		ctx0 := context.Background()
		src.Add("curl", "main", "c1", fakesource.Meta("curl"))
		ns := try.To(db.Namespaces().Create(ctx0, "curl-test", []domain.OriginChangeset{
			{Pkgbase: "curl", Branch: "main"},
		})).OrFatal(t)
		it := try.To(rec.CreateIteration(ctx0, ns, domain.ReasonFirstIteration)).OrFatal(t)

		testee := handlers.AssignmentHandler(engine, testTokens, time.Second)
		ctx, resp := httptestutil.Get(e, "/worker/assignment?worker=worker-1")
		if err := testee(ctx); err != nil {
			t.Fatal(err)
		}
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", resp.Code, resp.Body)
		}

		assignment := apiworker.Assignment{}
		if err := json.Unmarshal(resp.Body.Bytes(), &assignment); err != nil {
			t.Fatal(err)
		}
		if assignment.Pkgbase != "curl" || assignment.Commit != "c1" {
			t.Errorf("assignment = %+v", assignment)
		}
		if err := testTokens.Verify(assignment.Token, it.Id, "curl", domain.ArchX86_64); err != nil {
			t.Errorf("returned token does not verify: %v", err)
		}
	})
}
