package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/archlinux/buildbtw/cmd/buildbtw-client/rest"
	apins "github.com/archlinux/buildbtw/pkg/api/types/namespaces"
)

// exit codes of the CLI contract
const (
	exitOK          = 0
	exitUserError   = 1
	exitUnreachable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	var client *rest.Client

	root := &cobra.Command{
		Use:           "buildbtw",
		Short:         "schedule rebuilds of packages and their dependents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = rest.New(serverURL)
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", serverURL, "buildbtw server URL")

	root.AddCommand(newCmd(&client))
	root.AddCommand(listCmd(&client))
	root.AddCommand(showCmd(&client))
	root.AddCommand(cancelCmd(&client))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)

		var apiErr *rest.APIError
		if errors.As(err, &apiErr) {
			return exitUserError
		}
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			return exitUserError
		}
		var transportErr *url.Error
		if errors.As(err, &transportErr) {
			return exitUnreachable
		}
		// argument and flag errors reported by cobra
		return exitUserError
	}
	return exitOK
}

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// parseChangeset splits "pkgbase/branch"; the branch defaults to main.
func parseChangeset(arg string) (apins.Changeset, error) {
	pkgbase, branch, found := strings.Cut(arg, "/")
	if pkgbase == "" {
		return apins.Changeset{}, &usageError{msg: fmt.Sprintf("invalid changeset %q, want pkg/branch", arg)}
	}
	if !found || branch == "" {
		branch = "main"
	}
	return apins.Changeset{Pkgbase: pkgbase, Branch: branch}, nil
}

func newCmd(client **rest.Client) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "new <pkg>/<branch> [<pkg>/<branch> ...]",
		Short: "create a namespace building the given origin changesets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changesets := make([]apins.Changeset, 0, len(args))
			for _, arg := range args {
				cs, err := parseChangeset(arg)
				if err != nil {
					return err
				}
				changesets = append(changesets, cs)
			}

			ns, err := (*client).CreateNamespace(cmd.Context(), apins.Create{
				Name:             name,
				OriginChangesets: changesets,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created namespace %q\n", ns.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "namespace name (default: first pkgbase)")
	return cmd
}

func statusCell(status string) string {
	switch status {
	case "active":
		return color.GreenString(status)
	case "cancelled":
		return color.New(color.Faint).Sprint(status)
	default:
		return status
	}
}

func listCmd(client **rest.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaces, err := (*client).ListNamespaces(cmd.Context())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("NAME", "STATUS", "ORIGINS", "CREATED")
			for _, ns := range namespaces {
				origins := make([]string, 0, len(ns.OriginChangesets))
				for _, o := range ns.OriginChangesets {
					origins = append(origins, o.Pkgbase+"/"+o.Branch)
				}
				if err := table.Append(
					ns.Name,
					statusCell(ns.Status),
					strings.Join(origins, " "),
					ns.CreatedAt.Format("2006-01-02 15:04"),
				); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func showCmd(client **rest.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "show a namespace and its iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := (*client).GetNamespace(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", color.New(color.Bold).Sprint(ns.Name), statusCell(ns.Status))
			for _, o := range ns.OriginChangesets {
				fmt.Fprintf(out, "  origin: %s/%s\n", o.Pkgbase, o.Branch)
			}

			table := tablewriter.NewWriter(out)
			table.Header("ITERATION", "CREATED", "REASON")
			for _, it := range ns.Iterations {
				if err := table.Append(
					it.Id,
					it.CreatedAt.Format("2006-01-02 15:04"),
					it.CreateReason,
				); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func cancelCmd(client **rest.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <name>",
		Short: "cancel a namespace and its running builds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*client).CancelNamespace(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled namespace %q\n", args[0])
			return nil
		},
	}
}
