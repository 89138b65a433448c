package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <owner/repo> [number...]",
		Short: "Bring tracked pull requests in line with GitHub",
		Long: `Fetch pull requests from GitHub, record the lifecycle events that explain
how they changed since they were last seen, and ingest their heads.

Without numbers every pull request already tracked for the repository is synced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args[0], args[1:])
		},
	}

	return cmd
}

func runSync(cmd *cobra.Command, repo string, rawNumbers []string) error {
	numbers := make([]int, 0, len(rawNumbers))

	for _, raw := range rawNumbers {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid pull request number %q", raw)
		}

		numbers = append(numbers, n)
	}

	a, err := openApp(cmd, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()

	client, err := a.gitHubClient(ctx)
	if err != nil {
		return err
	}

	src, err := a.defaultSource(ctx)
	if err != nil {
		return err
	}

	err = a.startEngine(src)
	if err != nil {
		return err
	}

	if len(numbers) == 0 {
		tracked, err := a.store.PullRequests(ctx, repo)
		if err != nil {
			return err
		}

		for _, pr := range tracked {
			numbers = append(numbers, pr.PRNumber)
		}
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"PR", "State", "Head", "Result"})

	var errs []error

	for _, n := range numbers {
		meta, err := client.PullRequest(ctx, repo, n)
		if err != nil {
			errs = append(errs, err)
			t.AppendRow(table.Row{n, "", "", err.Error()})

			continue
		}

		pr, err := a.engine.Sync(ctx, meta)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync %s#%d: %w", repo, n, err))
			t.AppendRow(table.Row{n, meta.State, shortSHA(meta.HeadSHA), err.Error()})

			continue
		}

		t.AppendRow(table.Row{n, pr.State, shortSHA(pr.HeadSHA), syncResult(pr)})
	}

	fmt.Fprintln(cmd.OutOrStdout(), t.Render())

	return errors.Join(errs...)
}

func syncResult(pr *domain.PullRequest) string {
	if pr.Additions == 0 {
		return "synced"
	}

	return fmt.Sprintf("synced, %d/%d lines surviving", pr.SurvivingLines, pr.Additions)
}
