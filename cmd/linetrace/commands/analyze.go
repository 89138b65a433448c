package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/linetrace/pkg/config"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
	"github.com/Sumatoshi-tech/linetrace/pkg/gitlib"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
	"github.com/Sumatoshi-tech/linetrace/pkg/persist"
	"github.com/Sumatoshi-tech/linetrace/pkg/pullrequest"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

const (
	localRepoName = "local"
	outputPerm    = 0o600
)

// ErrNoHeadRev is returned when analyze is run without --head.
var ErrNoHeadRev = errors.New("head revision is required (use --head)")

type analyzeOptions struct {
	base      string
	head      string
	target    string
	number    int
	title     string
	repoName  string
	db        string
	format    string
	output    string
	saveDir   string
	showLines bool
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand() *cobra.Command {
	var o analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze [repo-path]",
		Short: "Analyse the lines a range of commits added to a local clone",
		Long: `Treat the commits between --base and --head of a local clone as a pull
request and report how many of the lines it added are still present at --target.

Examples:
  linetrace analyze --base main~10 --head feature/calc
  linetrace analyze ~/src/app --base v1.2.0 --head v1.3.0 --format plot -o survival.html
  linetrace analyze --base main --head topic --db data/linetrace.db --number 42`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}

			return runAnalyze(cmd, path, o)
		},
	}

	cmd.Flags().StringVar(&o.base, "base", "", "revision the pull request branched from")
	cmd.Flags().StringVar(&o.head, "head", "", "head revision of the pull request")
	cmd.Flags().StringVar(&o.target, "target", "", "revision the survival is measured at (default: repository.default_branch)")
	cmd.Flags().IntVar(&o.number, "number", 1, "pull request number recorded for the range")
	cmd.Flags().StringVar(&o.title, "title", "", "pull request title (default: head commit subject)")
	cmd.Flags().StringVar(&o.repoName, "repo-name", "", "repository full name (default: derived from repository.url)")
	cmd.Flags().StringVar(&o.db, "db", storage.MemoryDSN, "database to record the analysis in")
	cmd.Flags().StringVarP(&o.format, "format", "f", FormatTable, "output format: table, json, yaml, plot")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write output to a file instead of stdout")
	cmd.Flags().StringVar(&o.saveDir, "save-dir", "", "also save the analysis as an lz4 snapshot in this directory")
	cmd.Flags().BoolVar(&o.showLines, "lines", false, "list every added line in table output")

	return cmd
}

func runAnalyze(cmd *cobra.Command, path string, o analyzeOptions) error {
	if o.head == "" {
		return ErrNoHeadRev
	}

	a, err := openApp(cmd, observability.ModeCLI, func(cfg *config.Config) {
		cfg.Storage.Path = o.db
		cfg.Snapshot.Backend = config.SnapshotBackendSQLite
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if path == "" {
		path = a.cfg.Repository.Path
	}

	if path == "" {
		path = "."
	}

	a.repo, err = gitlib.OpenRepository(path)
	if err != nil {
		return err
	}

	target := o.target
	if target == "" {
		target = a.cfg.Repository.DefaultBranch
	}

	_, err = a.repo.Resolve(target)
	if err != nil {
		return fmt.Errorf("target %q: %w", target, err)
	}

	err = a.startEngine(engine.NewGitSource(a.repo, target))
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	pr, err := recordRange(ctx, a, o)
	if err != nil {
		return err
	}

	analysis, err := a.engine.AnalyzePR(ctx, pr.ID)
	if err != nil {
		return err
	}

	if o.saveDir != "" {
		basename := fmt.Sprintf("pr-%d-%s", pr.PRNumber, shortSHA(analysis.AnalysedHeadSHA))

		err = persist.NewPersister[domain.PRDetailedAnalysis](persist.NewLZ4Codec()).Save(o.saveDir, basename, analysis)
		if err != nil {
			return fmt.Errorf("save analysis: %w", err)
		}
	}

	return withOutput(cmd, o.output, func(w io.Writer) error {
		return renderAnalysis(w, o.format, analysis, o.showLines)
	})
}

// recordRange opens the pull request described by o, or moves an already
// recorded one to the new head.
func recordRange(ctx context.Context, a *app, o analyzeOptions) (*domain.PullRequest, error) {
	head, err := a.repo.Resolve(o.head)
	if err != nil {
		return nil, fmt.Errorf("head %q: %w", o.head, err)
	}

	payload := map[string]string{pullrequest.PayloadHeadSHA: head.String()}

	if o.base != "" {
		base, err := a.repo.Resolve(o.base)
		if err != nil {
			return nil, fmt.Errorf("base %q: %w", o.base, err)
		}

		payload[pullrequest.PayloadBaseSHA] = base.String()
	}

	info, err := a.repo.Commit(ctx, head)
	if err != nil {
		return nil, err
	}

	repoName, repoURL := repoIdentity(a.cfg.Repository.URL, o.repoName)

	existing, err := a.store.PullRequestByNumber(ctx, repoName, o.number)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		title := o.title
		if title == "" {
			title, _, _ = strings.Cut(info.Message, "\n")
		}

		payload[pullrequest.PayloadTitle] = title

		seed := &domain.PullRequest{Author: info.Author.Name}
		if repoURL != "" {
			seed.URL = repoURL + "/pull/" + strconv.Itoa(o.number)
		}

		return a.engine.ApplyEvent(ctx, repoName, o.number, pullrequest.Event{
			Type:    domain.ChangeOpened,
			At:      info.Author.When.UTC(),
			Payload: payload,
		}, seed)
	case err != nil:
		return nil, err
	case existing.HeadSHA == head.String():
		return existing, nil
	default:
		at := time.Now().UTC()
		if existing.UpdatedAt.After(at) {
			at = existing.UpdatedAt
		}

		return a.engine.ApplyEvent(ctx, repoName, o.number, pullrequest.Event{
			Type:    domain.ChangeSynchronize,
			At:      at,
			Payload: payload,
		}, nil)
	}
}

// repoIdentity derives the repository full name and web URL from the configured
// URL. An explicit name wins over the derived one.
func repoIdentity(rawURL, name string) (string, string) {
	url := strings.TrimSuffix(strings.TrimSuffix(rawURL, "/"), ".git")

	if name == "" {
		parts := strings.Split(url, "/")
		if len(parts) >= 2 && url != "" {
			name = parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
	}

	if name == "" {
		name = localRepoName
	}

	return name, url
}

// withOutput runs render against the --output file, or stdout when unset.
func withOutput(cmd *cobra.Command, output string, render func(io.Writer) error) error {
	if output == "" {
		return render(cmd.OutOrStdout())
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outputPerm)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	err = render(f)
	if err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}
