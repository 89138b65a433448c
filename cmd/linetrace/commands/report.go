package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
	"github.com/Sumatoshi-tech/linetrace/pkg/report"
)

// ErrNoReport is returned when report is run without an id or a definition.
var ErrNoReport = errors.New("a report id or --definition is required")

type reportOptions struct {
	definition string
	dataset    string
	save       bool
	statuses   []string
	format     string
	output     string
}

// dataset is the JSON shape accepted by --dataset.
type dataset struct {
	Students []domain.Student `json:"students"`
	Sprints  []domain.Sprint  `json:"sprints"`
	Tasks    []domain.Task    `json:"tasks"`
}

// NewReportCommand creates the report command.
func NewReportCommand() *cobra.Command {
	var o reportOptions

	cmd := &cobra.Command{
		Use:   "report [id]",
		Short: "Compute a report over the stored tasks",
		Long: `Aggregate tasks into a two-axis matrix described by a report definition,
either stored under id or read from a JSON file with --definition.

Examples:
  linetrace report 3 --statuses DONE,REVIEW
  linetrace report --definition points.json --save
  linetrace report --dataset course.json --definition points.json -f yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, args, o)
		},
	}

	cmd.Flags().StringVar(&o.definition, "definition", "", "JSON report definition file")
	cmd.Flags().StringVar(&o.dataset, "dataset", "", "JSON file of students, sprints and tasks to store first")
	cmd.Flags().BoolVar(&o.save, "save", false, "store the --definition for later use")
	cmd.Flags().StringSliceVar(&o.statuses, "statuses", nil, "task statuses to aggregate (default: all)")
	cmd.Flags().StringVarP(&o.format, "format", "f", FormatTable, "output format: table, json, yaml")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write output to a file instead of stdout")

	return cmd
}

func runReport(cmd *cobra.Command, args []string, o reportOptions) error {
	if len(args) == 0 && o.definition == "" {
		return ErrNoReport
	}

	a, err := openApp(cmd, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.startEngine(nil)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	if o.dataset != "" {
		err = importDataset(cmd, a, o.dataset)
		if err != nil {
			return err
		}
	}

	var result *domain.ReportResult

	if o.definition != "" {
		def, err := loadDefinition(o.definition)
		if err != nil {
			return err
		}

		if o.save {
			err = a.store.SaveReport(ctx, &def)
			if err != nil {
				return err
			}

			a.logger().InfoContext(ctx, "report saved", "report.id", def.ID, "report.name", def.Name)
		}

		result, err = a.engine.ComputeDefinition(ctx, def, o.statuses)
		if err != nil {
			return err
		}
	} else {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid report id %q", args[0])
		}

		result, err = a.engine.ComputeReport(ctx, id, o.statuses)
		if err != nil {
			return err
		}
	}

	return withOutput(cmd, o.output, func(w io.Writer) error {
		return renderReport(w, o.format, result)
	})
}

func loadDefinition(path string) (domain.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Report{}, fmt.Errorf("open report definition: %w", err)
	}
	defer f.Close()

	return report.LoadDefinition(f)
}

func importDataset(cmd *cobra.Command, a *app, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}

	var data dataset

	err = json.Unmarshal(raw, &data)
	if err != nil {
		return fmt.Errorf("decode dataset: %w", err)
	}

	ctx := cmd.Context()

	err = a.store.SaveStudents(ctx, data.Students)
	if err != nil {
		return err
	}

	err = a.store.SaveSprints(ctx, data.Sprints)
	if err != nil {
		return err
	}

	return a.store.SaveTasks(ctx, data.Tasks)
}
