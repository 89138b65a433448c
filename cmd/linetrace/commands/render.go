package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
	FormatPlot  = "plot"
)

const (
	rateGood      = 70
	rateFair      = 40
	shortSHALen   = 8
	maxContentLen = 80
	chartHeight   = "600px"
)

// ErrUnknownFormat is returned for an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown output format")

// renderAnalysis writes a pull request analysis in the given format.
func renderAnalysis(w io.Writer, format string, analysis *domain.PRDetailedAnalysis, showLines bool) error {
	switch format {
	case FormatTable:
		return analysisTable(w, analysis, showLines)
	case FormatJSON:
		return writeJSON(w, analysis)
	case FormatYAML:
		return writeYAML(w, analysis)
	case FormatPlot:
		return survivalChart(analysis).Render(w)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// renderReport writes a computed report in the given format.
func renderReport(w io.Writer, format string, result *domain.ReportResult) error {
	switch format {
	case FormatTable:
		return reportTable(w, result)
	case FormatJSON:
		return writeJSON(w, result)
	case FormatYAML:
		return writeYAML(w, result)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// writeYAML renders v with its JSON field names.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var doc any

	err = json.Unmarshal(raw, &doc)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()

	enc.SetIndent(2)

	return enc.Encode(doc)
}

func colorRate(rate int) string {
	c := color.New(color.FgRed)

	switch {
	case rate >= rateGood:
		c = color.New(color.FgGreen)
	case rate >= rateFair:
		c = color.New(color.FgYellow)
	}

	return c.Sprintf("%d%%", rate)
}

func shortSHA(sha string) string {
	if len(sha) > shortSHALen {
		return sha[:shortSHALen]
	}

	return sha
}

func analysisTable(w io.Writer, a *domain.PRDetailedAnalysis, showLines bool) error {
	bold := color.New(color.Bold)

	header := fmt.Sprintf("#%d %s", a.PRNumber, a.Title)
	if a.RepoFullName != "" {
		header = a.RepoFullName + " " + header
	}

	fmt.Fprintln(w, bold.Sprint(header))
	fmt.Fprintf(w, "state %s, analysed at %s\n", a.State, shortSHA(a.AnalysedHeadSHA))
	fmt.Fprintf(w, "survival %s: %s of %s added lines remain\n",
		colorRate(a.SurvivalRate), humanize.Comma(int64(a.SurvivingLines)), humanize.Comma(int64(a.Additions)))

	if a.AnalysisIncomplete {
		fmt.Fprintln(w, color.New(color.FgYellow).Sprint("analysis incomplete: some file contents were unavailable"))
	}

	files := table.NewWriter()
	files.SetStyle(table.StyleLight)
	files.AppendHeader(table.Row{"File", "Status", "Added", "Surviving", "Rate", "Notes"})

	for _, f := range a.Files {
		files.AppendRow(table.Row{
			f.Path, f.Status, humanize.Comma(int64(f.Additions)), humanize.Comma(int64(f.SurvivingLines)),
			colorRate(f.SurvivalRate), fileNotes(f),
		})
	}

	files.AppendFooter(table.Row{"Total", "", humanize.Comma(int64(a.Additions)), humanize.Comma(int64(a.SurvivingLines)),
		colorRate(a.SurvivalRate), ""})

	fmt.Fprintln(w, files.Render())

	if !showLines {
		return nil
	}

	for _, f := range a.Files {
		if len(f.Lines) == 0 {
			continue
		}

		lines := table.NewWriter()
		lines.SetStyle(table.StyleLight)
		lines.SetTitle(f.Path)
		lines.AppendHeader(table.Row{"Line", "Status", "Author", "Commit", "Origin", "Content"})

		for _, l := range f.Lines {
			lines.AppendRow(table.Row{lineNumber(l), l.Status, lineAuthor(l), shortSHA(l.CommitSHA), origin(l), clip(l.Content)})
		}

		fmt.Fprintln(w, lines.Render())
	}

	return nil
}

func fileNotes(f domain.PRFileDetail) string {
	switch {
	case f.Error != "":
		return f.Error
	case f.AnalysisIncomplete:
		return "incomplete"
	case f.Binary:
		return "binary"
	case f.Truncated:
		return "truncated"
	case f.PreviousPath != "":
		return "from " + f.PreviousPath
	default:
		return ""
	}
}

func lineNumber(l domain.LineDetail) string {
	if l.LineNumber == nil {
		return "-"
	}

	return strconv.Itoa(*l.LineNumber)
}

func lineAuthor(l domain.LineDetail) string {
	if l.AuthorGithubUsername != "" {
		return "@" + l.AuthorGithubUsername
	}

	return l.AuthorFullName
}

func origin(l domain.LineDetail) string {
	if l.OriginPRNumber == 0 {
		return ""
	}

	return "#" + strconv.Itoa(l.OriginPRNumber)
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxContentLen {
		return s
	}

	return string(r[:maxContentLen-1]) + "…"
}

// survivalChart draws surviving and deleted lines per file as stacked bars.
func survivalChart(a *domain.PRDetailedAnalysis) *charts.Bar {
	labels := make([]string, 0, len(a.Files))
	surviving := make([]opts.BarData, 0, len(a.Files))
	deleted := make([]opts.BarData, 0, len(a.Files))

	for _, f := range a.Files {
		labels = append(labels, f.Path)
		surviving = append(surviving, opts.BarData{Value: f.SurvivingLines})
		deleted = append(deleted, opts.BarData{Value: max(f.Additions-f.SurvivingLines, 0)})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("linetrace #%d", a.PRNumber),
			Width:     "100%",
			Height:    chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("#%d %s", a.PRNumber, a.Title),
			Subtitle: fmt.Sprintf("%d%% of %d added lines survive at %s", a.SurvivalRate, a.Additions, shortSHA(a.AnalysedHeadSHA)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: labels}),
		charts.WithGridOpts(opts.Grid{Left: "25%", Right: "5%"}),
	)

	bar.AddSeries("Surviving", surviving,
		charts.WithBarChartOpts(opts.BarChart{Stack: "lines"}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#4caf50"}),
	)
	bar.AddSeries("Deleted", deleted,
		charts.WithBarChartOpts(opts.BarChart{Stack: "lines"}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#e57373"}),
	)

	return bar
}

func reportTable(w io.Writer, r *domain.ReportResult) error {
	fmt.Fprintln(w, color.New(color.Bold).Sprint(r.Report.Name))

	if r.Truncated {
		fmt.Fprintln(w, color.New(color.FgYellow).Sprint("result truncated: aggregation timed out"))
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)

	header := table.Row{""}
	for _, col := range r.ColumnHeaders {
		header = append(header, col.Name)
	}

	t.AppendHeader(append(header, "Total"))

	for _, row := range r.RowHeaders {
		cells := table.Row{row.Name}
		for _, col := range r.ColumnHeaders {
			cells = append(cells, humanize.Comma(r.Data[domain.CellKey(row.ID, col.ID)]))
		}

		t.AppendRow(append(cells, humanize.Comma(r.RowTotals[row.ID])))
	}

	footer := table.Row{"Total"}
	for _, col := range r.ColumnHeaders {
		footer = append(footer, humanize.Comma(r.ColumnTotals[col.ID]))
	}

	t.AppendFooter(append(footer, humanize.Comma(r.GrandTotal)))

	fmt.Fprintln(w, t.Render())

	return nil
}
