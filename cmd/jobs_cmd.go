package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/progress"
)

var (
	jobsLimit int
	jobsJSON  bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [id]",
	Short: "List recorded import jobs or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		config, err := loadValidatedConfig(func(c *Config) error {
			if c.StatePath == "" {
				return ErrStatePathRequired
			}
			return nil
		})
		if err != nil {
			return err
		}
		store, err := jobs.OpenStore(config.StatePath)
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		defer store.Close()

		if len(args) == 1 {
			return showJob(context.Background(), os.Stdout, store, args[0], jobsJSON)
		}
		return listJobs(context.Background(), os.Stdout, store, jobsLimit, jobsJSON)
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "number of jobs to list")
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "print JSON instead of a table")
}

var (
	jobHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00")).Bold(true)
	jobCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	stateStyles    = map[jobs.State]lipgloss.Style{
		jobs.StateCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		jobs.StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
	}
)

func renderState(s jobs.State) string {
	if st, ok := stateStyles[s]; ok {
		return st.Render(string(s))
	}
	return infoStyle.Render(string(s))
}

func listJobs(ctx context.Context, w io.Writer, repo jobs.Repository, limit int, asJSON bool) error {
	list, err := repo.List(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		if list == nil {
			list = []jobs.Job{}
		}
		return writeIndentedJSON(w, list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No jobs recorded")
		return err
	}

	headers := []string{"ID", "SOURCE", "STATE", "PROGRESS", "STATEMENTS", "DURATION", "CREATED"}
	for i, h := range headers {
		headers[i] = jobHeaderStyle.Render(h)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444"))).
		StyleFunc(func(_, _ int) lipgloss.Style { return jobCellStyle }).
		Headers(headers...)

	for _, j := range list {
		t.Row(
			j.ID,
			j.SourceName,
			renderState(j.State),
			jobProgress(j),
			fmt.Sprintf("%d", j.Statements),
			jobDuration(j),
			j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func showJob(ctx context.Context, w io.Writer, repo jobs.Repository, id string, asJSON bool) error {
	j, err := repo.Get(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return err
	}
	if asJSON {
		return writeIndentedJSON(w, j)
	}

	fields := [][2]string{
		{"ID", j.ID},
		{"Source", j.SourceName},
		{"State", renderState(j.State)},
		{"Backend", j.Backend},
		{"Dump", j.DumpPath},
		{"Progress", jobProgress(*j)},
		{"Statements", fmt.Sprintf("%d", j.Statements)},
		{"Duration", jobDuration(*j)},
		{"Created", j.CreatedAt.Local().Format(time.RFC3339)},
	}
	if j.Error != "" {
		fields = append(fields, [2]string{"Error", fmt.Sprintf("%s (%s)", j.Error, j.ErrorKind)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-11s %s\n", f[0]+":", f[1]); err != nil {
			return err
		}
	}
	return nil
}

func jobProgress(j jobs.Job) string {
	if j.TotalBytes == 0 {
		if j.State == jobs.StateCompleted {
			return "100.0%"
		}
		return "-"
	}
	return fmt.Sprintf("%.1f%% of %s", float64(j.BytesRead)/float64(j.TotalBytes)*100, progress.FormatBytes(j.TotalBytes))
}

func jobDuration(j jobs.Job) string {
	if d := j.Duration(); d > 0 {
		return progress.FormatDuration(d)
	}
	if j.StartedAt != nil && !j.State.Terminal() {
		return progress.FormatDuration(time.Since(*j.StartedAt)) + "+"
	}
	return "-"
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
