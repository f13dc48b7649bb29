package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"marketwatch/internal/api"
	"marketwatch/internal/dedup"
	"marketwatch/internal/filter"
	"marketwatch/internal/recovery"
	"marketwatch/internal/scheduler"
)

var statusPort int

// statusCmd shows the running server's session status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running server's session status",
	RunE:  showStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusPort, "port", "p", 0, "Server port (default: read from the port file)")
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(22)
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// statusReport is the /status body.
type statusReport struct {
	Success           bool                          `json:"success"`
	Status            recovery.Status               `json:"status"`
	Filters           filter.State                  `json:"filters"`
	Port              int                           `json:"port"`
	Dedup             *dedup.Stats                  `json:"dedup,omitempty"`
	ImageCacheEntries int                           `json:"imageCacheEntries"`
	Jobs              map[string]scheduler.JobStats `json:"jobs,omitempty"`
}

func showStatus(cmd *cobra.Command, args []string) error {
	port := statusPort
	if port == 0 {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		port, err = api.ReadPortFile(cfg.PortFilePath())
		if err != nil {
			return fmt.Errorf("server not running? %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	report, err := fetchStatus(ctx, fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(report))
	return nil
}

func fetchStatus(ctx context.Context, url string) (*statusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query status: HTTP %d", resp.StatusCode)
	}
	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, nil
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func yesNo(v bool) string {
	if v {
		return goodStyle.Render("yes")
	}
	return warnStyle.Render("no")
}

func stageText(st recovery.Stage) string {
	switch st {
	case recovery.StageRunning:
		return goodStyle.Render(string(st))
	case recovery.StageFatal:
		return badStyle.Render(string(st))
	default:
		return warnStyle.Render(string(st))
	}
}

func renderStatus(r *statusReport) string {
	st := r.Status
	rows := []string{
		titleStyle.Render("marketwatch"),
		row("Stage", stageText(st.Stage)),
		row("Active", yesNo(st.Active)),
		row("Logged in", yesNo(st.LoggedIn)),
		row("Generation", fmt.Sprintf("%d (%d launches)", st.Generation, st.Launches)),
		row("Port", fmt.Sprintf("%d", r.Port)),
	}
	if st.RestartingSoon {
		rows = append(rows, row("Restart", warnStyle.Render("scheduled restart pending")))
	}
	if st.LastRecoveryAt != nil {
		rows = append(rows, row("Last recovery", st.LastRecoveryAt.Local().Format(time.DateTime)))
	}
	if st.LastError != "" {
		rows = append(rows, row("Last error", badStyle.Render(st.LastError)))
	}

	rows = append(rows, "", titleStyle.Render("Filters"))
	rows = append(rows, filterRows(r.Filters, st.YearFilterAppliedServerSide)...)

	if r.Dedup != nil {
		rows = append(rows, "", titleStyle.Render("Caches"),
			row("Seen (global)", fmt.Sprintf("%d", r.Dedup.Global)),
			row("Seen (session)", fmt.Sprintf("%d", r.Dedup.Session)),
			row("Seen (durable)", fmt.Sprintf("%d", r.Dedup.Durable)),
			row("Images", fmt.Sprintf("%d", r.ImageCacheEntries)),
		)
	}

	if len(r.Jobs) > 0 {
		rows = append(rows, "", titleStyle.Render("Jobs"))
		names := make([]string, 0, len(r.Jobs))
		for name := range r.Jobs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			j := r.Jobs[name]
			value := fmt.Sprintf("%d runs", j.Runs)
			if j.Failures > 0 {
				value += badStyle.Render(fmt.Sprintf(", %d failed", j.Failures))
			}
			rows = append(rows, row(name, value))
		}
	}
	return boxStyle.Render(strings.Join(rows, "\n"))
}

func filterRows(f filter.State, yearServerSide bool) []string {
	var rows []string
	add := func(label, value string) {
		if value != "" {
			rows = append(rows, row(label, value))
		}
	}
	add("Search", f.SearchQuery)
	add("Category", f.SelectedCategory)
	if f.HasLocation() {
		add("Location", fmt.Sprintf("%s (%d km)", f.LocationCity, f.RadiusKm))
	}
	if f.HasPrice() {
		add("Price", bounds(f.MinPrice, f.MaxPrice))
	}
	if f.HasYear() {
		mode := "client-side"
		if yearServerSide {
			mode = "on site"
		}
		add("Year", fmt.Sprintf("%s (%s)", bounds(f.MinYear, f.MaxYear), mode))
	}
	if f.MaxAgeMinutes != nil {
		add("Max age", fmt.Sprintf("%d min", *f.MaxAgeMinutes))
	}
	if len(rows) == 0 {
		rows = append(rows, labelStyle.Render("none"))
	}
	return rows
}

func bounds(min, max *int) string {
	lo, hi := "any", "any"
	if min != nil {
		lo = fmt.Sprintf("%d", *min)
	}
	if max != nil {
		hi = fmt.Sprintf("%d", *max)
	}
	return lo + " - " + hi
}
