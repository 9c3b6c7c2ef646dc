package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/panopticon/internal/config"
)

var (
	statusAddr string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agents and specialists from a running engine",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Engine address (default from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func styleHealth(h string) string {
	switch h {
	case "healthy":
		return okStyle.Render(h)
	case "stale", "warning", "suspended":
		return warnStyle.Render(h)
	case "stuck", "dead":
		return badStyle.Render(h)
	default:
		return dimStyle.Render(h)
	}
}

type statusAgent struct {
	ID               string `json:"id"`
	Issue            string `json:"issue"`
	Model            string `json:"model"`
	Health           string `json:"health"`
	Running          bool   `json:"running"`
	DurationSec      int64  `json:"durationSec"`
	CurrentTool      string `json:"currentTool"`
	PendingQuestions bool   `json:"pendingQuestions"`
}

type statusSpecialist struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	CurrentIssue string `json:"currentIssue"`
	QueueDepth   int    `json:"queueDepth"`
}

func engineAddr() string {
	if statusAddr != "" {
		return statusAddr
	}
	cfg, err := config.Load(config.Root())
	if err != nil {
		return "127.0.0.1:7777"
	}
	return cfg.ListenAddr
}

func fetch(path string, v any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + engineAddr() + path)
	if err != nil {
		return fmt.Errorf("engine not reachable at %s: %w", engineAddr(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var agents []statusAgent
	if err := fetch("/agents", &agents); err != nil {
		return err
	}
	var specialists []statusSpecialist
	if err := fetch("/specialists", &specialists); err != nil {
		return err
	}

	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"agents":      agents,
			"specialists": specialists,
		})
	}

	fmt.Println(headerStyle.Render("AGENTS"))
	if len(agents) == 0 {
		fmt.Println(dimStyle.Render("  none"))
	}
	for _, a := range agents {
		dur := (time.Duration(a.DurationSec) * time.Second).Truncate(time.Second)
		line := fmt.Sprintf("  %-22s %-10s %-8s %s", a.ID, a.Issue, dur, styleHealth(a.Health))
		if a.CurrentTool != "" {
			line += dimStyle.Render("  " + a.CurrentTool)
		}
		if a.PendingQuestions {
			line += warnStyle.Render("  ?")
		}
		fmt.Println(line)
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("SPECIALISTS"))
	for _, s := range specialists {
		state := s.State
		if state == "" {
			state = "idle"
		}
		line := fmt.Sprintf("  %-14s %-10s", s.Name, state)
		if s.CurrentIssue != "" {
			line += fmt.Sprintf(" on %s", s.CurrentIssue)
		}
		if s.QueueDepth > 0 {
			line += dimStyle.Render(fmt.Sprintf("  (%d queued)", s.QueueDepth))
		}
		fmt.Println(line)
	}
	return nil
}
