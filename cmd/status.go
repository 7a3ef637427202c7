package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("86")).
				Background(lipgloss.Color("235")).
				Padding(0, 1).
				Margin(0, 0, 1, 0)

	statusHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("214")).
				Margin(1, 0, 1, 0)

	statusMetaStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Italic(true)

	statusOKStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("32"))

	statusFailStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("196"))
)

// StatusCommand creates the status command: it polls a running instance's
// discovery endpoint and renders a styled summary. Read-only; does not
// affect wire or service behavior.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the status of a running Sync Bridge instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Discovery endpoint host",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:     "discovery-port",
				Usage:    "Discovery endpoint port",
				Required: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return showStatus(ctx, c.String("host"), c.Int("discovery-port"))
		},
	}
}

type discoverInfo struct {
	Name         string   `json:"name"`
	WebsocketURL string   `json:"websocket_url"`
	Version      string   `json:"version"`
	Platform     string   `json:"platform"`
	App          string   `json:"app"`
	Capabilities []string `json:"capabilities"`
}

type healthInfo struct {
	Status        string  `json:"status"`
	Timestamp     int64   `json:"timestamp"`
	Service       string  `json:"service"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func showStatus(ctx context.Context, host string, discoveryPort int) error {
	base := fmt.Sprintf("http://%s:%d", host, discoveryPort)
	client := &http.Client{Timeout: 5 * time.Second}

	var discover discoverInfo
	if err := fetchJSON(ctx, client, base+"/discover", &discover); err != nil {
		fmt.Println(statusTitleStyle.Render("Sync Bridge Status"))
		fmt.Println(statusFailStyle.Render(fmt.Sprintf("unreachable at %s: %v", base, err)))
		return nil
	}

	var health healthInfo
	healthErr := fetchJSON(ctx, client, base+"/health", &health)

	fmt.Println(statusTitleStyle.Render(fmt.Sprintf("Sync Bridge Status - %s", discover.Name)))

	fmt.Println(statusHeaderStyle.Render("Service"))
	fmt.Printf("  App:       %s\n", discover.App)
	fmt.Printf("  Version:   %s\n", discover.Version)
	fmt.Printf("  Platform:  %s\n", cases.Title(language.English).String(discover.Platform))
	fmt.Printf("  WebSocket: %s\n", discover.WebsocketURL)

	fmt.Println(statusHeaderStyle.Render("Capabilities"))
	for _, capability := range discover.Capabilities {
		fmt.Printf("  - %s\n", capability)
	}

	fmt.Println(statusHeaderStyle.Render("Health"))
	if healthErr != nil {
		fmt.Println(statusFailStyle.Render(fmt.Sprintf("  health check failed: %v", healthErr)))
	} else {
		statusLine := statusOKStyle.Render(health.Status)
		if health.Status != "healthy" {
			statusLine = statusFailStyle.Render(health.Status)
		}
		fmt.Printf("  Status: %s\n", statusLine)
		fmt.Printf("  Uptime: %s\n", formatUptime(health.UptimeSeconds))
		fmt.Println(statusMetaStyle.Render(fmt.Sprintf("  checked at %s", time.UnixMilli(health.Timestamp).Format(time.RFC3339))))
	}

	return nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
