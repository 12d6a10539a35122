package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pullci/internal/security"
	"pullci/internal/source"
)

func submitCmd() *cobra.Command {
	var (
		serverURL   string
		githubEvent string
		secret      string
	)
	cmd := &cobra.Command{
		Use:   "submit <event.json>",
		Short: "Post an event to a running server",
		Long: "Posts {\"kind\",\"metadata\"} to /events, or, with --github-event, a raw\n" +
			"GitHub webhook payload to /webhooks/github signed with --secret.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}

			url := strings.TrimSuffix(serverURL, "/")
			var req *http.Request
			if githubEvent == "" {
				if _, err := source.DecodeEvent(data); err != nil {
					return err
				}
				req, err = http.NewRequestWithContext(cmd.Context(), http.MethodPost, url+"/events", bytes.NewReader(data))
				if err != nil {
					return err
				}
			} else {
				req, err = http.NewRequestWithContext(cmd.Context(), http.MethodPost, url+"/webhooks/github", bytes.NewReader(data))
				if err != nil {
					return err
				}
				req.Header.Set("X-GitHub-Event", githubEvent)
				if secret != "" {
					req.Header.Set("X-Hub-Signature-256", security.GitHubSignature(secret, data))
				}
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 30 * time.Minute}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("send event: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			out := cmd.OutOrStdout()
			switch {
			case resp.StatusCode == http.StatusNoContent:
				fmt.Fprintln(out, "no pipeline matched")
			case resp.StatusCode >= 300:
				return fmt.Errorf("server responded %s: %s", resp.Status, strings.TrimSpace(string(body)))
			default:
				fmt.Fprintln(out, strings.TrimSpace(string(body)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&githubEvent, "github-event", "", "Send as a GitHub webhook of this type (pull_request, push)")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("PULLCI_GITHUB_SECRET"), "Webhook secret used to sign GitHub payloads")
	return cmd
}
