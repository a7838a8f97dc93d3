// ABOUTME: Operator CLI for relay-gateway session and approval management
// ABOUTME: Talks to the gateway HTTP API with bearer-token authentication

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
           _                           _           _
  _ __ ___| | __ _ _   _        __ _ __| |_ __ ___ (_)_ __
 | '__/ _ \ |/ _' | | | |_____ / _' / _' | '_ ' _ \| | '_ \
 | | |  __/ | (_| | |_| |_____| (_| \__,_| | | | | | | | | |
 |_|  \___|_|\__,_|\__, |      \__,_|___,_|_| |_| |_|_|_| |_|
                   |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("RELAY_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   os.Getenv("RELAY_TOKEN"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}

	ctx := context.Background()
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "sessions":
		err = cmdSessions(ctx, client, args)
	case "approve":
		err = cmdApprove(ctx, client, args)
	case "pair":
		err = cmdPair(ctx, client, args)
	case "delete":
		err = cmdDelete(ctx, client, args)
	case "audit":
		err = cmdAudit(ctx, client, args)
	case "usage":
		err = cmdUsage(ctx, client, args)
	case "send":
		err = cmdSend(ctx, client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: relay-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  sessions                     List sessions and pairing status")
	fmt.Println("  pair <session-id> <code>     Approve a session with its pairing code")
	fmt.Println("  approve <session-id>         Approve a session without a code (operator bypass)")
	fmt.Println("  delete <session-id>          Remove a session")
	fmt.Println("  audit [session-id]           Show approval audit events, newest first")
	fmt.Println("  usage [session-id]           Show worker call statistics")
	fmt.Println("  send <text>                  Send a test message through the gateway")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  RELAY_GATEWAY_URL   Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  RELAY_TOKEN         API token, required when the gateway has auth enabled")
	fmt.Println()
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// do performs one API call and decodes the JSON answer into out (when non-nil).
func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("gateway: %s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type sessionView struct {
	ID           string    `json:"id"`
	ChannelType  string    `json:"channel_type"`
	ChatID       string    `json:"chat_id"`
	UserName     string    `json:"user_name"`
	Paired       bool      `json:"paired"`
	PairingCode  string    `json:"pairing_code"`
	LastActivity time.Time `json:"last_activity"`
}

func cmdSessions(ctx context.Context, client *apiClient, _ []string) error {
	var result struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := client.do(ctx, http.MethodGet, "/api/sessions", nil, &result); err != nil {
		return err
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCHANNEL\tCHAT\tUSER\tPAIRED\tCODE\tLAST ACTIVITY")
	for _, s := range result.Sessions {
		paired := color.GreenString("yes")
		if !s.Paired {
			paired = color.YellowString("no")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.ChannelType, s.ChatID, s.UserName,
			paired, s.PairingCode, s.LastActivity.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func cmdPair(ctx context.Context, client *apiClient, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: relay-admin pair <session-id> <code>")
	}
	path := "/api/sessions/" + url.PathEscape(args[0]) + "/approve"
	if err := client.do(ctx, http.MethodPost, path, map[string]string{"code": args[1]}, nil); err != nil {
		return err
	}
	color.Green("Session %s paired.\n", args[0])
	return nil
}

func cmdApprove(ctx context.Context, client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: relay-admin approve <session-id>")
	}
	path := "/api/sessions/" + url.PathEscape(args[0]) + "/approve"
	if err := client.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	color.Green("Session %s approved.\n", args[0])
	return nil
}

func cmdDelete(ctx context.Context, client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: relay-admin delete <session-id>")
	}
	path := "/api/sessions/" + url.PathEscape(args[0])
	if err := client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	color.Green("Session %s deleted.\n", args[0])
	return nil
}

type auditEventView struct {
	Type      string `json:"Type"`
	SessionID string `json:"SessionID"`
	UserID    string `json:"UserID"`
	Decision  string `json:"Decision"`
	Actions   []struct {
		ToolName    string `json:"tool_name"`
		Description string `json:"description"`
	} `json:"Actions"`
	Timestamp time.Time `json:"Timestamp"`
}

func cmdAudit(ctx context.Context, client *apiClient, args []string) error {
	path := "/api/audit"
	if len(args) > 0 {
		path += "?session_id=" + url.QueryEscape(args[0])
	}

	var result struct {
		Events []auditEventView `json:"events"`
	}
	if err := client.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return err
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSESSION\tDECISION\tACTIONS")
	for _, e := range result.Events {
		tools := make([]string, 0, len(e.Actions))
		for _, a := range e.Actions {
			tools = append(tools, a.ToolName)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			colorEventType(e.Type), e.SessionID, e.Decision, strings.Join(tools, ","))
	}
	return w.Flush()
}

func colorEventType(t string) string {
	switch t {
	case "approval_granted":
		return color.GreenString(t)
	case "approval_denied":
		return color.RedString(t)
	case "approval_timeout":
		return color.YellowString(t)
	default:
		return t
	}
}

func cmdUsage(ctx context.Context, client *apiClient, args []string) error {
	path := "/api/usage"
	if len(args) > 0 {
		path += "?session_id=" + url.QueryEscape(args[0])
	}

	var stats struct {
		TotalInputTokens  int64 `json:"total_input_tokens"`
		TotalOutputTokens int64 `json:"total_output_tokens"`
		TotalTokens       int64 `json:"total_tokens"`
		CallCount         int64 `json:"call_count"`
		FailureCount      int64 `json:"failure_count"`
	}
	if err := client.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return err
	}

	fmt.Printf("Worker calls:   %d (%d failed)\n", stats.CallCount, stats.FailureCount)
	fmt.Printf("Input tokens:   %d\n", stats.TotalInputTokens)
	fmt.Printf("Output tokens:  %d\n", stats.TotalOutputTokens)
	fmt.Printf("Total tokens:   %d\n", stats.TotalTokens)
	return nil
}

// cmdSend drives the legacy message endpoint, useful for smoke-testing a
// deployment without a channel adapter. RELAY_SESSION pins the session.
func cmdSend(ctx context.Context, client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: relay-admin send <text>")
	}

	payload := map[string]any{"text": strings.Join(args, " ")}
	if sid := os.Getenv("RELAY_SESSION"); sid != "" {
		payload["session_id"] = sid
	}

	var result struct {
		OK              bool   `json:"ok"`
		SessionID       string `json:"session_id"`
		Text            string `json:"text"`
		Error           string `json:"error"`
		PairingRequired bool   `json:"pairingRequired"`
		PairingCode     string `json:"pairingCode"`
		ApprovalPending bool   `json:"approvalPending"`
	}
	if err := client.do(ctx, http.MethodPost, "/api/message", payload, &result); err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("session: %s\n", result.SessionID)

	switch {
	case !result.OK:
		color.Red("%s\n", result.Error)
	case result.PairingRequired:
		color.Yellow("Pairing required. Code: %s\n", result.PairingCode)
		fmt.Println("Find the session with: relay-admin sessions, then: relay-admin pair <session-id> <code>")
	case result.ApprovalPending:
		color.Yellow("%s\n", result.Text)
	default:
		fmt.Println(result.Text)
	}
	return nil
}
