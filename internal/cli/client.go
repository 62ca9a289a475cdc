package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gpusched/pkg/types"
)

const defaultServer = "http://localhost:8080"

// client talks to a running gpusched server.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

// apiError is a non-2xx reply.
type apiError struct {
	Status int
	Body   types.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Kind != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Body.Kind, e.Body.Error)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body.Error)
}

// do sends in as JSON (when non-nil) and decodes the reply into out.
// Conflict replies that still carry a body (cancel of a finished task) are
// decoded as well as returned as errors.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}
	apiErr := &apiError{Status: resp.StatusCode}
	if json.Unmarshal(data, &apiErr.Body) != nil || apiErr.Body.Error == "" {
		apiErr.Body.Error = strings.TrimSpace(string(data))
	}
	if resp.StatusCode == http.StatusConflict && out != nil {
		_ = json.Unmarshal(data, out)
	}
	return apiErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// addServerFlag registers --server and returns a getter for the client.
func addServerFlag(cmd *cobra.Command) func() *client {
	var server string
	cmd.Flags().StringVar(&server, "server", defaultServer, "gpusched server URL")
	return func() *client { return newClient(server) }
}

func newSubmitCmd() *cobra.Command {
	var (
		in       types.SubmitRequest
		priority int
		duration time.Duration
		payload  string
	)
	cmd := &cobra.Command{
		Use:     "submit",
		Short:   "Submit a task",
		Example: "  gpusched submit --memory-mb 4000 --duration 30s --priority 2",
		Args:    cobra.NoArgs,
	}
	cl := addServerFlag(cmd)
	cmd.Flags().StringVar(&in.TaskID, "id", "", "Task id (generated when empty)")
	cmd.Flags().Int64Var(&in.MemoryMB, "memory-mb", 0, "Device memory required, in MB")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Expected run time")
	cmd.Flags().IntVar(&priority, "priority", 5, "Priority in [0,10]; lower is more urgent")
	cmd.Flags().StringVar(&in.CallbackURL, "callback", "", "URL notified when the task finishes")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object forwarded to the executor")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("priority") {
			in.Priority = &priority
		}
		in.ExpectedDurationSec = duration.Seconds()
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &in.Payload); err != nil {
				return fmt.Errorf("--payload: %w", err)
			}
		}
		var out types.SubmitResponse
		if err := cl().do(cmd.Context(), http.MethodPost, "/v1/tasks", in, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
	return cmd
}

func newStatusCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show a task, or list tasks when no id is given",
		Args:  cobra.MaximumNArgs(1),
	}
	cl := addServerFlag(cmd)
	cmd.Flags().StringVar(&filter, "status", "", "List filter: pending, queued, running, completed, failed or cancelled")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var out types.TaskStatusResponse
			if err := cl().do(cmd.Context(), http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		}
		path := "/v1/tasks"
		if filter != "" {
			path += "?status=" + url.QueryEscape(filter)
		}
		var out types.TaskListResponse
		if err := cl().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
	}
	cl := addServerFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var out types.CancelResponse
		err := cl().do(cmd.Context(), http.MethodDelete, "/v1/tasks/"+url.PathEscape(args[0]), nil, &out)
		if out.TaskID != "" {
			if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
				return perr
			}
		}
		return err
	}
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show scheduler statistics",
		Args:  cobra.NoArgs,
	}
	cl := addServerFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var out types.StatsResponse
		if err := cl().do(cmd.Context(), http.MethodGet, "/v1/stats", nil, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
	return cmd
}

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices [device-id]",
		Short: "List devices, or show one",
		Args:  cobra.MaximumNArgs(1),
	}
	cl := addServerFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var out types.DeviceStatus
			if err := cl().do(cmd.Context(), http.MethodGet, "/v1/devices/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		}
		var out types.DevicesResponse
		if err := cl().do(cmd.Context(), http.MethodGet, "/v1/devices", nil, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
	return cmd
}
