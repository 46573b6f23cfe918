package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lperanavan/videoediting/internal/api"
	"github.com/lperanavan/videoediting/internal/config"
)

// apiClient talks to a running daemon over its loopback API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Port()),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var (
	submitBackend  string
	submitPriority int
	submitTapeType string
	submitPreset   string
	submitQuality  int
	submitScale    float64
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a video file for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := map[string]any{}
		if submitTapeType != "" {
			params["tape_type"] = submitTapeType
		}
		if submitPreset != "" {
			params["preset"] = submitPreset
		}
		if submitQuality > 0 {
			params["quality"] = submitQuality
		}
		if submitScale > 0 {
			params["scale"] = submitScale
		}
		var rawParams json.RawMessage
		if len(params) > 0 {
			rawParams, _ = json.Marshal(params)
		}

		var resp api.SubmitJobResponse
		err = client.do(http.MethodPost, "/jobs", api.SubmitJobRequest{
			SourceFile: source,
			Backend:    submitBackend,
			Priority:   submitPriority,
			Params:     rawParams,
		}, &resp)
		if err != nil {
			return err
		}

		fmt.Printf("job %s enqueued\n", resp.JobID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp api.StatusResponse
		if err := client.do(http.MethodGet, "/status", nil, &resp); err != nil {
			return err
		}

		fmt.Printf("state:        %s\n", resp.State)
		fmt.Printf("active slots: %d\n", resp.ActiveSlots)
		fmt.Printf("pending:      %d\n", resp.Counts.Pending)
		fmt.Printf("running:      %d\n", resp.Counts.Running)
		fmt.Printf("retrying:     %d\n", resp.Counts.Retrying)
		fmt.Printf("succeeded:    %d\n", resp.Counts.Succeeded)
		fmt.Printf("failed:       %d\n", resp.Counts.Failed)
		fmt.Printf("upload_failed: %d\n", resp.Counts.UploadFailed)
		if env := resp.Environment; env != nil {
			fmt.Printf("environment:  virtualized=%v concurrency=%d latency=%dms accel=%v\n",
				env.Virtualized, env.MaxConcurrent, env.LatencyMs, env.Acceleration)
		}
		return nil
	},
}

var jobsStatusFilter string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/jobs"
		if jobsStatusFilter != "" {
			path += "?status=" + jobsStatusFilter
		}

		var resp api.JobsResponse
		if err := client.do(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBACKEND\tSTATUS\tPRIORITY\tATTEMPTS\tFILE")
		for _, j := range resp.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				j.ID[:8], j.Backend, j.Status, j.Priority, j.Attempts, filepath.Base(j.SourceFile))
		}
		return w.Flush()
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause job dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.do(http.MethodPost, "/pause", nil, nil); err != nil {
			return err
		}
		fmt.Println("dispatch paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume job dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.do(http.MethodPost, "/resume", nil, nil); err != nil {
			return err
		}
		fmt.Println("dispatch resumed")
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitBackend, "backend", "b", "transcoder",
		"backend to process with (transcoder, editor, upscaler)")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0,
		"priority 1-10, lower runs sooner (default 5)")
	submitCmd.Flags().StringVar(&submitTapeType, "tape-type", "",
		"source tape type (VHS, BETAMAX, HI8, MINIDV, DIGITAL8, SUPER8)")
	submitCmd.Flags().StringVar(&submitPreset, "preset", "",
		"editor preset name, defaults per tape type")
	submitCmd.Flags().IntVar(&submitQuality, "quality", 0,
		"transcoder CRF quality (default 18)")
	submitCmd.Flags().Float64Var(&submitScale, "scale", 0,
		"upscaler scale factor (default 2.0)")

	jobsCmd.Flags().StringVar(&jobsStatusFilter, "status", "", "filter by status")
}
