// vructl is the operator CLI for the detection service: submit jobs,
// query status and results, cancel, and follow progress streams.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "vructl",
		Short:         "Control the VRU detection service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "service base URL")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newResultCmd(),
		newCancelCmd(),
		newWatchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newSubmitCmd() *cobra.Command {
	var msg entity.SubmitMessage
	var fallback bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a video for detection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Only an explicitly set flag overrides the service's
			// profile default.
			if cmd.Flags().Changed("fallback") {
				msg.FallbackEnabled = &fallback
			}
			body, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			resp, err := http.Post(serverURL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(cmd.OutOrStdout(), resp, http.StatusAccepted)
		},
	}

	cmd.Flags().StringVar(&msg.VideoKey, "video-key", "", "object key of the video (required)")
	cmd.Flags().IntVar(&msg.Stride, "stride", 0, "sample every Nth frame")
	cmd.Flags().IntVar(&msg.MaxSamples, "max-samples", 0, "cap on sampled frames (derives stride)")
	cmd.Flags().Int64Var(&msg.PerFrameTimeoutMS, "per-frame-timeout-ms", 0, "per-frame inference deadline")
	cmd.Flags().Int64Var(&msg.TotalTimeoutMS, "total-timeout-ms", 0, "whole-job time budget")
	cmd.Flags().Float64Var(&msg.ConfidenceThreshold, "confidence", 0, "minimum detection confidence")
	cmd.Flags().StringSliceVar(&msg.TargetClasses, "classes", nil, "object classes to keep")
	cmd.Flags().IntVar(&msg.MaxConcurrency, "concurrency", 0, "parallel frame inferences")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "emit synthetic tracks when nothing is detected")
	_ = cmd.MarkFlagRequired("video-key")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/api/v1/jobs/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(cmd.OutOrStdout(), resp, http.StatusOK)
		},
	}
}

func newResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Fetch a finished job's result document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/api/v1/jobs/" + args[0] + "/result")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(cmd.OutOrStdout(), resp, http.StatusOK)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cooperative cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(serverURL+"/api/v1/jobs/"+args[0]+"/cancel", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(cmd.OutOrStdout(), resp, http.StatusAccepted)
		},
	}
}

func newWatchCmd() *cobra.Command {
	var fromSeq uint64

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.OutOrStdout(), args[0], fromSeq)
		},
	}
	cmd.Flags().Uint64Var(&fromSeq, "from-seq", 0, "resume from this sequence number")
	return cmd
}

// watch streams server-sent events and reconnects from the last seen
// sequence number when the stream drops mid-job.
func watch(out io.Writer, jobID string, fromSeq uint64) error {
	lastSeq := fromSeq
	for {
		terminal, err := streamOnce(out, jobID, &lastSeq)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func streamOnce(out io.Writer, jobID string, lastSeq *uint64) (terminal bool, err error) {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/api/v1/jobs/"+jobID+"/events", nil)
	if err != nil {
		return false, err
	}
	if *lastSeq > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprint(*lastSeq))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("events stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev entity.ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Seq <= *lastSeq {
			continue
		}
		*lastSeq = ev.Seq
		fmt.Fprintf(out, "%s seq=%d state=%s processed=%d/%d detections=%d\n",
			ev.Timestamp.Format(time.RFC3339), ev.Seq, ev.State,
			ev.Counters.FramesProcessed, ev.Counters.FramesTotal,
			ev.Counters.DetectionsFound,
		)
		if ev.State.Terminal() {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// printResponse pretty-prints the JSON body; unexpected statuses become
// errors carrying the server's error envelope.
func printResponse(out io.Writer, resp *http.Response, want int) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Fprintln(out, strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}
