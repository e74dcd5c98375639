package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/conductor/internal/queue"
)

func newStatusCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running conductor's queue and session counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, raw, err := fetchStatus(cmd, addr)
			if err != nil {
				return err
			}
			if asJSON {
				_, err = cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			}
			return writeStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8321", "base URL of the conductor HTTP API")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func fetchStatus(cmd *cobra.Command, addr string) (queue.Status, []byte, error) {
	var st queue.Status

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/v1/status", nil)
	if err != nil {
		return st, nil, fmt.Errorf("build status request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return st, nil, fmt.Errorf("fetch status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return st, nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return st, nil, fmt.Errorf("status request failed: %s: %s", resp.Status, raw)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, nil, fmt.Errorf("decode status: %w", err)
	}
	return st, raw, nil
}

func writeStatus(w io.Writer, st queue.Status) error {
	_, err := fmt.Fprintf(w,
		"active sessions: %d\npending buffers: %d\nqueue depth:     %d\nin flight:       %d\nlanes:           %d (%d queued units)\ntasks:           %d\n",
		st.ActiveSessions, st.PendingBuffers, st.QueueDepth, st.InFlight, st.Lanes, st.QueuedUnits, st.Tasks)
	return err
}
