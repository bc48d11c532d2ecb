package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/veneer"
	"pkt.systems/veneer/internal/intercept"
)

func newProbeCommand(c *cli) *cobra.Command {
	var (
		method  string
		count   int
		timeout time.Duration
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Send requests through the interceptor and report what came back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if count < 1 {
				return fmt.Errorf("--count must be >= 1")
			}
			target := args[0]
			if !strings.Contains(target, "://") {
				target = "http://" + target
			}
			cfg, logger, err := c.setup()
			if err != nil {
				return err
			}
			v, err := veneer.New(cmd.Context(), cfg, veneer.WithLogger(logger))
			if err != nil {
				return err
			}
			defer v.Close()

			client := v.HTTPClient()
			client.Timeout = timeout
			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				req, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(method), target, nil)
				if err != nil {
					return err
				}
				if verbose {
					describeBehavior(out, v, req.URL.Host)
				}
				start := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					fmt.Fprintf(out, "%s %s: error after %s: %v\n", req.Method, target, time.Since(start).Round(time.Millisecond), err)
					continue
				}
				n, copyErr := io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				elapsed := time.Since(start).Round(time.Millisecond)
				fmt.Fprintf(out, "%s %s: %s %s in %s\n", req.Method, target, resp.Status, humanize.IBytes(uint64(n)), elapsed)
				if copyErr != nil {
					fmt.Fprintf(out, "  body read failed: %v\n", copyErr)
				}
				if verbose {
					fmt.Fprintf(out, "  content-type: %s\n", resp.Header.Get("Content-Type"))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().IntVar(&count, "count", 1, "number of requests to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the matched behavior and response headers")
	return cmd
}

func describeBehavior(w io.Writer, v *veneer.Veneer, host string) {
	key, err := intercept.TargetKey(host)
	if err != nil {
		return
	}
	b, ok := v.Repository().Snapshot()[key]
	if !ok {
		fmt.Fprintf(w, "behavior %s: not stored, pass-through default\n", key)
		return
	}
	fmt.Fprintf(w, "behavior %s: %d latency variants, %d response variants\n", key, len(b.Latency), len(b.Responses))
}
