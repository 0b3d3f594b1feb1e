// Command runner starts the continuous-batching inference runner: a single
// process that owns one loaded model and exposes Health/LoadModel/
// Predict/PredictStream over HTTP. Generalizes
// runner/llamarunner/server.go's Execute entrypoint from a bare flag.FlagSet
// to cobra, matching the rest of the teacher's own CLI surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/corerun/llamarunner/internal/loader"
	"github.com/corerun/llamarunner/internal/runner"
	"github.com/corerun/llamarunner/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "runner",
		Short: "continuous-batching inference runner",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSlotsCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		addr     string
		engName  string
		parallel int
		ctxLen   int
		vision   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "load a model and start serving requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()})))

			if parallel <= 0 {
				parallel = parallelFromEnv()
			}

			ld := loader.New(engName, vision)
			r := runner.New(ld.Engine(), runner.Config{
				Parallel:   parallel,
				ContextLen: ctxLen,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go r.Run(ctx)

			srv := transport.New(ld, r)
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer listener.Close()

			slog.Info("runner listening", "addr", addr, "engine", engName, "parallel", parallel)
			httpServer := &http.Server{Handler: srv.Mux()}
			return httpServer.Serve(listener)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "localhost:50051", "address to listen on")
	cmd.Flags().StringVar(&engName, "engine", "reference", "engine backend to load (reference)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "number of concurrent slots; defaults to LLAMACPP_PARALLEL or 1")
	cmd.Flags().IntVar(&ctxLen, "ctx-size", 4096, "total KV cache size shared across all slots")
	cmd.Flags().BoolVar(&vision, "vision", false, "enable the multimodal image encoder")

	return cmd
}

func newSlotsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "print current slot occupancy for a running runner",
		Long:  "A debug aid modeled on the original llama.cpp server's /slots monitoring endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/slots")
			if err != nil {
				return fmt.Errorf("fetch slots: %w", err)
			}
			defer resp.Body.Close()

			var slots []runner.SlotStatus
			if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
				return fmt.Errorf("decode slots: %w", err)
			}
			renderSlots(os.Stdout, slots)
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "localhost:50051", "runner address")
	return cmd
}

// renderSlots is the table-rendering half of the slots command, kept
// separate from the network plumbing.
func renderSlots(w *os.File, slots []runner.SlotStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "State", "Tokens", "Task", "Request", "Last Used"})
	for _, s := range slots {
		table.Append([]string{
			strconv.Itoa(s.ID),
			s.State,
			strconv.Itoa(s.NTokens),
			strconv.FormatInt(s.TaskID, 10),
			s.RequestID,
			s.LastUsed.Format("15:04:05"),
		})
	}
	table.Render()
}

func parallelFromEnv() int {
	v := os.Getenv("LLAMACPP_PARALLEL")
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid LLAMACPP_PARALLEL", "value", v)
		return 1
	}
	return n
}

func logLevel() slog.Level {
	if os.Getenv("RUNNER_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
