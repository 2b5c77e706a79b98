// Package main provides the entry point for cntreectl, a diagnostic
// inspector for a cN tree: per-node kvset rollups over the metadata
// journal's in-doubt records and a media pool reachability check, built on
// urfave/cli/v2.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cnkv/cntree/internal/infra/buildinfo"
	"github.com/cnkv/cntree/internal/infra/confloader"
	"github.com/cnkv/cntree/internal/infra/shutdown"
	"github.com/cnkv/cntree/internal/mdj"
	"github.com/cnkv/cntree/internal/mediapool"
	"github.com/cnkv/cntree/internal/telemetry/logger"
	"github.com/cnkv/cntree/internal/telemetry/metric"
)

func main() {
	app := &cli.App{
		Name:     "cntreectl",
		Usage:    "inspect a cN tree's kvset layout and metadata journal",
		Version:  buildinfo.String(),
		Commands: []*cli.Command{
			metricsCommand(),
			journalCommand(),
			serveMetricsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// metricsCommand rolls up per-node kvset/key/block counts from the
// journal's in-doubt records into a human-readable (or JSON) summary.
func metricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "print a rollup of node/kvset/key counts",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all-blocks", Aliases: []string{"b"}, Usage: "include per-block detail"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "output format: human, json", Value: "human"},
			&cli.StringFlag{Name: "mediapool-dir", Aliases: []string{"l"}, Usage: "media pool directory to verify reachability"},
			&cli.BoolFlag{Name: "nodes-only", Aliases: []string{"n"}, Usage: "print node identities only, skip the kvset rollup"},
			&cli.StringFlag{Name: "journal", Aliases: []string{"j"}, Usage: "path to the journal segment file", Required: true},
		},
		Action: runMetrics,
	}
}

type nodeRollup struct {
	NodeID uint64   `json:"node_id"`
	Kvsets int      `json:"kvsets"`
	Keys   uint64   `json:"keys"`
	Bytes  uint64   `json:"bytes"`
	Blocks []uint64 `json:"blocks,omitempty"`
}

func runMetrics(c *cli.Context) error {
	if dir := c.String("mediapool-dir"); dir != "" {
		pool, err := mediapool.Open(mediapool.DefaultConfig(dir), nil)
		if err != nil {
			return fmt.Errorf("open media pool: %w", err)
		}
		pool.Close()
	}

	j, err := mdj.Open(c.String("journal"), false)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	byNode := map[uint64]*nodeRollup{}
	for _, rec := range j.OutstandingRecords() {
		for _, out := range rec.Outputs {
			id := uint64(out.NodeID)
			r := byNode[id]
			if r == nil {
				r = &nodeRollup{NodeID: id}
				byNode[id] = r
			}
			r.Kvsets++
			r.Keys += out.Stats.NumKeys
			r.Bytes += out.Stats.KeyLenAlloc + out.Stats.ValLenAlloc + out.Stats.HeadLenAlloc
			if c.Bool("all-blocks") {
				for _, b := range out.KBlocks {
					r.Blocks = append(r.Blocks, uint64(b))
				}
				for _, b := range out.VBlocks {
					r.Blocks = append(r.Blocks, uint64(b))
				}
				r.Blocks = append(r.Blocks, uint64(out.HBlock))
			}
		}
	}

	if c.String("format") == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(byNode)
	}

	if len(byNode) == 0 {
		fmt.Println("no in-doubt kvset records")
		return nil
	}
	for _, r := range byNode {
		if c.Bool("nodes-only") {
			fmt.Printf("node %d\n", r.NodeID)
			continue
		}
		fmt.Printf("node %-6d kvsets %-4d keys %-8d size %s\n", r.NodeID, r.Kvsets, r.Keys, bn64(r.Bytes))
		if c.Bool("all-blocks") {
			fmt.Printf("  blocks %v\n", r.Blocks)
		}
	}
	return nil
}

// journalCommand prints every metadata journal record that has been
// committed but not yet acknowledged or rolled back — the set a crash
// recovery pass must resolve before the tree is safe to mutate again.
func journalCommand() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "list in-doubt metadata journal records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Required: true, Usage: "path to the journal segment file"},
		},
		Action: func(c *cli.Context) error {
			j, err := mdj.Open(c.String("path"), false)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()

			records := j.OutstandingRecords()
			if len(records) == 0 {
				fmt.Println("no in-doubt records")
				return nil
			}
			fmt.Printf("%d in-doubt record(s):\n", len(records))
			for _, r := range records {
				fmt.Printf("  cookie=%d node=%d inputs=%d outputs=%d\n",
					r.Cookie, r.NodeID, len(r.Inputs), len(r.Outputs))
			}
			return nil
		},
	}
}

// bn64 formats a byte count as a compact human-scaled number with a
// K/M/G/T suffix.
func bn64(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// serveMetricsCommand exposes the process-wide metrics registry over HTTP
// until interrupted, so a tree embedded in a longer-lived process can be
// scraped while cntreectl watches a journal alongside it. The listener is
// torn down through the same drain coordinator a full deployment uses.
func serveMetricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve-metrics",
		Usage: "serve the Prometheus metrics registry until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":9911", Usage: "listen address"},
			&cli.StringFlag{Name: "config", Usage: "optional YAML config (log level/format)"},
		},
		Action: func(c *cli.Context) error {
			var opts []confloader.Option
			if path := c.String("config"); path != "" {
				opts = append(opts, confloader.WithConfigFile(path))
			}
			cfg, err := confloader.NewLoader(opts...).Load()
			if err != nil {
				return err
			}
			logger.SetDefault(logger.New(logger.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
			}))

			srv := &http.Server{Addr: c.String("listen"), Handler: metric.Global().Handler()}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			coord := shutdown.NewCoordinator(5 * time.Second)
			coord.OnClose("http listener", func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			})

			waitCh := make(chan error, 1)
			go func() { waitCh <- coord.Wait() }()

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
			case err := <-waitCh:
				return err
			}
			return nil
		},
	}
}
