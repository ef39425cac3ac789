package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/sample"
)

type dropOptions struct {
	dir         string
	files       int
	claims      int
	activities  int
	remittances bool
	perSecond   float64
	concurrency int
}

func dropCmd() *cobra.Command {
	var o dropOptions
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Write synthetic submission and remittance files into the ready dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				o.dir = cfg.Ingestion.LocalFS.ReadyDir
			}
			start := time.Now()
			n, bytes, err := drop(cmd.Context(), o)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d files (%d bytes) to %s in %s (%.1f files/s)\n",
				n, bytes, o.dir, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().StringVar(&o.dir, "dir", "", "target directory, defaults to ingestion.localfs.readyDir")
	cmd.Flags().IntVar(&o.files, "files", 10, "number of submission files")
	cmd.Flags().IntVar(&o.claims, "claims", 5, "claims per file")
	cmd.Flags().IntVar(&o.activities, "activities", 2, "activities per claim")
	cmd.Flags().BoolVar(&o.remittances, "remittances", true, "also write a matching remittance per file")
	cmd.Flags().Float64Var(&o.perSecond, "rate", 0, "files per second, 0 for unlimited")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 4, "parallel writers")
	return cmd
}

// drop writes the files through a temp name and a rename so a watcher never
// sees a partial document.
func drop(ctx context.Context, o dropOptions) (int, int64, error) {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("creating %s: %w", o.dir, err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if o.perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.perSecond), 1)
	}
	run := time.Now().UTC().Format("20060102T150405")

	var written atomic.Int64
	var size atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.concurrency, 1))
	for i := 1; i <= o.files; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			opts := sample.Options{
				ClaimPrefix:        fmt.Sprintf("CLM-%s-%04d", run, i),
				Claims:             o.claims,
				ActivitiesPerClaim: o.activities,
				TxDate:             time.Now().UTC(),
			}
			docs := map[string][]byte{
				fmt.Sprintf("sub-%s-%04d.xml", run, i): sample.Submission(opts),
			}
			if o.remittances {
				docs[fmt.Sprintf("rem-%s-%04d.xml", run, i)] = sample.Remittance(opts)
			}
			for name, data := range docs {
				if err := writeAtomic(filepath.Join(o.dir, name), data); err != nil {
					return err
				}
				written.Add(1)
				size.Add(int64(len(data)))
			}
			return nil
		})
	}
	err := g.Wait()
	return int(written.Load()), size.Load(), err
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
