package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"vlmd/internal/batch"
	"vlmd/internal/common/fsutil"
	"vlmd/internal/media"
	"vlmd/internal/tasks"
	"vlmd/pkg/types"
)

func newBatchCmd() *cobra.Command {
	var (
		server   string
		task     string
		options  []string
		interval time.Duration
		noWait   bool
		format   string
	)
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Submit every image in a directory as one batch job",
		Long: "Submit every accepted image in <dir> to a running server as one batch job.\n" +
			"Paths are sent as given, so the server must be able to read them.",
		Example: "  vlmd batch --task ocr ./scans\n  vlmd batch --server http://gpu-box:7860 --task layout /data/pages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := tasks.ParseOptions(options)
			if err != nil {
				return err
			}
			if err := checkExportFormat(format); err != nil {
				return err
			}
			files, err := imageFiles(args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no accepted images in %s", args[0])
			}
			items := make([]types.InferRequest, len(files))
			for i, f := range files {
				items[i] = types.InferRequest{Task: task, Image: f, Options: opts}
			}
			c := newBatchClient(server)
			id, err := c.submit(cmd.Context(), items)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if noWait {
				fmt.Fprintln(out, id)
				return nil
			}
			job, err := c.follow(cmd.Context(), id, interval, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if format != "" {
				return writeExport(out, job, format)
			}
			return printJSON(out, job)
		},
	}
	f := cmd.Flags()
	f.StringVar(&server, "server", envOr("VLMD_SERVER", "http://127.0.0.1:7860"), "Base URL of a running vlmd")
	f.StringVar(&task, "task", "ocr", "Task applied to every file")
	f.StringArrayVar(&options, "option", nil, "Task option key=value (repeatable)")
	f.DurationVar(&interval, "interval", time.Second, "Poll interval")
	f.BoolVar(&noWait, "no-wait", false, "Print the job id and exit")
	f.StringVar(&format, "export", "", "Print the finished job as json or csv")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// imageFiles lists the accepted images directly under dir, sorted, as
// absolute paths.
func imageFiles(dir string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !media.Accepted(types.MediaImage, fsutil.Ext(e.Name())) {
			continue
		}
		out = append(out, filepath.Join(abs, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

type batchClient struct {
	http *resty.Client
}

func newBatchClient(base string) *batchClient {
	return &batchClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetHeader("Accept", "application/json").
			SetTimeout(30 * time.Second),
	}
}

func (c *batchClient) submit(ctx context.Context, items []types.InferRequest) (string, error) {
	var out types.BatchSubmitResponse
	var apiErr types.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.BatchRequest{Items: items}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/batch")
	if err != nil {
		return "", fmt.Errorf("submit batch: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("submit batch: %s", errMessage(resp, apiErr))
	}
	return out.JobID, nil
}

func (c *batchClient) get(ctx context.Context, id string) (types.BatchJobResponse, error) {
	var out types.BatchJobResponse
	var apiErr types.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&apiErr).
		Get("/batch/{id}")
	if err != nil {
		return out, fmt.Errorf("get batch %s: %w", id, err)
	}
	if resp.IsError() {
		return out, fmt.Errorf("get batch %s: %s", id, errMessage(resp, apiErr))
	}
	return out, nil
}

// follow polls job id until it reaches a final status, drawing progress
// on w.
func (c *batchClient) follow(ctx context.Context, id string, interval time.Duration, w io.Writer) (types.BatchJobResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}
	var bar *progressbar.ProgressBar
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		job, err := c.get(ctx, id)
		if err != nil {
			return job, err
		}
		if bar == nil {
			bar = progressbar.NewOptions(job.Total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription("batch "+id),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(job.Processed)
		if final(job.Status) {
			_ = bar.Finish()
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-t.C:
		}
	}
}

func final(status string) bool {
	switch status {
	case batch.StatusCompleted, batch.StatusFailed, batch.StatusCancelled:
		return true
	}
	return false
}

func errMessage(resp *resty.Response, apiErr types.ErrorResponse) string {
	if apiErr.Error != "" {
		return fmt.Sprintf("%s (%d)", apiErr.Error, resp.StatusCode())
	}
	return resp.Status()
}
