package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vlmd/internal/config"
	"vlmd/internal/export"
	"vlmd/internal/hardware"
	"vlmd/internal/httpapi"
	"vlmd/internal/service"
	"vlmd/internal/tasks"
	"vlmd/pkg/types"
)

func newInferCmd(g *globals) *cobra.Command {
	var (
		req      types.InferRequest
		options  []string
		schema   string
		pagesDir string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run one request in-process and print the result",
		Example: "  vlmd infer --task ocr --image scan.png\n" +
			"  vlmd infer --task ner --text 'Paid Acme Corp on 2024-01-01' --option entity_types=ORG,DATE\n" +
			"  vlmd infer --task field_extraction --image receipt.jpg --preset receipt --stream\n" +
			"  vlmd infer --task ocr --pages-dir ./contract --merge structured --export csv",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if req.Options, err = tasks.ParseOptions(options); err != nil {
				return err
			}
			if schema != "" {
				var s types.ExtractionSchema
				if err := json.Unmarshal([]byte(schema), &s); err != nil {
					return fmt.Errorf("--schema: %w", err)
				}
				req.Schema = &s
			}
			if pagesDir != "" {
				files, err := imageFiles(pagesDir)
				if err != nil {
					return err
				}
				if len(files) == 0 {
					return fmt.Errorf("no accepted images in %s", pagesDir)
				}
				req.Pages = append(req.Pages, files...)
			}
			if err := checkExportFormat(format); err != nil {
				return err
			}
			if format != "" && req.Stream {
				return fmt.Errorf("--export cannot be combined with --stream")
			}
			log, closeLog, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()

			svc, err := service.New(cfg, service.WithLogger(log))
			if err != nil {
				return err
			}
			defer svc.Close()
			in := httpapi.InferInput{Request: req, RequestID: "cli"}
			if format == "" {
				return svc.Infer(cmd.Context(), in, cmd.OutOrStdout(), nil)
			}
			var buf bytes.Buffer
			if err := svc.Infer(cmd.Context(), in, &buf, nil); err != nil {
				return err
			}
			var resp types.InferResponse
			if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return writeExport(cmd.OutOrStdout(), resp, format)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Task, "task", "", "Task id (see vlmd tasks)")
	f.StringVar(&req.Image, "image", "", "Image path, http(s) URL or s3:// reference")
	f.StringVar(&req.Video, "video", "", "Video path, http(s) URL or s3:// reference")
	f.StringArrayVar(&req.Pages, "page", nil, "Page image of a multi-page document (repeatable, in order)")
	f.StringVar(&pagesDir, "pages-dir", "", "Directory whose images are the pages of one document, in name order")
	f.StringVar(&req.Merge, "merge", "", "Page merge strategy: concatenate or structured")
	f.StringVar(&format, "export", "", "Print the result as json or csv instead of the raw response")
	f.StringVar(&req.Text, "text", "", "Input text")
	f.StringVar(&req.Prompt, "prompt", "", "Override the task instruction")
	f.StringVar(&req.Preset, "preset", "", "Extraction preset (invoice, receipt, id_card, business_card)")
	f.StringVar(&schema, "schema", "", "Extraction schema as JSON")
	f.StringArrayVar(&options, "option", nil, "Task option key=value (repeatable)")
	f.IntVar(&req.MaxTokens, "max-tokens", 0, "Maximum new tokens (0 uses the configured budget)")
	f.BoolVar(&req.Stream, "stream", false, "Print NDJSON lines as output is generated")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newTasksCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the registered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list := tasks.NewDefaultRegistry().Tasks()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), types.TasksResponse{Tasks: list})
			}
			return printTasks(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printTasks(w io.Writer, list []types.TaskInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tMEDIA\tTEXT\tVIDEO\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, yesNo(t.RequiresMedia), yesNo(t.AcceptsText), yesNo(t.AcceptsVideo), t.Description)
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

func newHardwareCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "hardware",
		Short: "Probe accelerators and recommend a model size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			d := hardware.NewProber().Probe(cmd.Context())
			return printJSON(cmd.OutOrStdout(), struct {
				hardware.Descriptor
				RecommendedSize         string  `json:"recommended_size"`
				RecommendedQuantization string  `json:"recommended_quantization"`
				DeviceMap               string  `json:"device_map"`
				ConfiguredVRAMGB        float64 `json:"configured_model_vram_gb"`
				Sufficient              bool    `json:"sufficient_for_configured_model"`
			}{
				Descriptor:              d,
				RecommendedSize:         d.RecommendedSize(),
				RecommendedQuantization: d.RecommendedQuantization(cfg.Model),
				DeviceMap:               d.DeviceMap(),
				ConfiguredVRAMGB:        cfg.Model.EstimatedVRAMGB(),
				Sufficient:              d.HasSufficientVRAM(cfg.Model.EstimatedVRAMGB()),
			})
		},
	}
}

func newConfigCmd(g *globals) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = redact(cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print API keys and webhook secrets")
	return cmd
}

const redacted = "****"

func redact(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Backend.APIKey)
	mask(&cfg.Storage.S3AccessKey)
	mask(&cfg.Storage.S3SecretKey)
	hooks := make([]config.WebhookConfig, len(cfg.Webhooks))
	copy(hooks, cfg.Webhooks)
	for i := range hooks {
		mask(&hooks[i].Secret)
	}
	if len(hooks) > 0 {
		cfg.Webhooks = hooks
	}
	return cfg
}

func checkExportFormat(format string) error {
	if format == "" || slices.Contains(export.Formats, strings.ToLower(format)) {
		return nil
	}
	return &export.FormatError{Format: format}
}

// writeExport prints data in an export format.
func writeExport(w io.Writer, data any, format string) error {
	doc, err := export.NewManager().Export(data, format, export.Options{Pretty: true})
	if err != nil {
		return err
	}
	_, err = w.Write(doc.Body)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
