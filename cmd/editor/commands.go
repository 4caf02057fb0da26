package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-editor/internal/encoder"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/render"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

var (
	outputPath string
	edlTrack   string
	edlRate    float64
	edlTitle   string
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>...",
	Short: "Probe media files and print their metadata",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()
		enc, err := a.encoder()
		if err != nil {
			return err
		}

		paths := make([]string, len(args))
		for i, p := range args {
			if paths[i], err = filepath.Abs(p); err != nil {
				return err
			}
		}
		results := a.catalog(enc).Ingest(cmd.Context(), paths)
		if err := printJSON(cmd, results); err != nil {
			return err
		}
		for _, r := range results {
			if r.Error != "" {
				return fmt.Errorf("%s: %s", r.Path, r.Error)
			}
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <timeline.yaml>",
	Short: "Compile a timeline document and print the render plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, tl, exports, err := loadForExport(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		plan, err := exports.Prepare(tl, exportConfig(a))
		if err != nil {
			return err
		}
		return printJSON(cmd, plan)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <timeline.yaml>",
	Short: "Render a timeline document to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, tl, exports, err := loadForExport(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := exports.Export(tl, exportConfig(a))
		if err != nil {
			return err
		}
		events, stop, err := exports.Subscribe(job.ID)
		if err != nil {
			return err
		}
		defer stop()

		stderr := cmd.ErrOrStderr()
		interrupt := cmd.Context().Done()
		for {
			select {
			case <-interrupt:
				fmt.Fprintln(stderr, "\ncancelling export...")
				exports.Cancel(job.ID)
				interrupt = nil
			case p, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				fmt.Fprintf(stderr, "\r[%d/%d] %-11s %5.1f%%  %6.1f fps  eta %4.0fs",
					p.OpIndex+1, p.OpCount, p.Op, p.Percent, p.FPS, p.ETASeconds)
			}
			if events == nil {
				break
			}
		}
		fmt.Fprintln(stderr)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		final, err := exports.Wait(ctx, job.ID)
		if err != nil {
			return err
		}
		switch final.State {
		case export.StateCompleted:
			fmt.Fprintln(cmd.OutOrStdout(), final.OutputPath)
			return nil
		case export.StateCancelled:
			return errors.New("export cancelled")
		default:
			return fmt.Errorf("export failed (%s): %s", final.ErrorKind, final.ErrorDetail)
		}
	},
}

var edlCmd = &cobra.Command{
	Use:   "edl <timeline.yaml>",
	Short: "Print one track of a timeline document as a CMX3600 EDL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()
		enc, err := a.encoder()
		if err != nil {
			return err
		}
		tl, err := buildTimeline(cmd.Context(), args[0], a.catalog(enc).Probe)
		if err != nil {
			return err
		}

		track := pickTrack(tl, edlTrack)
		if track == nil {
			return fmt.Errorf("track %q not found", edlTrack)
		}
		title := edlTitle
		if title == "" {
			title = track.Name
		}
		if title == "" {
			title = "heimdex_timeline"
		}
		fmt.Fprint(cmd.OutOrStdout(), export.GenerateEDL(track, title, edlRate))
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the encoder toolchain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()
		enc, err := a.encoder()
		if err != nil {
			return err
		}
		ffmpegBin, ffprobeBin := enc.Binaries()
		fmt.Fprintf(cmd.ErrOrStderr(), "ffmpeg:  %s\nffprobe: %s\n", ffmpegBin, ffprobeBin)

		caps, err := encoder.NewCachedDoctor(enc, a.logger).Get(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(cmd, caps); err != nil {
			return err
		}
		cfg := exportConfig(a)
		for _, name := range []string{cfg.Codec, cfg.AudioCodec} {
			if !caps.HasEncoder(name) {
				return fmt.Errorf("configured encoder %s is not available", name)
			}
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{planCmd, exportCmd} {
		c.Flags().StringVarP(&outputPath, "output", "o", "", "output file")
		c.MarkFlagRequired("output")
	}
	edlCmd.Flags().StringVar(&edlTrack, "track", "0", "track id or index")
	edlCmd.Flags().Float64Var(&edlRate, "frame-rate", 30, "timecode frame rate")
	edlCmd.Flags().StringVar(&edlTitle, "title", "", "EDL title")
}

func loadForExport(ctx context.Context, docPath string) (*app, *timeline.Timeline, *export.Controller, error) {
	a, err := setup()
	if err != nil {
		return nil, nil, nil, err
	}
	enc, err := a.encoder()
	if err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	tl, err := buildTimeline(ctx, docPath, a.catalog(enc).Probe)
	if err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	exports := export.NewController(enc, export.Config{
		WorkRoot: a.cfg.WorkDir(),
		Store:    a.repo,
		Logger:   a.logger,
	})
	return a, tl, exports, nil
}

func buildTimeline(ctx context.Context, docPath string, probe timeline.ProbeFunc) (*timeline.Timeline, error) {
	doc, err := timeline.LoadDocument(docPath)
	if err != nil {
		return nil, err
	}
	return doc.Build(ctx, probe)
}

func exportConfig(a *app) render.ExportConfig {
	cfg := a.cfg.ExportDefaults()
	if outputPath != "" {
		if abs, err := filepath.Abs(outputPath); err == nil {
			cfg.OutputPath = abs
		}
	}
	return cfg
}

func pickTrack(tl *timeline.Timeline, ref string) *timeline.Track {
	if t, _ := tl.Track(ref); t != nil {
		return t
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(tl.Tracks) {
		return tl.Tracks[i]
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
