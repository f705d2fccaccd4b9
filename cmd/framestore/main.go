// Command framestore uploads microscopy acquisitions into the frame store
// and queries, downloads or deletes registered datasets. Stores are
// selected through FRAMESTORE_* environment variables; see the config
// package for the full list.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"framestore/internal/assemble"
	"framestore/internal/codec"
	"framestore/internal/config"
	"framestore/internal/core"
	"framestore/internal/meta"
	"framestore/internal/schema"
	"framestore/internal/split"
	"framestore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

// errUsage signals a flag or argument error already reported to stderr.
var errUsage = errors.New("usage")

func cli(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	ctx := context.Background()
	var err error
	switch args[0] {
	case "upload":
		err = runUpload(ctx, args[1:], stdout, stderr)
	case "download":
		err = runDownload(ctx, args[1:], stdout, stderr)
	case "query":
		err = runQuery(ctx, args[1:], stdout, stderr)
	case "delete":
		err = runDelete(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "framestore: unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "framestore: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: framestore <upload|download|query|delete> [flags]")
}

// openService builds the service from the environment. The returned
// cleanup closes the metadata store.
func openService(ctx context.Context, cfg config.Config) (*core.Service, func(), error) {
	metaStore, err := cfg.OpenMetaStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata store: %w", err)
	}
	blobStore, err := cfg.OpenBlobStore(ctx)
	if err != nil {
		_ = metaStore.Close()
		return nil, nil, fmt.Errorf("open storage backend: %w", err)
	}
	opts := []core.Option{core.WithLogger(slogLogger{slog.Default()})}
	if cfg.Workers > 0 {
		opts = append(opts, core.WithWorkers(cfg.Workers))
	}
	svc := core.NewService(metaStore, blobStore, opts...)
	return svc, func() { _ = metaStore.Close() }, nil
}

// slogLogger adapts the standard structured logger to the service's
// logging contract.
type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func runUpload(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("framestore upload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		idStr      = fs.String("id", "", "dataset identifier (<PROJECT>-YYYY-MM-DD-HH-MM-SS-SSSS)")
		src        = fs.String("src", "", "source file or directory")
		asFile     = fs.Bool("file", false, "store the source as one opaque file instead of splitting")
		format     = fs.String("format", string(split.FormatTifFolder), "frames format: ome_tiff, tif_folder or tif_id")
		parser     = fs.String("parser", "", "registered filename parser hook")
		schemaPath = fs.String("schema", "", "JSON schema applied to every frame's metadata")
		positions  = fs.String("positions", "", "comma-separated stage positions (ome_tiff only)")
		descr      = fs.String("description", "", "free-form dataset description")
		microscope = fs.String("microscope", "", "microscope label")
		parentStr  = fs.String("parent", "", "identifier of the dataset this one derives from")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	cfg := config.FromEnv()
	if *microscope == "" {
		*microscope = cfg.Microscope
	}
	id, err := domain.ParseDatasetID(*idStr)
	if err != nil {
		return err
	}
	if *src == "" {
		fmt.Fprintln(stderr, "framestore upload: -src is required")
		return errUsage
	}
	var parent *domain.DatasetID
	if *parentStr != "" {
		p, err := domain.ParseDatasetID(*parentStr)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		parent = &p
	}

	svc, cleanup, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if *asFile {
		ds, err := svc.UploadFile(ctx, core.FileUploadRequest{
			ID: id, Source: *src, Description: *descr, Microscope: *microscope, ParentID: parent,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "uploaded %s as file %s\n", ds.ID, ds.FileName)
		return nil
	}

	opts := split.Options{FilenameParser: *parser}
	if *schemaPath != "" {
		data, err := os.ReadFile(*schemaPath)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		opts.Schema, err = schema.Parse(data)
		if err != nil {
			return err
		}
	}
	if opts.Positions, err = parseIntList(*positions); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	ds, err := svc.UploadFrames(ctx, core.UploadRequest{
		ID: id, Source: *src, Format: split.Format(*format), Split: opts,
		Description: *descr, Microscope: *microscope, ParentID: parent,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "uploaded %s: %d frames\n", ds.ID, ds.FrameCount)
	return nil
}

func runDownload(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("framestore download", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		idStr     = fs.String("id", "", "dataset identifier")
		dest      = fs.String("dest", ".", "destination directory")
		channels  = fs.String("channels", "", "comma-separated channel ordinals")
		chanNames = fs.String("channel-names", "", "comma-separated channel labels")
		slicesStr = fs.String("slices", "", "comma-separated slice ordinals")
		times     = fs.String("times", "", "comma-separated time ordinals")
		positions = fs.String("positions", "", "comma-separated position ordinals")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := domain.ParseDatasetID(*idStr)
	if err != nil {
		return err
	}
	sel := domain.Selection{ChannelNames: parseStringList(*chanNames)}
	for _, axis := range []struct {
		dst  *[]int
		raw  string
		name string
	}{
		{&sel.Channels, *channels, "channels"},
		{&sel.Slices, *slicesStr, "slices"},
		{&sel.Times, *times, "times"},
		{&sel.Positions, *positions, "positions"},
	} {
		if *axis.dst, err = parseIntList(axis.raw); err != nil {
			return fmt.Errorf("%s: %w", axis.name, err)
		}
	}
	if err := sel.Validate(); err != nil {
		return err
	}

	svc, cleanup, err := openService(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	ds, err := svc.Dataset(ctx, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*dest, 0o755); err != nil {
		return err
	}

	if ds.UploadType == domain.UploadFile {
		name, data, err := svc.DownloadFile(ctx, id)
		if err != nil {
			return err
		}
		path := filepath.Join(*dest, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "downloaded %s to %s\n", ds.ID, path)
		return nil
	}

	stack, report, err := svc.Assemble(ctx, id, sel)
	if err != nil {
		return err
	}
	if report.Empty {
		fmt.Fprintf(stdout, "selection matched no frames of %s\n", ds.ID)
		return nil
	}
	written, err := writeStack(*dest, stack)
	if err != nil {
		return err
	}
	metaPath := filepath.Join(*dest, "global_metadata.json")
	global, err := json.MarshalIndent(ds.Global, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(metaPath, global, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "downloaded %s: %d frames to %s\n", ds.ID, written, *dest)
	for _, ix := range report.MissingIndices {
		fmt.Fprintf(stderr, "framestore: frame %s failed verification, slot left blank\n", ix)
	}
	return nil
}

func runQuery(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("framestore query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		idStr      = fs.String("id", "", "list the frames of one dataset")
		project    = fs.String("project", "", "project code")
		microscope = fs.String("microscope", "", "microscope label")
		descr      = fs.String("description", "", "description substring")
		from       = fs.String("from", "", "earliest acquisition date (YYYY-MM-DD)")
		to         = fs.String("to", "", "latest acquisition date (YYYY-MM-DD)")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	svc, cleanup, err := openService(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	if *idStr != "" {
		id, err := domain.ParseDatasetID(*idStr)
		if err != nil {
			return err
		}
		frames, err := svc.QueryFrames(ctx, id, domain.Selection{})
		if err != nil {
			return err
		}
		for _, fr := range frames {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", fr.Index, fr.StoragePath, fr.SHA256)
		}
		return nil
	}

	filter := meta.Filter{Project: *project, Microscope: *microscope, Description: *descr}
	if filter.From, err = parseDate(*from); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if filter.To, err = parseDate(*to); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	datasets, err := svc.QueryDatasets(ctx, filter)
	if err != nil {
		return err
	}
	for _, ds := range datasets {
		fmt.Fprintf(stdout, "%s\t%s\t%d frames\t%s\n", ds.ID, ds.UploadType, ds.FrameCount, ds.Description)
	}
	return nil
}

func runDelete(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("framestore delete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	idStr := fs.String("id", "", "dataset identifier")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := domain.ParseDatasetID(*idStr)
	if err != nil {
		return err
	}
	svc, cleanup, err := openService(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer cleanup()
	if err := svc.DeleteDataset(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %s\n", id)
	return nil
}

// writeStack materializes every plane of the stack as a PNG file named by
// its frame index. Zero-filled slots of missing frames are written too, so
// the destination always holds the full selected grid.
func writeStack(dest string, stack *assemble.Stack) (int, error) {
	written := 0
	for zi, z := range stack.SliceValues {
		for ci, c := range stack.ChannelValues {
			for ti, tm := range stack.TimeValues {
				for pi, p := range stack.PosValues {
					ix := domain.FrameIndex{Slice: z, Channel: c, Time: tm, Pos: p}
					data, err := codec.EncodePNG(stack.Plane(zi, ci, ti, pi))
					if err != nil {
						return written, err
					}
					if err := os.WriteFile(filepath.Join(dest, ix.FileName()), data, 0o644); err != nil {
						return written, err
					}
					written++
				}
			}
		}
	}
	return written, nil
}

func parseIntList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}
