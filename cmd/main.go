package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bibin-skaria/ocidisk/disk"
	"github.com/bibin-skaria/ocidisk/engine"
	ocierrors "github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/config"
	"github.com/bibin-skaria/ocidisk/internal/logging"
	"github.com/bibin-skaria/ocidisk/internal/types"
	"github.com/bibin-skaria/ocidisk/layers"
	"github.com/bibin-skaria/ocidisk/registry"
	"github.com/bibin-skaria/ocidisk/state"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		writeError(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	basePath   string
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "ocidisk",
		Short: "Turn container images into bootable VM disk images",
		Long: `ocidisk downloads container images from an OCI registry and writes them
to raw disk images with an MBR partition table, an ext4 filesystem and the
image's bootloader burned into the boot sector. Downloaded layers and built
images are cached under the base path so repeated builds are incremental.

Every command prints a JSON object to stdout on success, or {"error": "..."}
to stderr on failure.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&opts.basePath, "base-path", "b", config.DefaultBasePath(), "Directory holding state, layers and images")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file (default <base-path>/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Write debug logs to <base-path>/debug.log")

	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newBuildCommand(opts))
	cmd.AddCommand(newImagesCommand(opts))
	cmd.AddCommand(newRemoveCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))

	return cmd
}

// app holds what one command invocation needs. State is loaded once and
// persisted once, after the command succeeds.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	state  *state.Store
}

func openApp(opts *globalOptions) (*app, error) {
	cfg, err := config.Load(opts.basePath, opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		cfg.Debug = true
	}

	logger, err := logging.New(logging.Options{
		Debug:   cfg.Debug,
		LogPath: cfg.DebugLogPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log: %v", err)
	}

	st, err := state.Load(cfg.StatePath())
	if err != nil {
		logger.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, state: st}, nil
}

func (a *app) builder() (*engine.Builder, error) {
	reserve, err := a.cfg.ReserveBytes()
	if err != nil {
		return nil, err
	}

	client := registry.NewClient(a.cfg, a.logger.Component("registry"))
	layerStore := layers.NewStore(a.cfg.LayersDir(), a.cfg.DownloadConcurrency, a.logger.Component("layers"))
	assembler := disk.NewAssembler(disk.NewOSRunner(a.logger.Component("runner")), reserve, a.logger.Component("disk"))

	return engine.NewBuilder(a.cfg, a.state, client, layerStore, assembler, a.logger.Component("engine")), nil
}

// run opens the app, executes fn and, when fn succeeds, persists state and
// prints the result
func run(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, b *engine.Builder) (interface{}, error)) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.logger.Close()

	b, err := a.builder()
	if err != nil {
		return err
	}

	result, err := fn(context.Background(), b)
	if err != nil {
		a.logger.Component("cli").WithError(err).Error("command failed")
		return err
	}

	if err := a.state.Persist(); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

type platformFlags struct {
	os           string
	architecture string
}

func (p *platformFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.os, "os", types.DefaultOS, "Operating system of the image")
	cmd.Flags().StringVar(&p.architecture, "architecture", types.DefaultArchitecture, "CPU architecture of the image")
}

func (p *platformFlags) imageRequest(arg string) (types.ImageRequest, error) {
	image, err := registry.ParseImageArg(arg)
	if err != nil {
		return types.ImageRequest{}, err
	}
	return types.ImageRequest{
		Name:     image.Name,
		Tag:      image.Tag,
		Platform: types.Platform{OS: p.os, Architecture: p.architecture}.WithDefaults(),
	}, nil
}

func newInfoCommand(opts *globalOptions) *cobra.Command {
	var platform platformFlags

	cmd := &cobra.Command{
		Use:   "info <image[:tag]>",
		Short: "Show the remote digest of an image and whether it is built locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := platform.imageRequest(args[0])
			if err != nil {
				return err
			}
			return run(cmd, opts, func(ctx context.Context, b *engine.Builder) (interface{}, error) {
				return b.Info(ctx, req)
			})
		},
	}

	platform.register(cmd)
	return cmd
}

func newBuildCommand(opts *globalOptions) *cobra.Command {
	var (
		platform platformFlags
		outFile  string
	)

	cmd := &cobra.Command{
		Use:   "build <image[:tag]>",
		Short: "Build a bootable disk image from a container image",
		Long: `Build downloads the image's layers, unpacks them into an ext4 filesystem
inside a partitioned raw disk image and burns the bootloader named by the
image's bootloader label. If the local image is already up to date and no
--outfile is given, nothing is downloaded or rebuilt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := platform.imageRequest(args[0])
			if err != nil {
				return err
			}
			out, err := outputPath(outFile)
			if err != nil {
				return err
			}
			if err := disk.CheckRequiredCommands(); err != nil {
				return err
			}
			return run(cmd, opts, func(ctx context.Context, b *engine.Builder) (interface{}, error) {
				return b.Build(ctx, types.BuildRequest{ImageRequest: req, OutFile: out})
			})
		},
	}

	platform.register(cmd)
	cmd.Flags().StringVar(&outFile, "outfile", "", "Write the disk image to this path instead of <base-path>/images/<digest>.img")
	return cmd
}

func newImagesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List built images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, b *engine.Builder) (interface{}, error) {
				return b.Images(), nil
			})
		},
	}
}

func newRemoveCommand(opts *globalOptions) *cobra.Command {
	var (
		platform platformFlags
		prune    bool
	)

	cmd := &cobra.Command{
		Use:     "rm <image[:tag]>",
		Aliases: []string{"remove"},
		Short:   "Remove a built image",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := platform.imageRequest(args[0])
			if err != nil {
				return err
			}
			return run(cmd, opts, func(ctx context.Context, b *engine.Builder) (interface{}, error) {
				return b.Remove(types.RemoveRequest{ImageRequest: req, Prune: prune})
			})
		},
	}

	platform.register(cmd)
	cmd.Flags().BoolVar(&prune, "prune", false, "Also remove layers no remaining image uses")
	return cmd
}

func newPruneCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove untagged images and layers no image uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, b *engine.Builder) (interface{}, error) {
				return b.Prune()
			})
		},
	}
}

// outputPath makes an --outfile path absolute against the working directory
func outputPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ocierrors.NewInputError(ocierrors.KindInvalidConfig, "build", "invalid output path "+path)
	}
	return abs, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeError(w io.Writer, err error) {
	data, marshalErr := json.MarshalIndent(map[string]string{"error": err.Error()}, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(w, "{\"error\": %q}\n", err.Error())
		return
	}
	fmt.Fprintln(w, string(data))
}
