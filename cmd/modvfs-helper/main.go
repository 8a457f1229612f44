// Command modvfs-helper mounts the merged data directory on behalf of a
// sandboxed controller. It is started as
//
//	flatpak-spawn --host mo2-vfs-helper <config-file>
//
// and speaks the helper protocol on stdin and stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"modvfs/internal/config"
	"modvfs/internal/helper"
	"modvfs/internal/logging"
	"modvfs/internal/mount"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
)

var (
	logger = logging.GetLogger().WithPrefix("helper-main")
)

func main() {
	app := cli.NewApp()
	app.Name = "mo2-vfs-helper"
	app.Usage = "serve the merged data directory for a sandboxed controller"
	app.ArgsUsage = "<config-file>"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "verbose, v",
			Usage:  "enable debug logging on stderr",
			EnvVar: "MODVFS_VERBOSE",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// handler reloads the config file on every rebuild.
type handler struct {
	fsys       afero.Fs
	configPath string
	backend    mount.Backend
}

func (h *handler) Rebuild() error {
	cfg, err := config.Read(h.fsys, h.configPath)
	if err != nil {
		return err
	}
	return h.backend.Rebuild(mount.OptionsFromConfig(cfg))
}

func (h *handler) Flush() error {
	return h.backend.Flush()
}

func run(ctx *cli.Context) error {
	if ctx.Bool("verbose") {
		logging.GetLogger().SetLevel(logging.LevelDebug)
	}
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: mo2-vfs-helper <config-file>", 1)
	}
	configPath := ctx.Args().First()
	fsys := afero.NewOsFs()
	srv := helper.NewServer(os.Stdin, os.Stdout, nil)

	// Startup failures are reported on the protocol channel.
	fail := func(err error) error {
		logger.Error("%v", err)
		srv.Fail(err)
		return cli.NewExitError("", 1)
	}

	cfg, err := config.Read(fsys, configPath)
	if err != nil {
		return fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if ok, _ := afero.DirExists(fsys, cfg.MountPoint); !ok {
		return fail(errors.Errorf("data directory does not exist: %s", cfg.MountPoint))
	}

	u := mount.NewUnmounter()
	if err := u.CleanupStale(cfg.MountPoint); err != nil {
		logger.Warn("Stale mount cleanup: %v", err)
	}

	backend, err := mount.MountDirect(cfg.MountPoint, mount.OptionsFromConfig(cfg), nil, u)
	if err != nil {
		return fail(errors.Wrapf(err, "failed to mount FUSE at %s", cfg.MountPoint))
	}
	mount.SetCrashMountPoint(cfg.MountPoint)
	defer mount.SetCrashMountPoint("")

	srv = helper.NewServer(os.Stdin, os.Stdout, &handler{fsys: fsys, configPath: configPath, backend: backend})
	if err := srv.Mounted(); err != nil {
		backend.Unmount()
		return err
	}
	logger.Info("Mounted %s", cfg.MountPoint)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(sigCtx); err != nil {
		logger.Info("Shutting down: %v", err)
	}

	err = backend.Unmount()
	if err != nil {
		logger.Error("Unmount: %v", err)
	}
	if rerr := srv.Reply(err); rerr != nil {
		logger.Debug("Final reply not delivered: %v", rerr)
	}
	if err != nil {
		return cli.NewExitError("", 1)
	}
	return nil
}
