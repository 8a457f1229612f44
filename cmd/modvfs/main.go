// Command modvfs mounts a game's data directory merged with mods, an
// overwrite directory and injected files.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"modvfs/internal/config"
	"modvfs/internal/logging"
	"modvfs/internal/mount"
	"modvfs/internal/state"
	"modvfs/internal/tree"

	"bazil.org/fuse"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var (
	logger = logging.GetLogger()
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			mount.EmergencyUnmount()
			panic(r)
		}
	}()

	app := cli.NewApp()
	app.Name = "modvfs"
	app.Usage = "merged mod filesystem over a game data directory"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "verbose, v",
			Usage:  "trace logging, including FUSE protocol messages",
			EnvVar: "MODVFS_VERBOSE",
		},
		cli.StringFlag{
			Name:   "log-level",
			Usage:  "ERROR, WARN, INFO, DEBUG or TRACE",
			EnvVar: "LOG_LEVEL",
		},
		cli.StringFlag{
			Name:   "session",
			Usage:  "session record used for crash recovery",
			EnvVar: "MODVFS_SESSION",
			Value:  config.DefaultSessionPath(),
		},
	}
	app.Before = setupLogging

	app.Commands = []cli.Command{
		{
			Name:   "mount",
			Usage:  "mount in the foreground until interrupted",
			Action: mountCmd,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "game-dir, g",
					Usage:  "game installation directory",
					EnvVar: "MODVFS_GAME_DIR",
				},
				cli.StringFlag{
					Name:  "data-dir-name",
					Usage: "data directory inside the game directory",
					Value: "Data",
				},
				cli.StringFlag{
					Name:   "overwrite, o",
					Usage:  "persistent overwrite directory",
					EnvVar: "MODVFS_OVERWRITE",
				},
				cli.StringSliceFlag{
					Name:  "mod, m",
					Usage: "mod directory as PATH or NAME|PATH, lowest priority first",
				},
				cli.StringFlag{
					Name:   "modlist",
					Usage:  "file of mods, one per line; reread on SIGHUP",
					EnvVar: "MODVFS_MODLIST",
				},
				cli.StringSliceFlag{
					Name:  "extra, x",
					Usage: "injected file as RELPATH|SOURCE",
				},
				cli.StringFlag{
					Name:  "mode",
					Usage: "auto, direct or delegated",
					Value: "auto",
				},
				cli.StringFlag{
					Name:  "helper",
					Usage: "helper binary for delegated mode",
					Value: config.DefaultHelperPath(),
				},
				cli.StringFlag{
					Name:  "config",
					Usage: "helper config file for delegated mode",
					Value: config.DefaultPath(),
				},
			},
		},
		{
			Name:      "cleanup",
			Usage:     "unmount a stale mount and recover a crashed session",
			ArgsUsage: "[mount-point]",
			Action:    cleanupCmd,
		},
		{
			Name:      "status",
			Usage:     "report whether a path is mounted",
			ArgsUsage: "[mount-point]",
			Action:    statusCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	if name := ctx.String("log-level"); name != "" {
		level, ok := logging.ParseLevel(strings.ToUpper(name))
		if !ok {
			return errors.Errorf("unknown log level %q", name)
		}
		logger.SetLevel(level)
	}
	if ctx.Bool("verbose") {
		logger.SetLevel(logging.LevelTrace)
	}
	if logger.Enabled(logging.LevelTrace) {
		fuseLogger := logger.WithPrefix("fuse")
		fuse.Debug = func(msg interface{}) {
			fuseLogger.Trace("%v", msg)
		}
	}
	return nil
}

// parsePair splits NAME|PATH. A bare PATH is named after its base name.
func parsePair(s string) (string, string) {
	if name, path, ok := strings.Cut(s, "|"); ok {
		return name, path
	}
	return filepath.Base(filepath.Clean(s)), s
}

func readModList(path string) ([]tree.Mod, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open mod list")
	}
	defer f.Close()

	var mods []tree.Mod
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, p := parsePair(line)
		mods = append(mods, tree.Mod{Name: name, Path: p})
	}
	return mods, errors.Wrap(sc.Err(), "read mod list")
}

func mountOptions(ctx *cli.Context) (mount.Options, error) {
	opts := mount.Options{
		GameDir:      ctx.String("game-dir"),
		DataDirName:  ctx.String("data-dir-name"),
		OverwriteDir: ctx.String("overwrite"),
	}
	if opts.GameDir == "" || opts.OverwriteDir == "" {
		return opts, errors.New("--game-dir and --overwrite are required")
	}

	for _, m := range ctx.StringSlice("mod") {
		name, p := parsePair(m)
		opts.Mods = append(opts.Mods, tree.Mod{Name: name, Path: p})
	}
	if list := ctx.String("modlist"); list != "" {
		mods, err := readModList(list)
		if err != nil {
			return opts, err
		}
		opts.Mods = append(opts.Mods, mods...)
	}
	for _, x := range ctx.StringSlice("extra") {
		rel, src, ok := strings.Cut(x, "|")
		if !ok {
			return opts, errors.Errorf("malformed --extra %q, want RELPATH|SOURCE", x)
		}
		opts.ExtraFiles = append(opts.ExtraFiles, tree.Injection{Path: rel, Source: src})
	}
	return opts, nil
}

func parseMode(s string) (mount.Mode, error) {
	switch s {
	case "", "auto":
		return mount.ModeAuto, nil
	case "direct":
		return mount.ModeDirect, nil
	case "delegated":
		return mount.ModeDelegated, nil
	}
	return "", errors.Errorf("unknown mode %q", s)
}

func mountCmd(ctx *cli.Context) error {
	opts, err := mountOptions(ctx)
	if err != nil {
		return err
	}
	mode, err := parseMode(ctx.String("mode"))
	if err != nil {
		return err
	}

	ctl, err := mount.NewController(mount.Config{
		Mode:        mode,
		HelperPath:  ctx.String("helper"),
		ConfigPath:  ctx.String("config"),
		SessionPath: ctx.GlobalString("session"),
	})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	if err := ctl.Mount(opts); err != nil {
		return err
	}
	logger.Info("Mounted %s in %s mode; SIGHUP rebuilds, SIGUSR1 flushes", ctl.MountPoint(), ctl.Mode())

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			next, err := mountOptions(ctx)
			if err != nil {
				logger.Error("Rebuild skipped: %v", err)
				continue
			}
			if err := ctl.Rebuild(next.Mods, next.OverwriteDir, next.DataDirName); err != nil {
				logger.Error("Rebuild failed: %v", err)
			}
		case syscall.SIGUSR1:
			if err := ctl.FlushLive(); err != nil {
				logger.Error("Flush failed: %v", err)
			}
		default:
			logger.Info("Received %v, unmounting", sig)
			return ctl.Unmount()
		}
	}
	return nil
}

func sessionManager(ctx *cli.Context) (*state.Manager, *state.Session, error) {
	sm, err := state.NewManager(ctx.GlobalString("session"))
	if err != nil {
		return nil, nil, err
	}
	rec, err := sm.Load()
	if err != nil {
		return nil, nil, err
	}
	return sm, rec, nil
}

// target picks the mount point argument, falling back to the session record.
func target(ctx *cli.Context, rec *state.Session) (string, error) {
	if ctx.NArg() > 0 {
		return filepath.Abs(ctx.Args().First())
	}
	if rec != nil && rec.MountPoint != "" {
		return rec.MountPoint, nil
	}
	return "", errors.New("no mount point given and no session recorded")
}

func cleanupCmd(ctx *cli.Context) error {
	sm, rec, err := sessionManager(ctx)
	if err != nil {
		return err
	}
	path, err := target(ctx, rec)
	if err != nil {
		return err
	}

	if rec != nil && rec.Alive() && rec.PID != os.Getpid() && filepath.Clean(rec.MountPoint) == path {
		return errors.Errorf("%s is served by running pid %d", path, rec.PID)
	}
	if err := mount.NewUnmounter().CleanupStale(path); err != nil {
		return err
	}
	if rec != nil && filepath.Clean(rec.MountPoint) == path {
		if err := sm.Clear(); err != nil {
			return err
		}
	}
	fmt.Printf("%s: clean\n", path)
	return nil
}

func statusCmd(ctx *cli.Context) error {
	_, rec, err := sessionManager(ctx)
	if err != nil {
		return err
	}
	path, err := target(ctx, rec)
	if err != nil {
		return err
	}

	mounted, err := mount.IsMountPoint(path)
	if err != nil {
		return err
	}
	switch {
	case mounted:
		fmt.Printf("%s: mounted\n", path)
	case mount.MountedOrStale(path):
		fmt.Printf("%s: stale (transport endpoint not connected)\n", path)
	default:
		fmt.Printf("%s: not mounted\n", path)
	}

	if rec != nil && filepath.Clean(rec.MountPoint) == path {
		alive := "dead"
		if rec.Alive() {
			alive = "running"
		}
		fmt.Printf("session: pid %d (%s), %s mode, started %s\n", rec.PID, alive, rec.Mode, rec.Started.Format("2006-01-02 15:04:05"))
		if rec.HelperPID != 0 {
			fmt.Printf("helper: pid %d\n", rec.HelperPID)
		}
		fmt.Printf("staging: %s\noverwrite: %s\n", rec.StagingDir, rec.OverwriteDir)
	}
	return nil
}
