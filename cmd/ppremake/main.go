package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ppbuild/ppremake/internal/debug"
	"github.com/ppbuild/ppremake/internal/driver"
	"github.com/ppbuild/ppremake/internal/version"
)

func main() {
	var verbosity int

	cli.VersionFlag = &cli.BoolFlag{
		Name:  "V",
		Usage: "Report the version of ppremake, and exit",
	}
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(os.Stderr, "This is %s.\nDefault platform is %q.\n",
			version.FullInfo(), defaultPlatform())
	}

	app := &cli.App{
		Name:            "ppremake",
		Usage:           "A script preprocessor that generates build files from Sources.pp trees",
		Version:         version.Version,
		HideHelpCommand: true,
		Description: "ppremake scans the source directory hierarchy containing the current\n" +
			"directory, looking for directories that contain a file called Sources.pp.\n" +
			"At the top of the tree must be a file called Package.pp, which defines key\n" +
			"variables for processing as well as pointing out further config files.\n\n" +
			"The package file is read and interpreted, followed by each source file in\n" +
			"turn; finally each directory's template file is expanded to produce the\n" +
			"actual output (Makefiles or whatever the build environment needs).\n\n" +
			"The positional parameters name the subdirectories (by local name, not\n" +
			"path) whose output should be generated; with no parameters, every\n" +
			"directory is processed.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "v",
				Usage: "Turn on verbose output; repeat to be very verbose",
				Count: &verbosity,
			},
			&cli.IntFlag{
				Name:  "x",
				Usage: "Print a histogram of the `count` most-frequently expanded strings",
			},
			&cli.BoolFlag{
				Name:  "P",
				Usage: "Report the current platform name, and exit",
			},
			&cli.BoolFlag{
				Name:  "I",
				Usage: "Report the compiled-in default for INSTALL_DIR, and exit",
			},
			&cli.StringSliceFlag{
				Name:  "D",
				Usage: "Examine the given dependency cache `file`, and proceed only if it is stale",
			},
			&cli.BoolFlag{
				Name:  "d",
				Usage: "Report the set of directories the named subdirectories depend on",
			},
			&cli.BoolFlag{
				Name:  "r",
				Usage: "Report the set of directories that depend on the named subdirectories",
			},
			&cli.BoolFlag{
				Name:  "n",
				Usage: "Dry run: generate no output, but report the files that would change",
			},
			&cli.BoolFlag{
				Name:  "N",
				Usage: "Verbose dry run: show the diff for the files that would change",
			},
			&cli.StringFlag{
				Name:  "p",
				Usage: "Build as if for the indicated `platform` name",
			},
			&cli.StringFlag{
				Name:  "c",
				Usage: "Read the indicated user-level `config.pp` file after the system one",
			},
			&cli.StringFlag{
				Name:  "s",
				Usage: "Run the bundled sed subset over stdin (legacy; copies stdin to stdout)",
			},
			&cli.BoolFlag{
				Name:    "w",
				Aliases: []string{"watch"},
				Usage:   "Stay resident and re-run generation when source files change",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, verbosity)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultPlatform() string {
	if env := os.Getenv("PPREMAKE_PLATFORM"); env != "" {
		return env
	}
	return runtime.GOOS
}

func run(c *cli.Context, verbosity int) error {
	if c.IsSet("s") {
		// The sed subset is legacy surface; the entry point remains but
		// simply passes stdin through.
		if _, err := io.Copy(os.Stdout, os.Stdin); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	}

	debug.SetVerbosity(verbosity)

	if c.Bool("P") {
		fmt.Fprintf(os.Stderr, "ppremake built for default platform %q.\n", defaultPlatform())
		return nil
	}
	if c.Bool("I") {
		fmt.Fprintf(os.Stderr, "Default value for INSTALL_DIR is %s.\n", driver.DefaultInstallDir)
		return nil
	}

	// With -D, proceed only if some cache file is stale.
	if depFiles := c.StringSlice("D"); len(depFiles) > 0 {
		stale := false
		for _, depFile := range depFiles {
			if !driver.CheckDependencies(depFile) {
				stale = true
			}
		}
		if !stale {
			return nil
		}
		fmt.Println(os.Args[0])
	}

	cfg, err := driver.LoadConfig(".")
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	platform := defaultPlatform()
	if cfg.Platform != "" {
		platform = cfg.Platform
	}
	if c.IsSet("p") {
		platform = c.String("p")
	}

	userConfig := os.Getenv("PPREMAKE_CONFIG")
	gotUserConfig := userConfig != ""
	if c.IsSet("c") {
		userConfig = c.String("c")
		gotUserConfig = true
	}

	opts := driver.Options{
		Platform:             platform,
		UserConfig:           userConfig,
		GotUserConfig:        gotUserConfig,
		DryRun:               c.Bool("n") || c.Bool("N"),
		VerboseDiff:          c.Bool("N"),
		ReportDepends:        c.Bool("d"),
		ReportReverseDepends: c.Bool("r"),
		CacheMaxAge:          cfg.CacheMaxAge,
		Suggestions:          cfg.Suggestions,
	}
	if count := c.Int("x"); count > 0 {
		opts.Histogram = debug.NewExpandHistogram()
	}

	errsOccurred := runOnce(opts, c.Args().Slice(), c.Bool("w"), cfg.WatchDebounce)

	if opts.Histogram != nil {
		opts.Histogram.Report(os.Stderr, c.Int("x"))
	}

	if errsOccurred {
		fmt.Fprintln(os.Stderr, "Errors occurred during ppremake.")
		return cli.Exit("", 1)
	}
	fmt.Fprintln(os.Stderr, "No errors.")
	return nil
}

// runOnce performs one full generation pass and, in watch mode, keeps
// re-running on changes until interrupted.  It reports whether the final
// pass saw errors.
func runOnce(opts driver.Options, dirnames []string, watch bool, debounce time.Duration) bool {
	m, errsOccurred := generate(opts, dirnames)
	if !watch {
		return errsOccurred
	}
	if m == nil {
		// The tree never came up; there is nothing to watch.
		return errsOccurred
	}

	watcher, err := driver.NewWatcher(debounce)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return true
	}
	defer watcher.Close()
	for _, path := range m.WatchPaths() {
		if err := watcher.Add(path); err != nil {
			debug.Logf("Watch: cannot add %s: %v", path, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "Watching for changes; press Ctrl-C to stop.")
	watcher.Run(ctx, func() {
		_, errsOccurred = generate(opts, dirnames)
	})
	return errsOccurred
}

// generate runs one complete ppremake pass and reports whether it saw
// errors.
func generate(opts driver.Options, dirnames []string) (*driver.Main, bool) {
	m := driver.New(opts)
	if err := m.ReadSource("."); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, true
	}

	if opts.ReportDepends || opts.ReportReverseDepends {
		if len(dirnames) == 0 {
			fmt.Fprintln(os.Stderr, "No named directories.")
			return m, true
		}
		for _, dirname := range dirnames {
			fmt.Fprintln(os.Stderr)
			if opts.ReportDepends {
				m.ReportDepends(dirname)
			}
			if opts.ReportReverseDepends {
				m.ReportReverseDepends(dirname)
			}
		}
		return m, m.Context().ErrorsOccurred()
	}

	if len(dirnames) == 0 {
		if err := m.ProcessAll(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return m, true
		}
	} else {
		for _, dirname := range dirnames {
			if err := m.Process(dirname); err != nil {
				fmt.Fprintln(os.Stderr, err)
				fmt.Fprintf(os.Stderr, "Unable to process %s.\n", dirname)
				return m, true
			}
		}
	}
	return m, m.Context().ErrorsOccurred()
}
