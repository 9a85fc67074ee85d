package cmd

import (
	"path/filepath"
	"time"

	"github.com/be9/turbogha/cache"
	"github.com/be9/turbogha/client"
	"github.com/be9/turbogha/metrics"
	"github.com/urfave/cli/v2"
)

// CreateApp builds the command line application.
func CreateApp() *cli.App {
	return &cli.App{
		Name:      "turbogha",
		Usage:     "run a command with a Turborepo remote cache backed by the GitHub Actions cache",
		UsageText: "turbogha [options] -- command [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cache-url",
				Usage:   "cache service base URL, or host:port for the reapi protocol",
				EnvVars: []string{"ACTIONS_CACHE_URL"},
			},
			&cli.StringFlag{
				Name:    "cache-token",
				Usage:   "cache service bearer token",
				EnvVars: []string{"ACTIONS_RUNTIME_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "protocol",
				Usage:   "cache service protocol: actions, presigned, reapi or memory",
				EnvVars: []string{"TURBOGHA_PROTOCOL"},
				Value:   string(client.ProtocolActions),
			},
			&cli.StringFlag{
				Name:    "temp-dir",
				Usage:   "directory for staging files and the filesystem cache",
				EnvVars: []string{"RUNNER_TEMP"},
				Value:   client.DefaultTempDir,
			},
			&cli.StringFlag{
				Name:    "cache-prefix",
				Usage:   "cache key prefix",
				EnvVars: []string{"TURBOGHA_CACHE_PREFIX"},
				Value:   cache.DefaultPrefix,
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "port to listen on",
				Value: DefaultPort,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout of a single remote cache operation (0 means none)",
				Value: 5 * time.Minute,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "number of retries of a failed HTTP request to the cache service",
				Value: 3,
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "client certificate PEM file (reapi)",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "client key PEM file (reapi)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "log file, defaults to turbogha.log in the temp directory",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token required from cache clients",
				EnvVars: []string{"TURBOGHA_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "auto-env",
				Usage: "set TURBO_API, TURBO_TOKEN and TURBO_TEAM for the command unless already set",
				Value: true,
			},
			&cli.BoolFlag{
				Name:    "disabled",
				Usage:   "just run the command",
				EnvVars: []string{"TURBOGHA_DISABLED"},
			},
			&cli.BoolFlag{
				Name:  "ignore-failures",
				Usage: "run the command even if the cache proxy can't be started",
				Value: true,
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("no command given", 2)
	}

	tempDir := c.String("temp-dir")
	logFile := c.String("log-file")
	if logFile == "" {
		logFile = filepath.Join(tempDir, "turbogha.log")
	}
	logger, closeLog := newLogger(logFile, c.Bool("debug"))

	tracker := metrics.NewLatencyTracker(0.01)
	opts := Options{
		Command: c.Args().First(),
		Args:    c.Args().Tail(),
		Cache: cache.Config{
			Remote: client.Config{
				Protocol: client.Protocol(c.String("protocol")),
				URL:      c.String("cache-url"),
				Token:    c.String("cache-token"),
				TempDir:  tempDir,
				RetryMax: c.Int("retries"),
				TLSCert:  c.String("tls-cert"),
				TLSKey:   c.String("tls-key"),
			},
			TempDir: tempDir,
			Prefix:  c.String("cache-prefix"),
			Timeout: c.Duration("timeout"),
		},
		BindAddr:       BindAddr(c.Int("port")),
		Token:          c.String("token"),
		CheckTimeout:   c.Duration("timeout"),
		AutoEnv:        c.Bool("auto-env"),
		Disabled:       c.Bool("disabled"),
		IgnoreFailures: c.Bool("ignore-failures"),
		Tracker:        tracker,
	}

	exitCode, stats, errorsIgnored, err := Main(logger, opts)
	if err == nil && !opts.Disabled && !errorsIgnored {
		logger.Info("[turbogha] server stats", stats.SlogArgs()...)
		for _, st := range tracker.GetAllStats() {
			logger.Info("[turbogha] latency", st.SlogArgs()...)
		}
	}

	// closed before app.Run exits the process with the command's exit code
	closeLog()

	if err != nil {
		return err
	}
	if exitCode != 0 {
		return cli.Exit("", exitCode)
	}
	return nil
}
