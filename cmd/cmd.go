package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/be9/turbogha/cache"
	"github.com/be9/turbogha/client"
	"github.com/be9/turbogha/metrics"
	"github.com/be9/turbogha/server"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultPort is the port the proxy listens on unless configured otherwise.
const DefaultPort = 41230

// Options carries CLI options, see Main.
type Options struct {
	// The command to run.
	Command string
	// Command's arguments.
	Args []string

	// Cache configuration; filesystem mode is used when Cache.Remote is not valid.
	Cache cache.Config

	// The address to bind to
	BindAddr string
	// Bearer token required from cache clients, empty means no authorization.
	Token string
	// Timeout used for the remote cache capability check
	CheckTimeout time.Duration

	// If true, the command will set TURBO_API, TURBO_TOKEN, and TURBO_TEAM variables (unless they are already set)
	AutoEnv bool
	// If true, just run the command.
	Disabled bool
	// If remote cache connection or proxy server start fails, just run the command.
	IgnoreFailures bool

	// Tracker, if set, receives remote cache latencies.
	Tracker *metrics.LatencyTracker
}

type Cmd struct {
	opts    Options
	logger  *slog.Logger
	backend client.Interface
	srv     *server.Server
	closers []func()
}

// Main is the CLI entry.
func Main(
	logger *slog.Logger,
	opts Options,
) (exitCode int, serverStats server.Stats, errorsIgnored bool, err error) {
	var (
		cmd = &Cmd{opts: opts, logger: logger}

		startClientAndServer = func() error {
			var err error
			if err = cmd.instantiateClient(); err != nil {
				return fault.Wrap(err, fmsg.With("failed to create remote cache client"))
			}
			if err = cmd.startServer(); err != nil {
				return fault.Wrap(err, fmsg.With("failed to start proxy server"))
			}
			return nil
		}
	)
	defer cmd.shutdown()

	if !cmd.opts.Disabled {
		clientServerErr := startClientAndServer()
		if clientServerErr != nil {
			if cmd.opts.IgnoreFailures {
				logger.Error("cache proxy failed, just running the command",
					slog.String("err", clientServerErr.Error()))

				errorsIgnored = true
			} else {
				return 1, serverStats, false, clientServerErr
			}
		}
	}

	serverActuallyRuns := !errorsIgnored && !cmd.opts.Disabled

	// Start the command in the background
	c := exec.Command(cmd.opts.Command, cmd.opts.Args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	if serverActuallyRuns && cmd.opts.AutoEnv {
		c.Env = cmd.turboEnvironment()
	}
	if err = c.Start(); err != nil {
		return 1, server.Stats{}, false, fault.Wrap(err, fmsg.With("error starting command"))
	}
	if err = c.Wait(); err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
			err = nil
		} else {
			return 1, server.Stats{}, false, fault.Wrap(err, fmsg.With("error running command"))
		}
	}
	if serverActuallyRuns {
		serverStats = cmd.srv.GetStatistics()
	}
	return
}

// capabilityChecker is implemented by backends that can verify the remote end before use.
type capabilityChecker interface {
	CheckCapabilities(ctx context.Context) error
}

// instantiateClient creates the remote cache backend, unless the cache runs in filesystem
// mode, and runs CheckCapabilities if the backend supports it.
func (cmd *Cmd) instantiateClient() error {
	remote := cmd.opts.Cache.Remote
	if !remote.Valid() {
		cmd.logger.Debug("remote cache is not configured", slog.String("reason", remote.Validate().Error()))
		return nil
	}
	if remote.TempDir == "" {
		remote.TempDir = cmd.opts.Cache.TempDir
	}

	cl, err := client.New(cmd.logger, remote)
	if err != nil {
		return err
	}

	if checker, ok := cl.(capabilityChecker); ok {
		ctx, cancel := context.WithTimeout(context.Background(), cmd.checkTimeout())
		defer cancel()

		cmd.logger.Debug("checking server capabilities")
		if err = checker.CheckCapabilities(ctx); err != nil {
			closeBackend(cl)
			return err
		}
	}

	if cmd.opts.Tracker != nil {
		cmd.backend = client.Instrumented(cl, cmd.opts.Tracker, cmd.logger)
	} else {
		cmd.backend = cl
	}
	cmd.closers = append(cmd.closers, func() { closeBackend(cl) })
	return nil
}

func (cmd *Cmd) checkTimeout() time.Duration {
	if cmd.opts.CheckTimeout > 0 {
		return cmd.opts.CheckTimeout
	}
	return 10 * time.Second
}

// startServer creates the server, starts HTTP listener in a goroutine, and uses HTTP GET
// with retries to check that the server is up.
func (cmd *Cmd) startServer() error {
	mediator := cache.NewMediator(cmd.logger, cmd.opts.Cache, cmd.backend)
	srv := server.NewServer(cmd.logger, mediator, server.Options{Token: cmd.opts.Token})

	addr := cmd.opts.BindAddr
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.CreateHandler(),
	}

	go func() {
		cmd.logger.Debug("starting HTTP server", slog.String("addr", addr))

		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// we can't directly signal this error from the goroutine, but in case this happens,
			// the accessibility check will fail.
			cmd.logger.Error(err.Error())
		}
	}()
	cmd.closers = append(cmd.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	})

	hc := retryablehttp.NewClient()
	hc.Logger = nil
	req, err := retryablehttp.NewRequest(http.MethodGet, serverCheckURL(addr), nil)
	if err != nil {
		return err
	}
	if cmd.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cmd.opts.Token)
	}
	if resp, err := hc.Do(req); err != nil {
		return err
	} else {
		_ = resp.Body.Close()
		cmd.logger.Debug("HTTP server is accessible", slog.Int("status", resp.StatusCode))
	}

	cmd.srv = srv
	return nil
}

// shutdown stops the server and releases the backend, in reverse order of creation.
func (cmd *Cmd) shutdown() {
	for i := len(cmd.closers) - 1; i >= 0; i-- {
		cmd.closers[i]()
	}
	cmd.closers = nil
}

func closeBackend(cl client.Interface) {
	if c, ok := cl.(io.Closer); ok {
		_ = c.Close()
	}
}

// BindAddr returns the listen address for port on all interfaces.
func BindAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func serverCheckURL(addr string) string {
	return serverBaseURL(addr) + "/v8/artifacts/status"
}

func serverBaseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s", addr)
}

func (cmd *Cmd) turboEnvironment() []string {
	var (
		env = os.Environ()
		ok  bool
	)
	if _, ok = os.LookupEnv("TURBO_API"); !ok {
		env = append(env, fmt.Sprintf("TURBO_API=%s", serverBaseURL(cmd.opts.BindAddr)))
	}
	if _, ok = os.LookupEnv("TURBO_TOKEN"); !ok {
		token := cmd.opts.Token
		if token == "" {
			token = "ignore"
		}
		env = append(env, "TURBO_TOKEN="+token)
	}
	if _, ok = os.LookupEnv("TURBO_TEAM"); !ok {
		env = append(env, "TURBO_TEAM=ignore")
	}
	return env
}
