// Command petbnb is a terminal client for the PetBnB service.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/esracengel/PetBNB/internal/api"
	"github.com/esracengel/PetBNB/internal/config"
	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/market"
	"github.com/esracengel/PetBNB/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `petbnb CLI
Usage:
  petbnb [--config file] [--api URL] [--timeout 15s] <cmd> [args]

Commands:
  version
  register     --email <e> --username <u> --type petowner|caregiver [--password <p>]
  login        --email <e> [--password <p>]            (saves tokens)
  logout
  whoami
  requests     [--pet-type T] [--location L] [--start YYYY-MM-DD] [--end YYYY-MM-DD]
               [--sort startDate|endDate] [--offers]
  request-add  --pet-type T [--breed B] --start D --end D --location L --description S
  request-rm   --id <id> [--yes]
  offer-show   --request <id>
  offer        --request <id> --price 12.50 --message <text>   (creates or updates)
  offer-rm     --id <id> [--yes]
`

// main wires signals to a context and exits with run's status.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type app struct {
	cfg    *config.Config
	log    *zap.Logger
	client *api.Client
	sess   *session.Store
	market *market.Synchronizer

	stdin  io.Reader
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
}

var errUsage = errors.New("usage")

// run parses global flags, builds the client stack and dispatches one
// subcommand. It returns the process exit status.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("petbnb", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }
	cfgPath := fs.String("config", "", "config file (YAML)")
	apiURL := fs.String("api", "", "backend base URL")
	timeout := fs.Duration("timeout", 0, "per-call timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(stdout, "petbnb %s (%s)\n", version, buildDate)
		return 0
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *apiURL != "" {
		cfg.API.BaseURL = *apiURL
	}
	if *timeout > 0 {
		cfg.API.Timeout = *timeout
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	exec, err := api.NewExecutor(cfg.API.BaseURL, store,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	client := api.NewClient(exec)
	sess := session.New(client, store, logger)
	mk := market.New(client, sess,
		market.WithLogger(logger),
		market.WithConcurrency(cfg.Offers.Concurrency),
	)
	defer mk.Close()

	a := &app{
		cfg: cfg, log: logger, client: client, sess: sess, market: mk,
		stdin: stdin, in: bufio.NewReader(stdin), out: stdout, errOut: stderr,
	}

	var cmdErr error
	switch cmd {
	case "register":
		cmdErr = a.register(ctx, rest)
	case "login":
		cmdErr = a.login(ctx, rest)
	case "logout":
		cmdErr = a.logout(ctx, rest)
	case "whoami":
		cmdErr = a.whoami(ctx, rest)
	case "requests":
		cmdErr = a.requests(ctx, rest)
	case "request-add":
		cmdErr = a.requestAdd(ctx, rest)
	case "request-rm":
		cmdErr = a.requestRm(ctx, rest)
	case "offer-show":
		cmdErr = a.offerShow(ctx, rest)
	case "offer":
		cmdErr = a.offer(ctx, rest)
	case "offer-rm":
		cmdErr = a.offerRm(ctx, rest)
	default:
		fs.Usage()
		return 2
	}
	return a.fail(cmdErr)
}

// ---- helpers ----

func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// fail reports err on stderr and maps it to an exit status.
func (a *app) fail(err error) int {
	if err == nil {
		return 0
	}
	var verr *errs.ValidationError
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(a.errOut, err)
		return 2
	case errors.Is(err, errs.ErrAuthTerminated):
		fmt.Fprintln(a.errOut, errs.ErrAuthTerminated.Error())
	case errors.As(err, &verr):
		keys := make([]string, 0, len(verr.Fields))
		for k := range verr.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(a.errOut, "invalid input:")
		for _, k := range keys {
			fmt.Fprintf(a.errOut, "  %s: %s\n", k, verr.Fields[k])
		}
	case errors.Is(err, errs.ErrCancelled):
		fmt.Fprintln(a.errOut, "cancelled")
	case errors.Is(err, errs.ErrNetworkUnavailable):
		fmt.Fprintln(a.errOut, "backend unreachable:", err)
	default:
		fmt.Fprintln(a.errOut, errs.Detail(err))
	}
	return 1
}

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

func (a *app) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret prompts for a value without echo when stdin is a terminal.
func (a *app) readSecret(prompt string) (string, error) {
	fmt.Fprint(a.errOut, prompt)
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.errOut)
		return string(b), err
	}
	return a.readLine()
}

// confirmer asks on the terminal unless yes is set.
func (a *app) confirmer(yes bool) market.Confirmer {
	return market.ConfirmFunc(func(_ context.Context, prompt string) (bool, error) {
		if yes {
			return true, nil
		}
		fmt.Fprintf(a.errOut, "%s [y/N] ", prompt)
		line, err := a.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	})
}
