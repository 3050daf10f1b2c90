package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"icpassword/go-client/internal/auth"
	"icpassword/go-client/internal/authority"
	"icpassword/go-client/internal/config"
	"icpassword/go-client/internal/platform/privacylog"
	"icpassword/go-client/internal/storage"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitOK               = 0
	exitInvalidInput     = 10
	exitAuthFailed       = 20
	exitNetworkFailed    = 30
	exitNotAuthenticated = 40
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "signup":
		code = runAuthenticate(ctx, os.Args[2:], true)
	case "signin":
		code = runAuthenticate(ctx, os.Args[2:], false)
	case "status":
		code = runStatus(ctx, os.Args[2:])
	case "signout":
		code = runSignOut(ctx, os.Args[2:])
	case "call":
		code = runCall(ctx, os.Args[2:])
	case "version":
		writeStdoutf(exitInvalidInput, "icpassword version=%s commit=%s build_date=%s\n", version, commit, buildDate)
	default:
		printUsage()
		code = exitInvalidInput
	}
	stop()
	os.Exit(code)
}

type commonFlags struct {
	configPath *string
	asJSON     *bool
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "path to icpassword.yaml or .toml (optional)"),
		asJSON:     fs.Bool("json", false, "emit json"),
	}
}

func runAuthenticate(ctx context.Context, args []string, register bool) int {
	name := "signin"
	if register {
		name = "signup"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	common := registerCommon(fs)
	username := fs.String("username", "", "account username")
	if err := fs.Parse(args); err != nil {
		return writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*username) == "" {
		return writeStderrln("username is required", exitInvalidInput)
	}
	password, err := readPassword(os.Stdin)
	if err != nil {
		return writeStderrln(err.Error(), exitInvalidInput)
	}

	m, code := openManager(ctx, *common.configPath)
	if m == nil {
		return code
	}
	defer m.Close()

	var res auth.Result
	if register {
		res, err = m.SignUp(ctx, *username, password)
	} else {
		res, err = m.SignIn(ctx, *username, password)
	}
	if err != nil {
		return writeStderrln(err.Error(), authExitCode(err))
	}
	out := map[string]any{
		"principal":   res.Principal.String(),
		"expires_at":  res.ExpiresAt.UTC().Format(time.RFC3339),
		"is_new_user": res.IsNewUser,
	}
	if *common.asJSON {
		if err := printJSON(out); err != nil {
			return writeStderrln(err.Error(), exitNetworkFailed)
		}
		return exitOK
	}
	writeStdoutf(exitNetworkFailed, "principal=%s expires_at=%s is_new_user=%v\n",
		out["principal"], out["expires_at"], res.IsNewUser)
	return exitOK
}

func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return writeStderrln(err.Error(), exitInvalidInput)
	}
	m, code := openManager(ctx, *common.configPath)
	if m == nil {
		return code
	}
	defer m.Close()

	status := map[string]any{"authenticated": m.IsAuthenticated()}
	if p := m.Principal(); p != nil {
		status["principal"] = p.String()
	}
	if exp, ok := m.ExpiresAt(); ok {
		status["expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	if *common.asJSON {
		if err := printJSON(status); err != nil {
			return writeStderrln(err.Error(), exitNetworkFailed)
		}
	} else {
		writeStdoutf(exitNetworkFailed, "authenticated=%v principal=%v expires_at=%v\n",
			status["authenticated"], valueOr(status["principal"], "-"), valueOr(status["expires_at"], "-"))
	}
	if !m.IsAuthenticated() {
		return exitNotAuthenticated
	}
	return exitOK
}

func runSignOut(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("signout", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return writeStderrln(err.Error(), exitInvalidInput)
	}
	m, code := openManager(ctx, *common.configPath)
	if m == nil {
		return code
	}
	defer m.Close()
	if err := m.SignOut(ctx, auth.ReasonManual); err != nil {
		return writeStderrln(err.Error(), exitNetworkFailed)
	}
	writeStdoutln(exitNetworkFailed, "signed out")
	return exitOK
}

func runCall(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	common := registerCommon(fs)
	canister := fs.String("canister", "", "target canister id")
	method := fs.String("method", "", "method name")
	argHex := fs.String("arg", "", "hex encoded argument")
	if err := fs.Parse(args); err != nil {
		return writeStderrln(err.Error(), exitInvalidInput)
	}
	if *canister == "" || *method == "" {
		return writeStderrln("canister and method are required", exitInvalidInput)
	}
	arg, err := hex.DecodeString(*argHex)
	if err != nil {
		return writeStderrln("arg must be hex: "+err.Error(), exitInvalidInput)
	}
	m, code := openManager(ctx, *common.configPath)
	if m == nil {
		return code
	}
	defer m.Close()

	a, err := m.CreateAgent(ctx)
	if err != nil {
		return writeStderrln(err.Error(), exitNetworkFailed)
	}
	if a == nil {
		return writeStderrln("not signed in", exitNotAuthenticated)
	}
	reply, err := a.Call(ctx, *canister, *method, arg)
	if err != nil {
		return writeStderrln(err.Error(), exitNetworkFailed)
	}
	if _, err := os.Stdout.Write(reply); err != nil {
		return exitNetworkFailed
	}
	writeStdoutln(exitNetworkFailed, "")
	return exitOK
}

// openManager loads configuration and restores any persisted session. It
// returns a nil manager and an exit code on failure.
func openManager(ctx context.Context, configPath string) (*auth.Manager, int) {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return nil, writeStderrln(err.Error(), exitInvalidInput)
	}
	// Memory storage would forget the session between invocations.
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == storage.BackendMemory {
		path, err := defaultSessionPath()
		if err != nil {
			return nil, writeStderrln(err.Error(), exitInvalidInput)
		}
		cfg.Storage.Backend = storage.BackendFile
		cfg.Storage.Path = path
	}
	// A one-shot process has no activity to observe.
	cfg.Idle.Disabled = true

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, writeStderrln(err.Error(), exitInvalidInput)
	}
	m, err := auth.Create(ctx, cfg, auth.WithLogger(logger))
	if err != nil {
		return nil, writeStderrln(err.Error(), exitInvalidInput)
	}
	return m, exitOK
}

func defaultSessionPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	dir = filepath.Join(dir, "icpassword")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level := slog.LevelWarn
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	return privacylog.NewLogger(os.Stderr, level, strings.EqualFold(cfg.Format, "json")), nil
}

// readPassword reads without echo from a terminal, or one line from a pipe.
func readPassword(in *os.File) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		if _, err := fmt.Fprint(os.Stderr, "Password: "); err != nil {
			return "", err
		}
		raw, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	return readPasswordLine(in)
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func authExitCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return exitInvalidInput
	case errors.Is(err, authority.ErrDelegation):
		return exitAuthFailed
	default:
		return exitNetworkFailed
	}
}

func valueOr(v any, fallback string) any {
	if v == nil {
		return fallback
	}
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	writeStdoutln(exitInvalidInput, "icpassword <command> [flags]")
	writeStdoutln(exitInvalidInput, "commands:")
	writeStdoutln(exitInvalidInput, "  signup   --username <name> [--config path] [--json]   (password on stdin)")
	writeStdoutln(exitInvalidInput, "  signin   --username <name> [--config path] [--json]   (password on stdin)")
	writeStdoutln(exitInvalidInput, "  status   [--config path] [--json]")
	writeStdoutln(exitInvalidInput, "  signout  [--config path]")
	writeStdoutln(exitInvalidInput, "  call     --canister <id> --method <name> [--arg hex] [--config path]")
	writeStdoutln(exitInvalidInput, "  version")
}

func writeStdoutln(exitCode int, line string) {
	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		os.Exit(exitCode)
	}
}

func writeStdoutf(exitCode int, format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stdout, format, args...); err != nil {
		os.Exit(exitCode)
	}
}

func writeStderrln(line string, exitCode int) int {
	if _, err := fmt.Fprintln(os.Stderr, line); err != nil {
		os.Exit(exitCode)
	}
	return exitCode
}
