// Command edclient is a command-line client for the EcoleDirecte school API.
//
// It browses and downloads the personal and class clouds, mounts them as a
// read-only filesystem, mirrors them to a directory or an S3 bucket, and
// prints grades, homework, messages, school life events, billing accounts
// and documents.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/edclient/edclient/internal/config"
	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
	"github.com/edclient/edclient/pkg/client"
	"github.com/edclient/edclient/pkg/cloud"
)

// sessionMaxAge is how long a saved session is reused before logging in again.
const sessionMaxAge = 2 * time.Hour

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"login", "Log in and save the session", cmdLogin},
	{"logout", "Forget the saved session", cmdLogout},
	{"clouds", "List class clouds", cmdClouds},
	{"tree", "Print a cloud tree", cmdTree},
	{"ls", "List a cloud folder", cmdLs},
	{"get", "Download a cloud file or folder", cmdGet},
	{"mount", "Mount a cloud as a read-only filesystem", cmdMount},
	{"mirror", "Copy a whole cloud to a directory or S3", cmdMirror},
	{"grades", "Show grades", cmdGrades},
	{"homework", "Show homework", cmdHomework},
	{"messages", "List messages and save attachments", cmdMessages},
	{"message", "Mark, archive or move a message", cmdMessage},
	{"schoollife", "Show absences and delays", cmdSchoolLife},
	{"accounts", "Show billing accounts", cmdAccounts},
	{"documents", "List and download documents", cmdDocuments},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	name, args := os.Args[1], os.Args[2:]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, sessionPath: client.SessionFilePath()}
	if err := cmd.run(ctx, a, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logging.Error("command failed", zap.String("command", name), zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Sync()
		stop()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`edclient - EcoleDirecte command-line client

Usage: edclient <command> [flags] [args]

Commands:`)
	for _, c := range commands {
		fmt.Printf("  %-12s %s\n", c.name, c.usage)
	}
	fmt.Println(`
Run "edclient <command> -h" for the flags of a command.

Configuration is read from the environment and from .env:
  EDCLIENT_USERNAME, EDCLIENT_PASSWORD, EDCLIENT_API_URL, EDCLIENT_CACHE_DIR,
  EDCLIENT_MAX_CACHE, LOG_LEVEL, LOG_FORMAT, METRICS_ADDR, DATABASE_URL,
  S3_ENDPOINT, S3_BUCKET, S3_ACCESS_KEY, S3_SECRET_KEY, S3_REGION, S3_PREFIX

Examples:
  edclient login -user jdupont
  edclient clouds
  edclient tree -class 12
  edclient get '\Cours\TD1.pdf'
  edclient mount -class 12 ~/classe
  edclient mirror -dest ./backup
  edclient grades -best`)
}

// app holds what commands share: configuration and the lazily opened client.
type app struct {
	cfg         *config.Config
	sessionPath string
	user        string
	client      *client.Client
}

// flagSet creates the flags of a command with the options every command has.
func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&a.cfg.MetricsAddr, "metrics", a.cfg.MetricsAddr, "Serve Prometheus metrics on this address (e.g. :9090)")
	fs.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&a.user, "user", a.cfg.Username, "Account username")
	return fs
}

// parse parses the flags and applies the shared ones.
func (a *app) parse(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.SetLevel(a.cfg.LogLevel)
	if a.cfg.MetricsAddr != "" {
		metrics.Serve(ctx, a.cfg.MetricsAddr)
	}
	return nil
}

// Client returns a logged-in client, reusing the saved session when it is
// recent enough and belongs to the same user and server.
func (a *app) Client(ctx context.Context) (*client.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	s, err := client.LoadSession(a.sessionPath)
	if err == nil && a.sessionUsable(s) {
		logging.Debug("resuming session", zap.Time("saved_at", s.SavedAt))
		a.client = client.New(client.Config{
			BaseURL: a.cfg.APIURL,
			Timeout: a.cfg.Timeout,
			Token:   s.Token,
			Account: s.Account,
		})
		return a.client, nil
	}
	return a.login(ctx)
}

func (a *app) sessionUsable(s *client.SessionFile) bool {
	if s.Token == "" || s.Account == nil || s.IsStale(sessionMaxAge) {
		return false
	}
	if a.user != "" && !strings.EqualFold(a.user, s.Account.Username) {
		return false
	}
	server := strings.TrimRight(a.cfg.APIURL, "/")
	if server == "" {
		server = client.DefaultBaseURL
	}
	return s.Server == "" || s.Server == server
}

func (a *app) login(ctx context.Context) (*client.Client, error) {
	user := a.user
	if user == "" {
		var err error
		if user, err = promptLine("Username: "); err != nil {
			return nil, err
		}
	}
	password := a.cfg.Password
	if password == "" {
		var err error
		if password, err = promptPassword("Password: "); err != nil {
			return nil, err
		}
	}

	c := client.New(client.Config{BaseURL: a.cfg.APIURL, Timeout: a.cfg.Timeout})
	acc, err := c.Login(ctx, user, password)
	if err != nil {
		return nil, err
	}
	logging.Info("logged in",
		zap.String("user", acc.Username),
		zap.Int("id", acc.ID))

	if err := client.SaveSession(a.sessionPath, c.Session()); err != nil {
		logging.Warn("could not save session", zap.Error(err))
	}
	a.client = c
	return c, nil
}

// Cloud opens the class cloud classID, or the personal cloud when it is 0.
func (a *app) Cloud(ctx context.Context, classID int) (*cloud.Folder, error) {
	c, err := a.Client(ctx)
	if err != nil {
		return nil, err
	}
	if classID != 0 {
		return c.ClassCloud(ctx, classID)
	}
	return c.PersonalCloud(ctx)
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(prompt, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(prompt)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
