package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/kerneld"
	"github.com/loykin/kerneld/internal/auth"
	"github.com/loykin/kerneld/pkg/client"
)

// command carries the handlers behind the cobra commands.
type command struct {
	out io.Writer
	// serving is called once the server accepts connections.
	serving func(*kerneld.Service)
}

func newCommand(out io.Writer) *command {
	return &command{out: out}
}

// Serve runs the server until ctx is cancelled or SIGINT/SIGTERM arrives,
// then stops every daemon before exiting.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []kerneld.Option
	if f.Listen != "" {
		opts = append(opts, kerneld.WithListen(f.Listen))
	}
	svc, err := kerneld.Open(f.ConfigPath, opts...)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := svc.Serve(); err != nil {
		_ = svc.Shutdown(context.Background())
		return err
	}
	cfg := svc.Config()
	_, _ = fmt.Fprintf(c.out, "Starting kerneld on %s%s (engine %s)\n", svc.Addr(), cfg.Server.BasePath, svc.Engine())
	if c.serving != nil {
		c.serving(svc)
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(c.out, "Shutting down...")
	// stops run concurrently, each bounded by the teardown timeout
	sctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Daemon.TeardownTimeout+5*time.Second)
	defer cancel()
	return svc.Shutdown(sctx)
}

func (c *command) client(g GlobalFlags) (*client.Client, error) {
	if g.User == "" && g.Token == "" {
		return nil, errors.New("user is required (--user or KERNELD_USER, or --token)")
	}
	url := g.APIUrl
	if url == "" {
		url = defaultAPIUrl
	}
	return client.New(client.Config{
		BaseURL: url,
		Timeout: g.APITimeout,
		UserID:  g.User,
		Role:    g.Role,
		Token:   g.Token,
	}), nil
}

func (c *command) List(ctx context.Context, g GlobalFlags, f ListFlags) error {
	api, err := c.client(g)
	if err != nil {
		return err
	}
	list, err := api.List(ctx, f.ChatID)
	if err != nil {
		return err
	}
	if list == nil {
		list = []client.Daemon{}
	}
	return printJSON(c.out, list)
}

func (c *command) Get(ctx context.Context, g GlobalFlags, id string) error {
	api, err := c.client(g)
	if err != nil {
		return err
	}
	d, err := api.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(c.out, d)
}

func (c *command) Stop(ctx context.Context, g GlobalFlags, f StopFlags) error {
	if f.DaemonID == "" {
		return errors.New("daemon id is required")
	}
	api, err := c.client(g)
	if err != nil {
		return err
	}
	res, err := api.Stop(ctx, f.DaemonID)
	if err != nil {
		return err
	}
	if err := printJSON(c.out, res); err != nil {
		return err
	}
	if res.Status == "error" {
		return fmt.Errorf("daemon %s did not stop cleanly: %s", res.DaemonID, res.Reason)
	}
	return nil
}

func (c *command) StopChat(ctx context.Context, g GlobalFlags, f StopChatFlags) error {
	if f.ChatID == "" {
		return errors.New("chat id is required")
	}
	api, err := c.client(g)
	if err != nil {
		return err
	}
	res, err := api.StopChat(ctx, f.ChatID)
	if err != nil {
		return err
	}
	if err := printJSON(c.out, res); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d daemon(s) did not stop cleanly", len(res.Errors))
	}
	return nil
}

func (c *command) Capabilities(ctx context.Context, g GlobalFlags) error {
	api, err := c.client(g)
	if err != nil {
		return err
	}
	caps, err := api.Capabilities(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, caps)
}

// Token prints a signed token for g.User with the comma-separated g.Role.
func (c *command) Token(g GlobalFlags, f TokenFlags) error {
	if g.User == "" {
		return errors.New("user is required")
	}
	cfg, err := kerneld.LoadConfig(g.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not configured")
	}
	var roles []string
	for _, r := range strings.Split(g.Role, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	tok, err := auth.SignToken([]byte(cfg.Server.JWTSecret), g.User, roles, f.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, tok)
	return err
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
