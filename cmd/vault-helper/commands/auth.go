package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/tinfoillabs/vault-helper/internal/authflow"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "run an interactive authorization and store the tokens",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "manual",
				Usage: "print the authorization URL and paste the redirect back instead of using a local listener",
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer flush()

	if cmd.Bool("manual") {
		_, err = application.Auth().LoginManual(ctx, promptRedirect)
	} else {
		_, err = application.Auth().Login(ctx)
	}
	if err != nil {
		return friendlyAuthError(err)
	}

	st, err := application.Auth().Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in. Access token valid until %s.\n", st.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "discard the stored tokens",
		Action: logoutAction,
	}
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer flush()

	if err := application.Auth().Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "show the stored credential without contacting the provider",
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer flush()

	st, err := application.Auth().Status(ctx)
	if err != nil {
		return err
	}
	if !st.Authenticated {
		fmt.Println("Not logged in.")
		return nil
	}

	fmt.Println("Logged in.")
	fmt.Printf("  valid:   %t\n", st.Valid)
	fmt.Printf("  expires: %s\n", st.ExpiresAt.Local().Format(time.RFC1123))
	fmt.Printf("  refresh: %t\n", st.HasRefresh)
	fmt.Printf("  type:    %s\n", st.TokenType)
	fmt.Printf("  scopes:  %s\n", strings.Join(st.Scopes, " "))
	return nil
}

func introspectCommand() *cli.Command {
	return &cli.Command{
		Name:   "introspect",
		Usage:  "verify the access token against the provider (may start a login)",
		Action: introspectAction,
	}
}

func introspectAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer flush()

	token, err := application.Auth().EnsureValidToken(ctx)
	if err != nil {
		return friendlyAuthError(err)
	}

	info, err := application.Auth().Introspect(ctx, token)
	if err != nil {
		return err
	}

	fmt.Printf("  active:   %t\n", info.Active)
	if info.Username != "" {
		fmt.Printf("  username: %s\n", info.Username)
	}
	if info.Scope != "" {
		fmt.Printf("  scope:    %s\n", info.Scope)
	}
	if info.Exp > 0 {
		fmt.Printf("  expires:  %s\n", time.Unix(info.Exp, 0).Local().Format(time.RFC1123))
	}
	return nil
}

// promptRedirect prints the authorization URL and reads the redirect URL the
// user pasted back. Refuses to run without a terminal on stdin so a scripted
// invocation fails loudly instead of hanging.
func promptRedirect(_ context.Context, authURL string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("manual login requires an interactive terminal")
	}

	fmt.Printf("Open this URL in a browser:\n\n  %s\n\nPaste the full redirect URL here: ", authURL)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading redirect URL: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// friendlyAuthError rewraps flow failures into messages that read well on a
// terminal.
func friendlyAuthError(err error) error {
	switch {
	case errors.Is(err, authflow.ErrUserAbandoned):
		return errors.New("login timed out waiting for the browser redirect")
	case errors.Is(err, authflow.ErrPortInUse):
		return fmt.Errorf("cannot listen for the login redirect: %w", err)
	case errors.Is(err, authflow.ErrStateMismatch):
		return errors.New("login rejected: the redirect did not match this attempt")
	case errors.Is(err, authflow.ErrLoginInProgress):
		return errors.New("another login attempt is already running")
	default:
		return err
	}
}
