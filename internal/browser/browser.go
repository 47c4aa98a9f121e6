// Package browser opens URLs in the user's default web browser.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens url in the default browser. It tries the cross-platform
// launcher first and falls back to OS-specific commands. The command is
// started, not awaited; the browser tab outlives the call.
func OpenURL(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := open.Run(url)
	if err == nil {
		return nil
	}
	slog.DebugContext(ctx, "browser launcher failed, trying platform command", "error", err)

	return openPlatform(url)
}

func openPlatform(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, name := range []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium"} {
			if _, err := exec.LookPath(name); err == nil {
				cmd = exec.Command(name, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("no browser opener found")
		}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser command: %w", err)
	}

	return nil
}
