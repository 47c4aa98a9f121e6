package authflow

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// callbackPath is the fixed loopback redirect path registered with the
// provider.
const callbackPath = "/callback"

// closeGrace bounds how long a shutting-down listener waits for an in-flight
// response to finish.
const closeGrace = 2 * time.Second

const (
	successPage = `<h1>Authorization Successful</h1><p>You can close this window.</p>`
	failurePage = `<h1>Authorization Failed</h1><p>Error: %s</p><p>%s</p>`
	invalidPage = `<h1>Invalid Request</h1><p>Callback received without expected parameters.</p>`
	repeatPage  = `<h1>Already Handled</h1><p>This authorization attempt has already completed.</p>`
)

// callbackResult is the outcome of one authorization redirect.
type callbackResult struct {
	code  string
	state string
}

// callbackListener captures exactly one authorization redirect on a loopback
// port, answers the browser with a confirmation page, and shuts down. It is a
// synchronization point, not a service.
type callbackListener struct {
	srv *http.Server

	results chan callbackResult
	errs    chan error

	deliverOnce sync.Once
	closeOnce   sync.Once
}

// newCallbackListener binds 127.0.0.1:port and starts serving immediately,
// so the port is held before the authorization URL ever reaches a browser.
func newCallbackListener(port int) (*callbackListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: 127.0.0.1:%d: %v", ErrPortInUse, port, err)
	}

	l := &callbackListener{
		results: make(chan callbackResult, 1),
		errs:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, l.handleCallback)
	mux.HandleFunc("/", l.handleUnknown)

	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.deliver(callbackResult{}, fmt.Errorf("callback listener: %w", err))
		}
	}()

	return l, nil
}

// wait blocks until the redirect arrives, the timeout elapses, or ctx is
// cancelled. The port is released on every exit path.
func (l *callbackListener) wait(ctx context.Context, timeout time.Duration) (*callbackResult, error) {
	defer l.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-l.results:
		return &res, nil
	case err := <-l.errs:
		return nil, err
	case <-timer.C:
		return nil, ErrCallbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the port. Idempotent; later requests are refused by the OS.
func (l *callbackListener) Close() {
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		_ = l.srv.Shutdown(ctx)
	})
}

// deliver hands the outcome to wait. Only the first call wins; it reports
// whether this caller was first.
func (l *callbackListener) deliver(res callbackResult, err error) bool {
	delivered := false
	l.deliverOnce.Do(func() {
		delivered = true
		if err != nil {
			l.errs <- err
		} else {
			l.results <- res
		}
	})
	return delivered
}

func (l *callbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writePage(w, http.StatusMethodNotAllowed, invalidPage)
		l.deliver(callbackResult{}, fmt.Errorf("%w: method %s", ErrMalformedCallback, r.Method))
		return
	}

	res, err := resultFromQuery(r.URL.Query())
	if err != nil {
		// The browser still gets a human-readable page; the attempt fails.
		var perr *ProviderError
		if errors.As(err, &perr) {
			writePage(w, http.StatusBadRequest,
				fmt.Sprintf(failurePage, html.EscapeString(perr.Code), html.EscapeString(perr.Description)))
		} else {
			writePage(w, http.StatusBadRequest, invalidPage)
		}
		l.deliver(callbackResult{}, err)
		return
	}

	if !l.deliver(*res, nil) {
		writePage(w, http.StatusConflict, repeatPage)
		return
	}
	writePage(w, http.StatusOK, successPage)
}

// handleUnknown rejects anything outside the registered redirect path.
func (l *callbackListener) handleUnknown(w http.ResponseWriter, r *http.Request) {
	writePage(w, http.StatusNotFound, invalidPage)
	l.deliver(callbackResult{}, fmt.Errorf("%w: unexpected path %q", ErrMalformedCallback, r.URL.Path))
}

// resultFromQuery interprets redirect query parameters. Shared by the
// listener and the manual paste path.
func resultFromQuery(q url.Values) (*callbackResult, error) {
	if errCode := q.Get("error"); errCode != "" {
		return nil, &ProviderError{
			Op:          "authorize",
			Code:        errCode,
			Description: q.Get("error_description"),
		}
	}

	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: no code or error parameter", ErrMalformedCallback)
	}

	return &callbackResult{
		code:  code,
		state: q.Get("state"),
	}, nil
}

func writePage(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}
