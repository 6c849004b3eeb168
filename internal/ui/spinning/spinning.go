// Package spinning provides a friendly spinning clock (or some other spinning symbols)
// to use while the program is blocked on something slow, like loading a dataset or compiling a model.
package spinning

import (
	"context"
	"fmt"
	"golang.org/x/term"
	"io"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Spinning is a running spinner, created with New.
type Spinning struct {
	wg      sync.WaitGroup
	cancel  func()
	message string
	start   time.Time
}

var (
	ThemeAscii = []rune("|/-\\")
	ThemeClock = []rune("🕐🕑🕒🕓🕔🕕🕖🕗🕘🕙🕚🕛")

	// Theme defaults to ThemeClock, but it can be set to anything else.
	Theme = ThemeClock

	// Writer where the spinner is drawn.
	Writer io.Writer = os.Stdout

	// Animate the spinner. It defaults to whether stdout is a terminal: otherwise only the message and the
	// elapsed time are printed.
	Animate = term.IsTerminal(int(os.Stdout.Fd()))
)

// SafeInterrupt will capture SigInt (Ctrl+C) and SigTerm and call the provided onInterrupt.
//
// A second signal exits the program right away. If gracePeriod > 0 the program also exits once gracePeriod
// has elapsed after the first signal, otherwise it waits for the program to finish on its own.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go safeInterrupt(sigChan, onInterrupt, gracePeriod, func(reason string) {
		Reset()
		klog.Fatal(reason)
	})
}

// safeInterrupt implements SafeInterrupt: exit is called at most once, with the reason to exit.
func safeInterrupt(signals <-chan os.Signal, onInterrupt func(), gracePeriod time.Duration, exit func(reason string)) {
	s := <-signals
	_, _ = fmt.Fprintln(Writer)
	if gracePeriod > 0 {
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s, interrupt again to exit now)", s, gracePeriod)
	} else {
		klog.Errorf("Got interrupted (signal %q), shutting down... (interrupt again to exit now)", s)
	}
	if onInterrupt != nil {
		go onInterrupt()
	}

	var deadline <-chan time.Time
	if gracePeriod > 0 {
		deadline = time.After(gracePeriod)
	}
	select {
	case s = <-signals:
		exit(fmt.Sprintf("Interrupted again (signal %q), exiting.", s))
	case <-deadline:
		exit(fmt.Sprintf("Graceful shutting down %s period expired, exiting.", gracePeriod))
	}
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n") // Restore cursor and colors.
}

// New prints the message and starts a spinning display after it, on a separate goroutine.
// It stops when Spinning.Done is called or ctx is done.
func New(ctx context.Context, message string) *Spinning {
	s := &Spinning{message: message, start: time.Now()}
	ctx, s.cancel = context.WithCancel(ctx)
	_, _ = fmt.Fprintf(Writer, "%s ... ", message)
	if !Animate {
		return s
	}
	theme := Theme
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		_, _ = fmt.Fprint(Writer, "\033[?25l")                    // Hide cursor.
		defer func() { _, _ = fmt.Fprint(Writer, "\033[?25h") }() // Restore cursor.

		_, _ = fmt.Fprint(Writer, "  ")
		var idx int
		for {
			_, _ = fmt.Fprintf(Writer, "\b\b%c", theme[idx])
			idx = (idx + 1) % len(theme)
			select {
			case <-ctx.Done():
				_, _ = fmt.Fprint(Writer, "\b\b")
				return
			case <-ticker.C:
				// continue
			}
		}
	}()
	return s
}

// Done stops the spinner and prints the elapsed time. It can be called more than once.
func (s *Spinning) Done() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
	_, _ = fmt.Fprintf(Writer, "done (%s)\n", time.Since(s.start).Round(time.Millisecond))
	klog.V(1).Infof("%s took %s", s.message, time.Since(s.start))
}
