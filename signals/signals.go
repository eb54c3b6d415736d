// Package signals defers interrupts while a unit of work must not be
// torn apart.
//
// While no one holds the state it is armed, and an interrupt
// terminates the process at once with status 128 plus the signal
// number.  While one or more holders have it disarmed, an interrupt
// only sets a pending flag, which the releasing holder consumes and
// uses to stop gracefully.
package signals

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// the state word is holders<<1 | pending
const (
	pendingBit = 1
	holderUnit = 2
)

var (
	// ErrRegistered is returned by Register when a handler is already
	// installed.
	ErrRegistered = errors.New("signal handler already registered")

	// ErrIgnored means the process inherited a signal as ignored.
	ErrIgnored = errors.New("signal is ignored")
)

// RegistrationError lists the signals Register could not install.  The
// remaining signals are handled normally.
type RegistrationError struct {
	Signals []os.Signal
	Err     error
}

func (e *RegistrationError) Error() string {
	var names []string
	for _, sig := range e.Signals {
		names = append(names, sig.String())
	}
	return fmt.Sprintf("cannot handle %s: %v", strings.Join(names, ", "), e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// State is the armed/disarmed state shared by the signal handler and
// the workers.  Use New; the zero value has no Exit.
type State struct {
	// Exit terminates the process.  Set it before Register.
	Exit func(code int)

	word uint64

	mu   sync.Mutex
	ch   chan os.Signal
	done chan struct{}
}

// New returns an armed State that logs and exits through os.Exit.
func New() *State {
	return &State{Exit: exit}
}

func exit(code int) {
	log.WithField("status", code).Warn("interrupted")
	os.Exit(code)
}

// ExitCode is the conventional status for death by sig.
func ExitCode(sig os.Signal) int {
	if n, ok := sig.(syscall.Signal); ok {
		return 128 + int(n)
	}
	return 128 + int(syscall.SIGINT)
}

// Interrupt handles one delivery of sig.  Armed, it calls Exit.
// Otherwise it sets the pending flag and returns true.  Interrupt
// itself neither blocks nor logs; Exit may do either.
func (s *State) Interrupt(sig os.Signal) (deferred bool) {
	for {
		old := atomic.LoadUint64(&s.word)
		if old < holderUnit {
			s.Exit(ExitCode(sig))
			return false
		}
		if atomic.CompareAndSwapUint64(&s.word, old, old|pendingBit) {
			return true
		}
	}
}

// Armed reports whether an interrupt would terminate right now.
func (s *State) Armed() bool {
	return atomic.LoadUint64(&s.word) < holderUnit
}

// Disarm adds a holder.  Every Guard must be released.
func (s *State) Disarm() *Guard {
	atomic.AddUint64(&s.word, holderUnit)
	return &Guard{s: s}
}

// Critical runs fn disarmed.  interrupted reports whether an interrupt
// arrived meanwhile; the state is re-armed even if fn panics.
func (s *State) Critical(fn func() error) (interrupted bool, err error) {
	g := s.Disarm()
	defer func() {
		interrupted = g.Release()
	}()
	err = fn()
	return
}

// Guard is one holder of a disarmed State.
type Guard struct {
	s        *State
	released uint32
}

// Interrupted reports whether an interrupt is pending.
func (g *Guard) Interrupted() bool {
	return atomic.LoadUint64(&g.s.word)&pendingBit != 0
}

// Release drops this holder and returns the pending flag, clearing
// it.  When the last holder leaves the state is armed again.  Only the
// first call on a Guard has any effect.
func (g *Guard) Release() (interrupted bool) {
	if !atomic.CompareAndSwapUint32(&g.released, 0, 1) {
		return false
	}
	for {
		old := atomic.LoadUint64(&g.s.word)
		holders := old / holderUnit
		next := uint64(0)
		if holders > 1 {
			next = (holders - 1) * holderUnit
		}
		if atomic.CompareAndSwapUint64(&g.s.word, old, next) {
			return old&pendingBit != 0
		}
	}
}

// Register routes sigs (SIGINT and SIGTERM if none are given) to
// Interrupt.  Signals the process started with ignored are left alone
// and reported in a *RegistrationError; the others are still
// installed.
func (s *State) Register(sigs ...os.Signal) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return ErrRegistered
	}
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	var ok []os.Signal
	var ignored []os.Signal
	for _, sig := range sigs {
		if signal.Ignored(sig) {
			ignored = append(ignored, sig)
			continue
		}
		ok = append(ok, sig)
	}
	if len(ignored) > 0 {
		err = &RegistrationError{Signals: ignored, Err: ErrIgnored}
	}
	if len(ok) == 0 {
		return
	}

	s.ch = make(chan os.Signal, 1)
	s.done = make(chan struct{})
	signal.Notify(s.ch, ok...)
	go func(ch chan os.Signal, done chan struct{}) {
		defer close(done)
		for sig := range ch {
			if s.Interrupt(sig) {
				log.WithField("signal", sig).Info("interrupt deferred until current file completes")
			}
		}
	}(s.ch, s.done)
	log.WithField("signals", ok).Debug("signal handler installed")
	return
}

// Stop uninstalls the handler and restores the default behavior.
func (s *State) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return
	}
	signal.Stop(s.ch)
	close(s.ch)
	<-s.done
	s.ch = nil
	s.done = nil
}
