// Package remotelist tracks the ordered set of candidate servers a session
// may connect to, and hands out the next one to try on each connection
// attempt.
package remotelist

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/driftline/vpncore/pkg/config"
)

// Remote is one candidate endpoint, fully resolved to a transport the caller
// can dial, as opposed to config.RemoteEntry which may still carry a
// hostname that needs DNS resolution.
type Remote struct {
	Host  string
	Port  string
	Proto config.Proto
}

func (r Remote) String() string {
	return fmt.Sprintf("%s:%s/%s", r.Host, r.Port, r.Proto)
}

// ErrExhausted is returned by Next when every remote has been tried and no
// push or override has supplied new ones.
var ErrExhausted = errors.New("remotelist: no remotes left to try")

// OverrideHook lets a host intercept remote selection, e.g. to implement a
// custom load-balancing or geo-steering policy. It returns ok=false to fall
// through to the list's normal order.
type OverrideHook func(candidates []Remote) (pick Remote, ok bool)

// List holds the ordered candidates for a session and the cursor into them.
// It is safe for concurrent use: the foreign thread may call ProcessPush or
// SetOverrideHook while the connect loop is blocked in Next.
type List struct {
	mu           sync.Mutex
	remotes      []Remote
	random       bool
	cursor       int
	exhaustedAll bool
	override     OverrideHook
}

// New builds a List from the remote directives and remote-random flag of a
// parsed configuration.
func New(opts *config.OpenVPNOptions) *List {
	l := &List{random: opts.RemoteRandom}
	for _, e := range opts.Remotes {
		l.remotes = append(l.remotes, Remote{Host: e.Host, Port: e.Port, Proto: e.Proto})
	}
	if len(l.remotes) == 0 && opts.Remote != "" {
		l.remotes = append(l.remotes, Remote{Host: opts.Remote, Port: opts.Port, Proto: opts.Proto})
	}
	if l.random {
		l.shuffle()
	}
	return l
}

// shuffle reorders remotes in place using a cryptographically seeded PRNG,
// matching remote-random's "pick initial connection randomly" semantics
// without requiring every shuffle decision to hit the OS RNG.
func (l *List) shuffle() {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return
	}
	src := rand.NewChaCha8(seed)
	rand.New(src).Shuffle(len(l.remotes), func(i, j int) {
		l.remotes[i], l.remotes[j] = l.remotes[j], l.remotes[i]
	})
}

// Next returns the next candidate to try, advancing the internal cursor. It
// blocks on ctx only long enough to honor cancellation; selection itself is
// synchronous.
func (l *List) Next(ctx context.Context) (Remote, error) {
	select {
	case <-ctx.Done():
		return Remote{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.remotes) == 0 {
		return Remote{}, ErrExhausted
	}
	if l.override != nil {
		if pick, ok := l.override(append([]Remote(nil), l.remotes...)); ok {
			return pick, nil
		}
	}
	if l.cursor >= len(l.remotes) {
		if l.exhaustedAll {
			return Remote{}, ErrExhausted
		}
		l.cursor = 0
		l.exhaustedAll = true
	}
	r := l.remotes[l.cursor]
	l.cursor++
	return r, nil
}

// ProcessPush merges remote directives received from a server push-reply
// (e.g. additional "remote" lines handed out after authentication) into the
// list, appended after the existing candidates.
func (l *List) ProcessPush(opts *config.OpenVPNOptions) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range opts.Remotes {
		l.remotes = append(l.remotes, Remote{Host: e.Host, Port: e.Port, Proto: e.Proto})
	}
}

// SetOverrideHook installs fn as the selection override, or clears it when
// fn is nil.
func (l *List) SetOverrideHook(fn OverrideHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.override = fn
}

// Reset rewinds the cursor so the next Next call starts over from the first
// candidate, used when a fresh connect attempt should not inherit the
// previous attempt's exhaustion state.
func (l *List) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor = 0
	l.exhaustedAll = false
}

// Snapshot returns a copy of the current candidate order, for persistence
// or diagnostics.
func (l *List) Snapshot() []Remote {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Remote(nil), l.remotes...)
}
