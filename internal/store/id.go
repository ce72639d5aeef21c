package store

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Kind discriminates the four entity families by their id prefix.
type Kind string

const (
	KindTask    Kind = "task"
	KindEpic    Kind = "epic"
	KindBacklog Kind = "backlog"
	KindRun     Kind = "run"
)

const (
	prefixTask    = "f-"
	prefixEpic    = "e-"
	prefixBacklog = "b-"
	prefixRun     = "run-"
)

func prefixFor(k Kind) string {
	switch k {
	case KindTask:
		return prefixTask
	case KindEpic:
		return prefixEpic
	case KindBacklog:
		return prefixBacklog
	case KindRun:
		return prefixRun
	default:
		panic(fmt.Sprintf("store: unknown kind %q", k))
	}
}

// kindOf returns the Kind implied by an id's prefix, or "" if the prefix is
// not recognized. The prefix alone is sufficient to discriminate, per the
// data model's id-prefix invariant.
func kindOf(id string) Kind {
	switch {
	case strings.HasPrefix(id, prefixRun):
		return KindRun
	case strings.HasPrefix(id, prefixTask):
		return KindTask
	case strings.HasPrefix(id, prefixEpic):
		return KindEpic
	case strings.HasPrefix(id, prefixBacklog):
		return KindBacklog
	default:
		return ""
	}
}

const (
	tailLen      = 5
	tailAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	maxAttempts  = 1000
)

// idGenerator produces collision-free short ids of the form <prefix><tail>,
// tail a random base36 alphanumeric string at least tailLen characters long.
// Collisions are resolved by retrying up to maxAttempts times before falling
// back to a timestamp-suffixed tail, mirroring the retry-then-fallback shape
// used for agent name generation elsewhere in this family of tools.
type idGenerator struct {
	exists func(id string) bool
}

func newIDGenerator(exists func(id string) bool) *idGenerator {
	return &idGenerator{exists: exists}
}

func (g *idGenerator) generate(k Kind) (string, error) {
	prefix := prefixFor(k)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tail, err := randomTail(tailLen)
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		id := prefix + tail
		if !g.exists(id) {
			return id, nil
		}
	}
	// Collision retries exhausted (astronomically unlikely at tailLen=5) -
	// fall back to a timestamp-derived tail to guarantee forward progress.
	tail, err := randomTail(tailLen)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return fmt.Sprintf("%s%s%x", prefix, tail, time.Now().UnixNano()), nil
}

func randomTail(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(tailAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = tailAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// tailOf returns the alphanumeric suffix of an id, stripping its kind
// prefix, for short-id resolution.
func tailOf(id string) string {
	switch {
	case strings.HasPrefix(id, prefixRun):
		return strings.TrimPrefix(id, prefixRun)
	case strings.HasPrefix(id, prefixTask):
		return strings.TrimPrefix(id, prefixTask)
	case strings.HasPrefix(id, prefixEpic):
		return strings.TrimPrefix(id, prefixEpic)
	case strings.HasPrefix(id, prefixBacklog):
		return strings.TrimPrefix(id, prefixBacklog)
	default:
		return id
	}
}
