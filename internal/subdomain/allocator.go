// Package subdomain implements the subdomain allocator (spec §4.1): a
// pure function from an optionally-requested name and the current
// allocation set to an assigned DNS label.
package subdomain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/chara-tunnel/tunneld/internal/protocol"
)

// labelPattern matches a valid DNS label per spec: 3-63 characters,
// lowercase letters, digits, hyphens, not starting or ending with a
// hyphen.
var labelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// maxGenerationAttempts bounds the retry loop before falling back to a
// numeric suffix.
const maxGenerationAttempts = 20

var adjectives = []string{
	"brisk", "calm", "daring", "eager", "fuzzy", "gentle", "honest",
	"jolly", "keen", "lively", "mellow", "nimble", "plucky", "quiet",
	"rowdy", "sturdy", "tidy", "upbeat", "vivid", "wily",
}

var nouns = []string{
	"otter", "falcon", "comet", "harbor", "meadow", "ember", "willow",
	"canyon", "lantern", "ridge", "thicket", "marsh", "cinder", "pebble",
	"orchard", "thistle", "grove", "anchor", "frost", "beacon",
}

// Allocator assigns subdomains, avoiding names already registered in a
// Directory-like set and names reserved by configuration.
type Allocator struct {
	reserved map[string]struct{}
}

// New builds an Allocator that treats each name in reserved as
// unclaimable regardless of what is currently taken.
func New(reserved []string) *Allocator {
	r := make(map[string]struct{}, len(reserved))
	for _, name := range reserved {
		r[strings.ToLower(name)] = struct{}{}
	}
	return &Allocator{reserved: r}
}

// ValidateLabel reports whether name is a syntactically valid DNS label
// per spec (length 3-63, [a-z0-9-]+, no leading/trailing hyphen).
func ValidateLabel(name string) error {
	if !labelPattern.MatchString(name) {
		return protocol.ErrSubdomainInvalid
	}
	return nil
}

// Allocate assigns a subdomain. If requested is non-empty, its first DNS
// label (lowercased) is validated and, if free, honored as-is. Otherwise
// — or if the requested name is invalid, reserved, or taken — a fresh
// human-readable name of the form chara-<word>-<word>-<word> is
// generated and honored is false.
func (a *Allocator) Allocate(requested string, taken map[string]struct{}) (name string, honored bool, err error) {
	if requested != "" {
		label := strings.ToLower(requested)
		if i := strings.IndexByte(label, '.'); i >= 0 {
			label = label[:i]
		}
		if err := ValidateLabel(label); err == nil && !a.isUnavailable(label, taken) {
			return label, true, nil
		}
	}

	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		name, err := a.randomName()
		if err != nil {
			return "", false, fmt.Errorf("generate subdomain: %w", err)
		}
		if !a.isUnavailable(name, taken) {
			return name, false, nil
		}
	}

	// Bounded regeneration exhausted; escalate to a numeric-suffix
	// escape hatch before declaring fatal exhaustion.
	for suffix := 2; suffix < 10000; suffix++ {
		name, err := a.randomName()
		if err != nil {
			return "", false, fmt.Errorf("generate subdomain: %w", err)
		}
		candidate := fmt.Sprintf("%s-%d", name, suffix)
		if len(candidate) <= 63 && !a.isUnavailable(candidate, taken) {
			return candidate, false, nil
		}
	}

	return "", false, protocol.ErrAllocatorExhausted
}

func (a *Allocator) isUnavailable(name string, taken map[string]struct{}) bool {
	if _, reserved := a.reserved[name]; reserved {
		return true
	}
	_, isTaken := taken[name]
	return isTaken
}

func (a *Allocator) randomName() (string, error) {
	adj, err := randomElement(adjectives)
	if err != nil {
		return "", err
	}
	noun1, err := randomElement(nouns)
	if err != nil {
		return "", err
	}
	noun2, err := randomElement(nouns)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("chara-%s-%s-%s", adj, noun1, noun2), nil
}

func randomElement(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[n.Int64()], nil
}
