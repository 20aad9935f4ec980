package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
)

// Mode is the protection mode of the chat being encrypted for.
type Mode int

const (
	ModeOneToOne Mode = iota
	ModeUnprotectedGroup
	ModeProtectedGroup
)

var (
	// ErrNoEncryptionKey indicates that a 1:1 peer has no usable key.
	ErrNoEncryptionKey = errors.New("keys: no encryption key")
	// ErrProtectionUnsatisfied indicates that a protected group member has no verified key.
	ErrProtectionUnsatisfied = errors.New("keys: cannot satisfy protection requirement")
	// ErrInvalidSelection indicates a request that does not describe a chat.
	ErrInvalidSelection = errors.New("keys: invalid selection request")
)

// ProtectionError names the protected-group members without a verified candidate.
type ProtectionError struct {
	Members []wire.Address
}

func (e *ProtectionError) Error() string {
	names := make([]string, 0, len(e.Members))
	for _, member := range e.Members {
		names = append(names, member.String())
	}
	return fmt.Sprintf("%s: %s", ErrProtectionUnsatisfied.Error(), strings.Join(names, ", "))
}

func (e *ProtectionError) Unwrap() error {
	return ErrProtectionUnsatisfied
}

// KeyReader is the read side of the key-trust ledger used for selection.
type KeyReader interface {
	DirectKeyFor(ctx context.Context, address wire.Address) (KeyRef, bool, error)
	BestGossipedKeyFor(ctx context.Context, address wire.Address) (KeyRef, bool, error)
	BestGossipedKeyAmong(ctx context.Context, address wire.Address, introducers []wire.Address) (KeyRef, bool, error)
	BestVerifiedGossipedKeyAmong(ctx context.Context, address wire.Address, introducers []wire.Address) (KeyRef, bool, error)
}

// SelectionRequest describes the chat an outgoing message is encrypted for.
type SelectionRequest struct {
	Mode    Mode
	Self    wire.Address
	Members []wire.Address
}

// Target is one encryption key chosen for a member.
type Target struct {
	Member wire.Address
	Key    KeyRef
}

// Selection is the ordered target list plus members that could not be covered.
type Selection struct {
	Targets []Target
	Missing []wire.Address
}

// Fingerprints lists the fingerprints of every target in order.
func (s Selection) Fingerprints() []string {
	fingerprints := make([]string, 0, len(s.Targets))
	for _, target := range s.Targets {
		fingerprints = append(fingerprints, target.Key.Fingerprint)
	}
	return fingerprints
}

// Selector picks encryption targets. It never writes.
type Selector struct {
	reader KeyReader
}

// NewSelector constructs a Selector over the provided reader.
func NewSelector(reader KeyReader) *Selector {
	return &Selector{reader: reader}
}

// Select returns targets ordered by member address, with the 1:1 key ahead of the
// cross-validated gossip key for each member.
func (s *Selector) Select(ctx context.Context, request SelectionRequest) (Selection, error) {
	members := wire.NewAddressSet()
	for _, member := range request.Members {
		if member == "" || member == request.Self {
			continue
		}
		members.Add(member)
	}
	peers := members.Sorted()

	switch request.Mode {
	case ModeOneToOne:
		if len(peers) != 1 {
			return Selection{}, fmt.Errorf("%w: 1:1 chat needs exactly one peer, got %d", ErrInvalidSelection, len(peers))
		}
		key, found, err := s.oneToOneKey(ctx, peers[0])
		if err != nil {
			return Selection{}, err
		}
		if !found {
			return Selection{Missing: peers}, fmt.Errorf("%w: %s", ErrNoEncryptionKey, peers[0])
		}
		return Selection{Targets: []Target{{Member: peers[0], Key: key}}}, nil
	case ModeUnprotectedGroup, ModeProtectedGroup:
	default:
		return Selection{}, fmt.Errorf("%w: unknown mode %d", ErrInvalidSelection, request.Mode)
	}

	chatMembers := wire.NewAddressSet(request.Members...).Sorted()
	protected := request.Mode == ModeProtectedGroup
	selection := Selection{}
	for _, member := range peers {
		candidates, err := s.groupCandidates(ctx, member, chatMembers, protected)
		if err != nil {
			return Selection{}, err
		}
		candidates = uniqueFingerprints(candidates)
		if len(candidates) == 0 {
			selection.Missing = append(selection.Missing, member)
			continue
		}
		for _, candidate := range candidates {
			selection.Targets = append(selection.Targets, Target{Member: member, Key: candidate})
		}
	}
	if protected && len(selection.Missing) > 0 {
		return selection, &ProtectionError{Members: selection.Missing}
	}
	return selection, nil
}

func (s *Selector) oneToOneKey(ctx context.Context, peer wire.Address) (KeyRef, bool, error) {
	key, found, err := s.reader.DirectKeyFor(ctx, peer)
	if err != nil || found {
		return key, found, err
	}
	return s.reader.BestGossipedKeyFor(ctx, peer)
}

// groupCandidates returns the 1:1 key and the gossip cross-validated by another member. In
// protected mode both must be verified: the direct key is used only when verified, and gossip
// is the most recent verified row.
func (s *Selector) groupCandidates(ctx context.Context, member wire.Address, chatMembers []wire.Address, protected bool) ([]KeyRef, error) {
	var candidates []KeyRef
	var (
		key   KeyRef
		found bool
		err   error
	)
	if protected {
		key, found, err = s.reader.DirectKeyFor(ctx, member)
		found = found && key.IsVerified
	} else {
		key, found, err = s.oneToOneKey(ctx, member)
	}
	if err != nil {
		return nil, err
	}
	if found {
		candidates = append(candidates, key)
	}
	others := make([]wire.Address, 0, len(chatMembers))
	for _, other := range chatMembers {
		if other != member {
			others = append(others, other)
		}
	}
	best := s.reader.BestGossipedKeyAmong
	if protected {
		best = s.reader.BestVerifiedGossipedKeyAmong
	}
	gossiped, found, err := best(ctx, member, others)
	if err != nil {
		return nil, err
	}
	if found {
		candidates = append(candidates, gossiped)
	}
	return candidates, nil
}

func uniqueFingerprints(candidates []KeyRef) []KeyRef {
	seen := map[string]struct{}{}
	unique := candidates[:0:0]
	for _, candidate := range candidates {
		if _, ok := seen[candidate.Fingerprint]; ok {
			continue
		}
		seen[candidate.Fingerprint] = struct{}{}
		unique = append(unique, candidate)
	}
	return unique
}
