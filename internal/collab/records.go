// Package collab declares the collaborator services a voice session relies
// on but does not own: the voice-agent record store and the text-to-speech
// job queue. Implementations live elsewhere; this package carries the
// interfaces, their local validation and in-memory references used by tests
// and the CLI.
package collab

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for records that do not exist, are soft-deleted,
// or belong to another owner. Stores never distinguish these cases.
var ErrNotFound = errors.New("collab: not found")

// ValidationError is a local input error, returned before any request is
// sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("collab: invalid %s: %s", e.Field, e.Reason)
}

var voiceIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateVoiceID checks a voice identifier such as "alloy".
func ValidateVoiceID(id string) error {
	if !voiceIDPattern.MatchString(id) {
		return &ValidationError{Field: "voice id", Reason: fmt.Sprintf("%q must be lowercase letters, digits, '-' or '_'", id)}
	}
	return nil
}

// VoiceAgent is a configured tutor persona.
type VoiceAgent struct {
	ID             string
	OwnerID        string
	Name           string
	VoiceID        string
	SpecialtyFocus string
	Instructions   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks the fields a caller supplies.
func (a VoiceAgent) Validate() error {
	var errs []error
	if strings.TrimSpace(a.Name) == "" {
		errs = append(errs, &ValidationError{Field: "name", Reason: "must not be empty"})
	}
	if err := ValidateVoiceID(a.VoiceID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Page selects a window of a listing.
type Page struct {
	Offset int
	// Limit of zero means [DefaultPageLimit].
	Limit int
}

// DefaultPageLimit and MaxPageLimit bound [Page.Limit].
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

func (p Page) normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageLimit
	case p.Limit > MaxPageLimit:
		p.Limit = MaxPageLimit
	}
	return p
}

// PageResult is one page of a listing.
type PageResult[T any] struct {
	Items []T
	Total int

	// Next is the page after this one, or nil on the last page.
	Next *Page
}

// RecordStore manages voice-agent records. Every method is scoped to owner;
// another owner's record yields [ErrNotFound].
type RecordStore interface {
	Create(ctx context.Context, owner string, a VoiceAgent) (VoiceAgent, error)
	List(ctx context.Context, owner string, page Page) (PageResult[VoiceAgent], error)
	Update(ctx context.Context, owner string, a VoiceAgent) (VoiceAgent, error)
	SoftDelete(ctx context.Context, owner, id string) error
}

// MemoryRecords is an in-memory [RecordStore].
type MemoryRecords struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	order   []string
	now     func() time.Time
}

type memoryRecord struct {
	agent   VoiceAgent
	deleted bool
}

var _ RecordStore = (*MemoryRecords)(nil)

// NewMemoryRecords returns an empty [MemoryRecords].
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]*memoryRecord), now: time.Now}
}

// Create implements [RecordStore]. The store assigns ID, OwnerID and the
// timestamps.
func (s *MemoryRecords) Create(_ context.Context, owner string, a VoiceAgent) (VoiceAgent, error) {
	if owner == "" {
		return VoiceAgent{}, &ValidationError{Field: "owner", Reason: "must not be empty"}
	}
	if err := a.Validate(); err != nil {
		return VoiceAgent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a.ID = uuid.NewString()
	a.OwnerID = owner
	a.CreatedAt = now
	a.UpdatedAt = now
	s.records[a.ID] = &memoryRecord{agent: a}
	s.order = append(s.order, a.ID)
	return a, nil
}

// List implements [RecordStore]. Records are returned in creation order.
func (s *MemoryRecords) List(_ context.Context, owner string, page Page) (PageResult[VoiceAgent], error) {
	page = page.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var visible []VoiceAgent
	for _, id := range s.order {
		r := s.records[id]
		if !r.deleted && r.agent.OwnerID == owner {
			visible = append(visible, r.agent)
		}
	}

	res := PageResult[VoiceAgent]{Items: []VoiceAgent{}, Total: len(visible)}
	if page.Offset >= len(visible) {
		return res, nil
	}
	end := min(page.Offset+page.Limit, len(visible))
	res.Items = slices.Clone(visible[page.Offset:end])
	if end < len(visible) {
		res.Next = &Page{Offset: end, Limit: page.Limit}
	}
	return res, nil
}

// Update implements [RecordStore]. Only Name, VoiceID, SpecialtyFocus and
// Instructions are changed.
func (s *MemoryRecords) Update(_ context.Context, owner string, a VoiceAgent) (VoiceAgent, error) {
	if err := a.Validate(); err != nil {
		return VoiceAgent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.visible(owner, a.ID)
	if !ok {
		return VoiceAgent{}, ErrNotFound
	}
	r.agent.Name = a.Name
	r.agent.VoiceID = a.VoiceID
	r.agent.SpecialtyFocus = a.SpecialtyFocus
	r.agent.Instructions = a.Instructions
	r.agent.UpdatedAt = s.now()
	return r.agent, nil
}

// SoftDelete implements [RecordStore]. Deleting twice yields [ErrNotFound].
func (s *MemoryRecords) SoftDelete(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.visible(owner, id)
	if !ok {
		return ErrNotFound
	}
	r.deleted = true
	r.agent.UpdatedAt = s.now()
	return nil
}

func (s *MemoryRecords) visible(owner, id string) (*memoryRecord, bool) {
	r, ok := s.records[id]
	if !ok || r.deleted || r.agent.OwnerID != owner {
		return nil, false
	}
	return r, true
}
