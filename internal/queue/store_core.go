package queue

import (
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Limits are the admission, retry, and concurrency bounds applied by a Store.
type Limits struct {
	MaxQueueSize int
	MaxAttempts  int
	RetryDelay   time.Duration
	// DefaultSlots is the per-guild concurrency limit; GuildSlots overrides it.
	DefaultSlots int
	GuildSlots   map[string]int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxQueueSize: 1000,
		MaxAttempts:  3,
		RetryDelay:   5 * time.Second,
		DefaultSlots: 2,
	}
}

func (l Limits) slotsFor(guildID string) int {
	if slots, ok := l.GuildSlots[guildID]; ok && slots > 0 {
		return slots
	}
	if l.DefaultSlots > 0 {
		return l.DefaultSlots
	}
	return 1
}

// Recorder receives a fresh snapshot after every mutation. Implementations
// must not block; they are invoked while the store lock is held so snapshots
// arrive in mutation order.
type Recorder interface {
	Record(Snapshot)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Snapshot)

// Record implements Recorder.
func (f RecorderFunc) Record(s Snapshot) { f(s) }

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides item id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithRecorder installs the mutation hook used for persistence.
func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// Store owns the in-memory queue. All mutations are serialized by mu.
type Store struct {
	mu     sync.Mutex
	limits Limits

	items  map[string]*Item
	guilds map[string]*guildPartition
	// order lists guild ids by first appearance; cursor is the next guild
	// considered by an unbound claim.
	order  []string
	cursor int

	active     map[string]string // dedupe key -> item id for pending/processing
	messages   map[string]*messageCursor // guild+message -> priority cursor
	seq        uint64

	now      func() time.Time
	newID    func() string
	recorder Recorder
	changed  chan struct{}
}

// messageCursor tracks the next auto priority for a source message. It is
// dropped once the message has no items left in the store.
type messageCursor struct {
	next int
	live int
}

type guildPartition struct {
	id     string
	items  map[string]*Item
	counts Counts
}

// NewStore constructs an empty store.
func NewStore(limits Limits, opts ...Option) *Store {
	s := &Store{
		limits:     normalizeLimits(limits),
		items:      make(map[string]*Item),
		guilds:     make(map[string]*guildPartition),
		active:     make(map[string]string),
		messages:   make(map[string]*messageCursor),
		now:        time.Now,
		newID:      newItemID,
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newItemID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func normalizeLimits(l Limits) Limits {
	def := DefaultLimits()
	if l.MaxQueueSize <= 0 {
		l.MaxQueueSize = def.MaxQueueSize
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = def.MaxAttempts
	}
	if l.RetryDelay < 0 {
		l.RetryDelay = 0
	}
	if l.DefaultSlots <= 0 {
		l.DefaultSlots = def.DefaultSlots
	}
	l.GuildSlots = maps.Clone(l.GuildSlots)
	return l
}

// Limits returns the active limits.
func (s *Store) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.limits
	l.GuildSlots = maps.Clone(l.GuildSlots)
	return l
}

// SetLimits replaces the limits (config hot reload). Existing items keep the
// max_attempts they were admitted with.
func (s *Store) SetLimits(l Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = normalizeLimits(l)
	s.notifyLocked()
}

// Changed returns a channel closed on the next mutation that may make work
// claimable. Grab it before calling ClaimNext to avoid missing a wake-up.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// commitLocked publishes a mutation to the recorder and wakes waiters.
func (s *Store) commitLocked(wake bool) {
	if s.recorder != nil {
		s.recorder.Record(s.snapshotLocked())
	}
	if wake {
		s.notifyLocked()
	}
}

func dedupeKey(guildID, url string) string {
	return guildID + "\x00" + normalizeURL(url)
}

func normalizeURL(url string) string {
	return strings.TrimSpace(url)
}

func messageKey(guildID, messageID string) string {
	return guildID + "\x00" + messageID
}

func (s *Store) partitionLocked(guildID string) *guildPartition {
	p, ok := s.guilds[guildID]
	if !ok {
		p = &guildPartition{id: guildID, items: make(map[string]*Item)}
		s.guilds[guildID] = p
		s.order = append(s.order, guildID)
	}
	return p
}

func (s *Store) insertLocked(item *Item) {
	s.items[item.ID] = item
	p := s.partitionLocked(item.GuildID)
	p.items[item.ID] = item
	p.counts.add(item.Status, 1)
	if item.Status.IsActive() {
		s.active[dedupeKey(item.GuildID, item.URL)] = item.ID
	}
	if item.Sequence > s.seq {
		s.seq = item.Sequence
	}
	if item.MessageID != "" {
		key := messageKey(item.GuildID, item.MessageID)
		cur, ok := s.messages[key]
		if !ok {
			cur = &messageCursor{}
			s.messages[key] = cur
		}
		cur.live++
		cur.next = max(cur.next, item.Priority+1)
	}
}

func (s *Store) deleteLocked(item *Item) {
	delete(s.items, item.ID)
	if p, ok := s.guilds[item.GuildID]; ok {
		delete(p.items, item.ID)
		p.counts.add(item.Status, -1)
	}
	if item.Status.IsActive() {
		key := dedupeKey(item.GuildID, item.URL)
		if s.active[key] == item.ID {
			delete(s.active, key)
		}
	}
	if item.MessageID != "" {
		key := messageKey(item.GuildID, item.MessageID)
		if cur, ok := s.messages[key]; ok {
			if cur.live--; cur.live <= 0 {
				delete(s.messages, key)
			}
		}
	}
}

// setStatusLocked is the only place an item's status changes after insertion
// so partition counts and the duplicate index stay consistent.
func (s *Store) setStatusLocked(item *Item, to Status, now time.Time) {
	from := item.Status
	if from == to {
		item.UpdatedAt = now
		return
	}
	if p, ok := s.guilds[item.GuildID]; ok {
		p.counts.add(from, -1)
		p.counts.add(to, 1)
	}
	key := dedupeKey(item.GuildID, item.URL)
	switch {
	case from.IsActive() && !to.IsActive():
		if s.active[key] == item.ID {
			delete(s.active, key)
		}
	case !from.IsActive() && to.IsActive():
		s.active[key] = item.ID
	}
	item.Status = to
	item.UpdatedAt = now
}

func (s *Store) hasFreeSlotLocked(p *guildPartition) bool {
	return p.counts.Processing < s.limits.slotsFor(p.id)
}
