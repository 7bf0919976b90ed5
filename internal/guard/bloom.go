package guard

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/you-humble/fileflow/internal/domain"
)

// Validator answers whether a task id could exist. A negative answer is
// authoritative; a positive one may be a false positive at the configured
// rate.
type Validator struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	grace  time.Duration
	now    func() time.Time
	broker Broadcaster
}

// Broadcaster fans a registration out to other nodes.
type Broadcaster interface {
	BroadcastRegistration(id string)
}

type ValidatorOption func(*Validator)

// WithRegistrationGrace makes ids minted (UUIDv7 timestamp) within d pass
// unconditionally, covering registrations not yet received from peers.
func WithRegistrationGrace(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.grace = d }
}

func WithBroadcaster(b Broadcaster) ValidatorOption {
	return func(v *Validator) { v.broker = b }
}

func withValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator sizes the filter for n items at false positive rate p.
func NewValidator(n uint, p float64, opts ...ValidatorOption) *Validator {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	v := &Validator{
		filter: bloom.NewWithEstimates(n, p),
		now:    time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Register adds id locally and announces it to peers.
func (v *Validator) Register(id string) {
	v.add(id)
	if v.broker != nil {
		v.broker.BroadcastRegistration(id)
	}
}

// Apply adds an id learned from a peer without re-broadcasting it.
func (v *Validator) Apply(id string) {
	v.add(id)
}

func (v *Validator) add(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.filter.AddString(id)
}

// MightExist validates the id format and checks membership.
func (v *Validator) MightExist(id string) (bool, error) {
	if err := domain.ValidateTaskID(id); err != nil {
		return false, err
	}
	if v.recentlyMinted(id) {
		return true, nil
	}
	return v.test(id), nil
}

func (v *Validator) test(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.filter.TestString(id)
}

func (v *Validator) recentlyMinted(id string) bool {
	if v.grace <= 0 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return false
	}
	sec, nsec := u.Time().UnixTime()
	return v.now().Sub(time.Unix(sec, nsec)) < v.grace
}
