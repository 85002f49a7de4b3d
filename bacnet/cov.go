package bacnet

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// covKey identifies a subscription: subscriber, process and monitored object
type covKey struct {
	net       uint16
	mac       string
	processID uint32
	objectID  ObjectIdentifier
}

// COVSubscription is an active change-of-value subscription
type COVSubscription struct {
	Subscriber Address          `json:"subscriber"`
	ProcessID  uint32           `json:"process_id"`
	ObjectID   ObjectIdentifier `json:"object_id"`
	Confirmed  bool             `json:"confirmed"`
	// Expires is zero for subscriptions without lifetime
	Expires time.Time `json:"expires,omitempty"`

	lastValue interface{}
	lastFlags StatusFlags
}

// TimeRemaining returns the whole seconds left, 0 for indefinite ones
func (s *COVSubscription) TimeRemaining(now time.Time) uint32 {
	if s.Expires.IsZero() {
		return 0
	}
	left := s.Expires.Sub(now)
	if left <= 0 {
		return 0
	}
	return uint32(math.Ceil(left.Seconds()))
}

// covNotice is a notification due to one subscriber
type covNotice struct {
	sub    COVSubscription
	values []PropertyValue
}

// covTable tracks the subscriptions of a device and decides when a
// change is reported
type covTable struct {
	store *ObjectStore
	now   func() time.Time

	mu   sync.Mutex
	subs map[covKey]*COVSubscription
}

func newCOVTable(store *ObjectStore) *covTable {
	return &covTable{
		store: store,
		now:   time.Now,
		subs:  make(map[covKey]*COVSubscription),
	}
}

func keyOf(subscriber Address, processID uint32, objectID ObjectIdentifier) covKey {
	return covKey{net: subscriber.Net, mac: string(subscriber.Addr), processID: processID, objectID: objectID}
}

// supportsCOV reports whether changes of the object can be subscribed to
func supportsCOV(id ObjectIdentifier) bool {
	switch id.Type {
	case ObjectTypeAnalogInput, ObjectTypeAnalogOutput, ObjectTypeAnalogValue,
		ObjectTypeBinaryInput, ObjectTypeBinaryOutput, ObjectTypeBinaryValue,
		ObjectTypeMultiStateInput, ObjectTypeMultiStateOutput, ObjectTypeMultiStateValue:
		return true
	}
	return false
}

// subscribe adds or renews a subscription and returns the notice carrying
// the current values. A cancellation returns nil.
func (t *covTable) subscribe(src Address, req SubscribeCOVRequest) (*covNotice, error) {
	if !t.store.Has(req.ObjectID) {
		return nil, objectError(ErrorCodeUnknownObject)
	}
	key := keyOf(src, req.ProcessID, req.ObjectID)

	if req.IsCancellation() {
		t.mu.Lock()
		delete(t.subs, key)
		t.mu.Unlock()
		return nil, nil
	}
	if !supportsCOV(req.ObjectID) {
		return nil, objectError(ErrorCodeOptionalFunctionalityNotSupported)
	}

	values, flags, err := t.currentValues(req.ObjectID)
	if err != nil {
		return nil, err
	}

	sub := &COVSubscription{
		Subscriber: Address{Net: src.Net, Addr: append([]byte(nil), src.Addr...)},
		ProcessID:  req.ProcessID,
		ObjectID:   req.ObjectID,
		Confirmed:  req.Confirmed != nil && *req.Confirmed,
		lastValue:  values[0].Value,
		lastFlags:  flags,
	}
	if req.Lifetime != nil && *req.Lifetime > 0 {
		sub.Expires = t.now().Add(time.Duration(*req.Lifetime) * time.Second)
	}

	t.mu.Lock()
	t.subs[key] = sub
	t.mu.Unlock()

	return &covNotice{sub: *sub, values: values}, nil
}

// currentValues returns present-value and status-flags of an object
func (t *covTable) currentValues(id ObjectIdentifier) ([]PropertyValue, StatusFlags, error) {
	pv, err := t.store.ReadProperty(id, PropertyPresentValue, nil)
	if err != nil {
		return nil, StatusFlags{}, err
	}
	sf, err := t.store.ReadProperty(id, PropertyStatusFlags, nil)
	if err != nil {
		return nil, StatusFlags{}, err
	}
	flags, _ := sf.(StatusFlags)

	return []PropertyValue{
		{ObjectID: id, PropertyID: PropertyPresentValue, Value: pv},
		{ObjectID: id, PropertyID: PropertyStatusFlags, Value: flags},
	}, flags, nil
}

// changed collects the notices due after a change of the object
func (t *covTable) changed(id ObjectIdentifier) []covNotice {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		notices []covNotice
		values  []PropertyValue
		flags   StatusFlags
		loaded  bool
	)
	for _, sub := range t.sortedLocked() {
		if sub.ObjectID != id {
			continue
		}
		if !loaded {
			var err error
			if values, flags, err = t.currentValues(id); err != nil {
				return nil
			}
			loaded = true
		}

		if !t.significant(id, sub, values[0].Value, flags) {
			continue
		}
		sub.lastValue = values[0].Value
		sub.lastFlags = flags

		notices = append(notices, covNotice{sub: *sub, values: values})
	}
	return notices
}

// significant reports whether a change is worth a notification. Analog
// values must move by at least the COV increment.
func (t *covTable) significant(id ObjectIdentifier, sub *COVSubscription, value interface{}, flags StatusFlags) bool {
	if flags != sub.lastFlags {
		return true
	}

	switch v := value.(type) {
	case float32:
		last, ok := sub.lastValue.(float32)
		if !ok {
			return true
		}
		incr, _ := t.store.ReadProperty(id, PropertyCOVIncrement, nil)
		inc, _ := incr.(float32)
		diff := float32(math.Abs(float64(v - last)))
		if inc == 0 {
			return diff != 0
		}
		return diff >= inc
	default:
		return fmt.Sprint(value) != fmt.Sprint(sub.lastValue)
	}
}

// expire removes the subscriptions whose lifetime has elapsed
func (t *covTable) expire() []COVSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []COVSubscription
	for key, sub := range t.subs {
		if !sub.Expires.IsZero() && !now.Before(sub.Expires) {
			expired = append(expired, *sub)
			delete(t.subs, key)
		}
	}
	return expired
}

// list returns the active subscriptions ordered by object and process
func (t *covTable) list() []COVSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.sortedLocked()
	out := make([]COVSubscription, len(subs))
	for i, s := range subs {
		out[i] = *s
	}
	return out
}

func (t *covTable) sortedLocked() []*COVSubscription {
	subs := make([]*COVSubscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.ObjectID != b.ObjectID {
			return a.ObjectID.Encode() < b.ObjectID.Encode()
		}
		if a.ProcessID != b.ProcessID {
			return a.ProcessID < b.ProcessID
		}
		return a.Subscriber.String() < b.Subscriber.String()
	})
	return subs
}

func (t *covTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
