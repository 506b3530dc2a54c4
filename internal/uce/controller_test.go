// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// callRecorder keeps a cross-collaborator trace so tests can assert the
// fixed notification order.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeCollab struct {
	name       string
	rec        *callRecorder
	onAttached func()
}

func (f *fakeCollab) OnAttached(SignalingHandle) {
	f.rec.add(f.name + ".attached")
	if f.onAttached != nil {
		f.onAttached()
	}
}
func (f *fakeCollab) OnDetached()      { f.rec.add(f.name + ".detached") }
func (f *fakeCollab) OnConfigChanged() { f.rec.add(f.name + ".config_changed") }
func (f *fakeCollab) OnTeardown()      { f.rec.add(f.name + ".teardown") }

type fakeCache struct {
	fakeCollab
}

func (f *fakeCache) Lookup(addrs []Address) []CacheEntry {
	entries := make([]CacheEntry, len(addrs))
	for i, a := range addrs {
		entries[i] = CacheEntry{Address: a}
	}
	return entries
}

func (f *fakeCache) LookupAvailability(addr Address) CacheEntry {
	return CacheEntry{Address: addr}
}

func (f *fakeCache) Store([]ContactCapabilities) {}

type fakePublish struct {
	fakeCollab

	mu          sync.Mutex
	triggers    []PublishTrigger
	unpublished int
	state       PublishState
}

func (f *fakePublish) PublishFromTrigger(trigger PublishTrigger) {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.mu.Unlock()
	f.rec.add("publish.trigger")
}

func (f *fakePublish) OnUnpublished() {
	f.mu.Lock()
	f.unpublished++
	f.mu.Unlock()
	f.rec.add("publish.unpublished")
}

func (f *fakePublish) DeviceCapabilities(m Mechanism) ContactCapabilities {
	return ContactCapabilities{Address: "sip:self@example.com", Mechanism: m}
}

func (f *fakePublish) PublishState() PublishState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePublish) RegisterStateObserver(PublishStateObserver)   {}
func (f *fakePublish) UnregisterStateObserver(PublishStateObserver) {}

func (f *fakePublish) triggerLog() []PublishTrigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PublishTrigger(nil), f.triggers...)
}

func (f *fakePublish) unpublishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unpublished
}

type capDispatch struct {
	addrs  []Address
	bypass bool
}

type fakeRequests struct {
	rec *callRecorder

	mu           sync.Mutex
	capabilities []capDispatch
	availability []Address
	remote       []Address
	tornDown     bool
}

func (f *fakeRequests) DispatchCapabilityRequest(addrs []Address, bypassCache bool, reply ResultHandler) {
	f.mu.Lock()
	f.capabilities = append(f.capabilities, capDispatch{addrs: addrs, bypass: bypassCache})
	f.mu.Unlock()
	f.rec.add("requests.capabilities")
	reply.OnComplete()
}

func (f *fakeRequests) DispatchAvailabilityRequest(addr Address, reply ResultHandler) {
	f.mu.Lock()
	f.availability = append(f.availability, addr)
	f.mu.Unlock()
	f.rec.add("requests.availability")
	reply.OnComplete()
}

func (f *fakeRequests) ServeRemoteCapabilityRequest(addr Address, _ []Capability, _ RemoteResponder) {
	f.mu.Lock()
	f.remote = append(f.remote, addr)
	f.mu.Unlock()
	f.rec.add("requests.remote")
}

func (f *fakeRequests) OnTeardown() {
	f.mu.Lock()
	f.tornDown = true
	f.mu.Unlock()
	f.rec.add("requests.teardown")
}

func (f *fakeRequests) capabilityLog() []capDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capDispatch(nil), f.capabilities...)
}

func (f *fakeRequests) remoteLog() []Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Address(nil), f.remote...)
}

type fakeSignaling struct {
	mu       sync.Mutex
	added    []EventListener
	removed  []EventListener
	listener EventListener
}

func (f *fakeSignaling) AddEventListener(l EventListener) {
	f.mu.Lock()
	f.added = append(f.added, l)
	f.listener = l
	f.mu.Unlock()
}

func (f *fakeSignaling) RemoveEventListener(l EventListener) {
	f.mu.Lock()
	f.removed = append(f.removed, l)
	if f.listener == l {
		f.listener = nil
	}
	f.mu.Unlock()
}

func (f *fakeSignaling) counts() (added, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added), len(f.removed)
}

// resultRecorder captures the terminal signal delivered to a reply handler.
type resultRecorder struct {
	mu         sync.Mutex
	caps       []ContactCapabilities
	completed  int
	errors     int
	code       ErrorCode
	retryAfter time.Duration
	done       chan struct{}
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{done: make(chan struct{})}
}

func (r *resultRecorder) OnCapabilities(caps []ContactCapabilities) {
	r.mu.Lock()
	r.caps = append(r.caps, caps...)
	r.mu.Unlock()
}

func (r *resultRecorder) OnComplete() {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
	close(r.done)
}

func (r *resultRecorder) OnError(code ErrorCode, retryAfter time.Duration) {
	r.mu.Lock()
	r.errors++
	r.code = code
	r.retryAfter = retryAfter
	r.mu.Unlock()
	close(r.done)
}

func (r *resultRecorder) await(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal signal delivered")
	}
}

func (r *resultRecorder) outcome() (ErrorCode, time.Duration, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.retryAfter, r.completed, r.errors
}

type fixture struct {
	ctrl      *Controller
	clock     *mockClock
	rec       *callRecorder
	cache     *fakeCache
	publish   *fakePublish
	subscribe *fakeCollab
	query     *fakeCollab
	requests  *fakeRequests
	signaling *fakeSignaling
	cb        ControllerCallback
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	rec := &callRecorder{}
	f := &fixture{
		clock:     &mockClock{now: time.Now()},
		rec:       rec,
		cache:     &fakeCache{fakeCollab: fakeCollab{name: "cache", rec: rec}},
		publish:   &fakePublish{fakeCollab: fakeCollab{name: "publish", rec: rec}},
		subscribe: &fakeCollab{name: "subscribe", rec: rec},
		query:     &fakeCollab{name: "query", rec: rec},
		requests:  &fakeRequests{rec: rec},
		signaling: &fakeSignaling{},
	}

	ctrl, err := New(Deps{
		NewCache: func(cb ControllerCallback) CacheCollaborator {
			f.cb = cb
			return f.cache
		},
		NewPublish: func(ControllerCallback) PublishCollaborator { return f.publish },
		Subscribe:  f.subscribe,
		Query:      f.query,
		NewRequestManager: func(ControllerCallback) RequestManager {
			return f.requests
		},
	}, WithClock(f.clock))
	require.NoError(t, err)

	f.ctrl = ctrl
	t.Cleanup(ctrl.OnTeardown)
	return f
}

// flush waits until every task queued so far has run.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	if !f.ctrl.worker.submit(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}
}

func TestControllerNew_MissingCollaborator(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCache)
}

func TestControllerAttach_NotifiesInOrder(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, StateDisconnected, f.ctrl.State())

	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	assert.Equal(t, StateConnected, f.ctrl.State())
	assert.Equal(t, []string{
		"cache.attached",
		"publish.attached",
		"subscribe.attached",
		"query.attached",
	}, f.rec.snapshot())

	added, removed := f.signaling.counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, removed)
}

func TestControllerAttach_OnlyFromDisconnected(t *testing.T) {
	f := newFixture(t)

	f.ctrl.OnAttach(f.signaling)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	added, _ := f.signaling.counts()
	assert.Equal(t, 1, added, "second attach must be ignored")
}

func TestControllerDetach_ReturnsToDisconnected(t *testing.T) {
	f := newFixture(t)

	f.ctrl.OnAttach(f.signaling)
	f.flush(t)
	f.ctrl.gate.Update(true, CodeForbidden, time.Minute)

	f.ctrl.OnDetach()
	f.flush(t)

	assert.Equal(t, StateDisconnected, f.ctrl.State())
	assert.False(t, f.ctrl.gate.IsForbidden(), "forbidden window must not survive detach")

	_, removed := f.signaling.counts()
	assert.Equal(t, 1, removed)
}

func TestControllerConfigChanged_FansOut(t *testing.T) {
	f := newFixture(t)

	f.ctrl.OnConfigChanged()
	f.flush(t)

	assert.Equal(t, []string{
		"cache.config_changed",
		"publish.config_changed",
		"subscribe.config_changed",
		"query.config_changed",
	}, f.rec.snapshot())
}

func TestControllerBuffering_ReplayAfterConnected(t *testing.T) {
	f := newFixture(t)

	// Events raised while the attach sequence is mid-flight: the publish
	// collaborator's attach hook runs while the state is still Connecting,
	// exactly where the network races the controller in practice.
	f.publish.onAttached = func() {
		f.ctrl.OnPublishRequested(TriggerRegistered)
		f.ctrl.OnPublishRequested(TriggerCapabilityChange)
		f.ctrl.OnUnpublished()
		f.ctrl.OnRemoteCapabilityRequest("sip:alice@example.com", []Capability{"chat"}, nopResponder{})
		f.ctrl.OnRemoteCapabilityRequest("sip:bob@example.com", []Capability{"chat"}, nopResponder{})
	}

	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	// Last write wins per slot, one replay pass, fixed order.
	assert.Equal(t, []PublishTrigger{TriggerCapabilityChange}, f.publish.triggerLog())
	assert.Equal(t, 1, f.publish.unpublishedCount())
	assert.Equal(t, []Address{"sip:bob@example.com"}, f.requests.remoteLog())

	calls := f.rec.snapshot()
	require.Len(t, calls, 7)
	assert.Equal(t, []string{"publish.trigger", "publish.unpublished", "requests.remote"}, calls[4:])
}

func TestControllerBuffering_ReplayExactlyOnce(t *testing.T) {
	f := newFixture(t)

	f.publish.onAttached = func() {
		f.ctrl.OnUnpublished()
	}

	f.ctrl.OnAttach(f.signaling)
	f.flush(t)
	require.Equal(t, 1, f.publish.unpublishedCount())

	// A later detach/attach cycle must not resurface the drained event.
	f.ctrl.OnDetach()
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	assert.Equal(t, 1, f.publish.unpublishedCount())
}

func TestControllerPublishTrigger_ClearsForbidden(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	f.ctrl.gate.Update(true, CodeForbidden, time.Hour)
	require.True(t, f.ctrl.gate.IsForbidden())

	f.ctrl.OnPublishRequested(TriggerRegistered)
	f.flush(t)

	assert.False(t, f.ctrl.gate.IsForbidden())
	assert.Equal(t, []PublishTrigger{TriggerRegistered}, f.publish.triggerLog())
}

func TestControllerRequest_InvalidArgument(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	reply := newResultRecorder()
	f.ctrl.RequestCapabilities(nil, false, reply)
	reply.await(t)

	code, retryAfter, completed, errors := reply.outcome()
	assert.Equal(t, CodeInvalidArgument, code)
	assert.Equal(t, time.Duration(0), retryAfter)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, errors)

	// A nil reply handler must not panic.
	f.ctrl.RequestCapabilities(nil, false, nil)
	f.ctrl.RequestAvailability("", nil)
}

func TestControllerRequest_UnavailableBeforeAttach(t *testing.T) {
	f := newFixture(t)

	reply := newResultRecorder()
	f.ctrl.RequestCapabilities([]Address{"sip:alice@example.com"}, false, reply)
	reply.await(t)

	code, _, _, errors := reply.outcome()
	assert.Equal(t, CodeUnavailable, code)
	assert.Equal(t, 1, errors)
	assert.Empty(t, f.requests.capabilityLog())
}

func TestControllerRequest_Forbidden(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	f.ctrl.gate.Update(true, CodeForbidden, 5*time.Second)

	reply := newResultRecorder()
	f.ctrl.RequestCapabilities([]Address{"sip:alice@example.com"}, false, reply)
	reply.await(t)

	code, retryAfter, _, errors := reply.outcome()
	assert.Equal(t, CodeForbidden, code)
	assert.Equal(t, 5*time.Second, retryAfter)
	assert.Equal(t, 1, errors)
	assert.Empty(t, f.requests.capabilityLog())
}

func TestControllerRequest_ForbiddenWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	f.ctrl.gate.Update(true, CodeForbidden, 5*time.Second)
	f.clock.now = f.clock.now.Add(6 * time.Second)

	reply := newResultRecorder()
	f.ctrl.RequestCapabilities([]Address{"sip:alice@example.com"}, false, reply)
	reply.await(t)

	_, _, completed, errors := reply.outcome()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, errors)
	assert.Len(t, f.requests.capabilityLog(), 1)
}

func TestControllerRequest_Dispatches(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	reply := newResultRecorder()
	addrs := []Address{"sip:alice@example.com", "sip:bob@example.com"}
	f.ctrl.RequestCapabilities(addrs, true, reply)
	reply.await(t)

	log := f.requests.capabilityLog()
	require.Len(t, log, 1)
	assert.Equal(t, addrs, log[0].addrs)
	assert.True(t, log[0].bypass)

	avail := newResultRecorder()
	f.ctrl.RequestAvailability("sip:carol@example.com", avail)
	avail.await(t)
}

func TestControllerRefresh_BypassesCache(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	reply := newResultRecorder()
	f.cb.RefreshCapabilities([]Address{"sip:alice@example.com"}, reply)
	reply.await(t)

	log := f.requests.capabilityLog()
	require.Len(t, log, 1)
	assert.True(t, log[0].bypass)
}

func TestControllerRemoteRequest_MalformedDropped(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	f.ctrl.OnRemoteCapabilityRequest("", []Capability{"chat"}, nopResponder{})
	f.ctrl.OnRemoteCapabilityRequest("sip:alice@example.com", nil, nopResponder{})
	f.ctrl.OnRemoteCapabilityRequest("sip:alice@example.com", []Capability{"chat"}, nil)
	f.flush(t)

	assert.Empty(t, f.requests.remoteLog())
}

func TestControllerTeardown_RejectsRequests(t *testing.T) {
	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	f.ctrl.OnTeardown()

	assert.Equal(t, StateDestroyed, f.ctrl.State())

	reply := newResultRecorder()
	f.ctrl.RequestCapabilities([]Address{"sip:alice@example.com"}, false, reply)
	reply.await(t)

	code, _, _, errors := reply.outcome()
	assert.Equal(t, CodeUnavailable, code)
	assert.Equal(t, 1, errors)
}

func TestControllerTeardown_CleansUpOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	f.ctrl.OnTeardown()
	f.ctrl.OnTeardown()

	calls := f.rec.snapshot()
	teardowns := 0
	for _, c := range calls {
		if c == "cache.teardown" {
			teardowns++
		}
	}
	assert.Equal(t, 1, teardowns)
	assert.Contains(t, calls, "requests.teardown")

	_, removed := f.signaling.counts()
	assert.Equal(t, 1, removed)

	// Lifecycle calls after teardown are dropped, not queued.
	f.ctrl.OnConfigChanged()
	f.ctrl.OnDetach()
	assert.Equal(t, StateDestroyed, f.ctrl.State())
}

func TestControllerTeardown_ConcurrentRequests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.ctrl.OnAttach(f.signaling)
	f.flush(t)

	const callers = 16
	replies := make([]*resultRecorder, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range replies {
		replies[i] = newResultRecorder()
		wg.Add(1)
		go func(r *resultRecorder) {
			defer wg.Done()
			<-start
			f.ctrl.RequestCapabilities([]Address{"sip:alice@example.com"}, false, r)
		}(replies[i])
	}

	close(start)
	f.ctrl.OnTeardown()
	wg.Wait()

	// Every caller gets exactly one terminal signal, whichever side of the
	// teardown it landed on.
	for _, r := range replies {
		r.await(t)
		_, _, completed, errors := r.outcome()
		assert.Equal(t, 1, completed+errors)
	}
}

func TestControllerPublishState_PassThrough(t *testing.T) {
	f := newFixture(t)
	f.publish.state = PublishStatePublished

	assert.Equal(t, PublishStatePublished, f.ctrl.PublishState())
}

func TestControllerCallback_GateRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.cb.UpdateRequestForbidden(true, CodeForbidden, 10*time.Second)
	assert.True(t, f.cb.IsRequestForbidden())
	assert.Equal(t, 10*time.Second, f.cb.RetryAfter())

	f.cb.UpdateRequestForbidden(false, "", 0)
	assert.False(t, f.cb.IsRequestForbidden())
}
