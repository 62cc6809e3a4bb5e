package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/user/em2/internal/jobs"
	"github.com/user/em2/internal/signing"
	"github.com/user/em2/internal/types"
)

const localNode = "https://em2.local.example"

type fakeResolver struct {
	mu        sync.Mutex
	nodes     map[string]string
	local     map[string]bool
	failing   map[string]bool
	forgotten []string
}

func (f *fakeResolver) GetEm2Node(ctx context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[email] {
		return "", types.Transient(errors.New("timeout"), "dns")
	}
	return f.nodes[email], nil
}

func (f *fakeResolver) CheckLocal(ctx context.Context, email string) (bool, error) {
	return f.local[email], nil
}

func (f *fakeResolver) Forget(email string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, email)
	f.mu.Unlock()
}

type fakeUsers struct {
	mu    sync.Mutex
	types map[string]types.UserType
	calls int
}

func (f *fakeUsers) SetUserType(ctx context.Context, email string, t types.UserType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	changed := f.types[email] != t
	f.types[email] = t
	return changed, nil
}

type fakeLog []types.Action

func (l fakeLog) ActionsByKey(ctx context.Context, key string) ([]types.Action, error) {
	return l, nil
}

type fakeFallback struct {
	mu   sync.Mutex
	sent [][]string
	err  error
}

func (f *fakeFallback) Send(ctx context.Context, convKey string, actions []types.Action, emails []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emails)
	return f.err
}

type nodeServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []Message
	status   func(n int, m Message) int
}

func newNodeServer(t *testing.T, status func(n int, m Message) int) *nodeServer {
	t.Helper()
	ns := &nodeServer{status: status}
	ns.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(signing.HeaderName) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("node") != localNode {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var m Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ns.mu.Lock()
		ns.received = append(ns.received, m)
		n := len(ns.received)
		ns.mu.Unlock()
		w.WriteHeader(ns.status(n, m))
	}))
	t.Cleanup(ns.Close)
	return ns
}

func newTestDispatcher(t *testing.T, res *fakeResolver, users *fakeUsers, log fakeLog, fb types.FallbackSender) *Dispatcher {
	t.Helper()
	seed, err := signing.GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := signing.NewSigner(seed)
	if err != nil {
		t.Fatal(err)
	}
	return New(Options{
		LocalNode: localNode,
		Resolver:  res,
		Users:     users,
		Log:       log,
		Signer:    signer,
		Fallback:  fb,
		Policy:    &jobs.RetryPolicy{MaxAttempts: 3, Step: time.Hour, MaxDelay: time.Hour},
	})
}

func messageAdd(id int64, actor string) types.Action {
	return types.Action{ID: id, Act: types.VerbMessageAdd, Actor: actor, TS: time.Now().UTC(), Body: "hi"}
}

func TestPushClassifiesRecipients(t *testing.T) {
	node := newNodeServer(t, func(int, Message) int { return http.StatusOK })
	res := &fakeResolver{
		nodes: map[string]string{"bob@b.example": node.URL, "dave@d.example": ""},
		local: map[string]bool{"erin@local.example": true},
	}
	users := &fakeUsers{types: map[string]types.UserType{"bob@b.example": types.UserRemoteEm2}}
	fb := &fakeFallback{}
	d := newTestDispatcher(t, res, users, nil, fb)

	p := Payload{
		ConvKey: "k1",
		Actions: []types.Action{messageAdd(5, "alice@local.example")},
		Recipients: []types.Recipient{
			{Email: "alice@local.example", Type: types.UserLocal},
			{Email: "bob@b.example", Type: types.UserRemoteEm2},
			{Email: "dave@d.example", Type: types.UserNew},
			{Email: "erin@local.example", Type: types.UserNew},
		},
	}
	s := d.Push(context.Background(), p)

	if len(s.Local) != 1 || s.Local[0] != "erin@local.example" {
		t.Errorf("local = %v", s.Local)
	}
	if got := s.Em2[node.URL]; len(got) != 1 || got[0] != "bob@b.example" {
		t.Errorf("em2 = %v", s.Em2)
	}
	if len(s.Fallback) != 1 || s.Fallback[0] != "dave@d.example" {
		t.Errorf("fallback = %v", s.Fallback)
	}
	if len(s.Retry) != 0 || len(s.Failed) != 0 {
		t.Errorf("retry = %v, failed = %v", s.Retry, s.Failed)
	}
	if len(node.received) != 1 || node.received[0].Conversation != "k1" || node.received[0].Node != localNode {
		t.Fatalf("node received %+v", node.received)
	}
	if len(fb.sent) != 1 {
		t.Fatalf("fallback called %d times", len(fb.sent))
	}
	// bob's type did not change so only dave and erin are written
	if users.calls != 2 {
		t.Errorf("SetUserType called %d times", users.calls)
	}
	if users.types["dave@d.example"] != types.UserRemoteOther || users.types["erin@local.example"] != types.UserLocal {
		t.Errorf("user types = %v", users.types)
	}
}

// The batch is by a user of another node whose edit this node committed as
// leader. Both posts are still signed for this node.
func TestPushResendsFullLog(t *testing.T) {
	full := fakeLog{messageAdd(1, "alice@local.example"), messageAdd(2, "carol@c.example")}
	node := newNodeServer(t, func(n int, m Message) int {
		if n == 1 {
			return types.StatusResyncRequired
		}
		return http.StatusOK
	})
	res := &fakeResolver{nodes: map[string]string{"bob@b.example": node.URL}}
	d := newTestDispatcher(t, res, &fakeUsers{types: map[string]types.UserType{}}, full, nil)

	s := d.Push(context.Background(), Payload{
		ConvKey:    "k1",
		Actions:    []types.Action{full[1]},
		Recipients: []types.Recipient{{Email: "bob@b.example", Type: types.UserRemoteEm2}},
	})
	if len(s.Retry) != 0 || len(s.Failed) != 0 {
		t.Fatalf("retry = %v, failed = %v", s.Retry, s.Failed)
	}
	if len(node.received) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(node.received))
	}
	if len(node.received[1].Actions) != 2 {
		t.Fatalf("resend carried %d actions", len(node.received[1].Actions))
	}
	if node.received[1].Node != localNode || node.received[1].Actions[0].Actor != "alice@local.example" {
		t.Fatalf("resend = %+v", node.received[1])
	}
}

func TestPushNodeFailure(t *testing.T) {
	unavailable := newNodeServer(t, func(int, Message) int { return http.StatusServiceUnavailable })
	rejecting := newNodeServer(t, func(int, Message) int { return http.StatusBadRequest })
	res := &fakeResolver{nodes: map[string]string{
		"bob@b.example":   unavailable.URL,
		"carol@c.example": rejecting.URL,
	}}
	users := &fakeUsers{types: map[string]types.UserType{}}
	d := newTestDispatcher(t, res, users, nil, nil)

	s := d.Push(context.Background(), Payload{
		ConvKey: "k1",
		Actions: []types.Action{messageAdd(3, "alice@local.example")},
		Recipients: []types.Recipient{
			{Email: "bob@b.example", Type: types.UserRemoteEm2},
			{Email: "carol@c.example", Type: types.UserRemoteEm2},
		},
	})
	if len(s.Retry) != 1 || s.Retry[0] != "bob@b.example" {
		t.Errorf("retry = %v", s.Retry)
	}
	if len(s.Failed) != 1 || s.Failed[0] != "carol@c.example" {
		t.Errorf("failed = %v", s.Failed)
	}
	if len(res.forgotten) != 2 {
		t.Errorf("forgotten = %v", res.forgotten)
	}
	if users.types["bob@b.example"] != types.UserNew {
		t.Errorf("bob type = %q", users.types["bob@b.example"])
	}
}

func TestPushSkipsFallbackForSeen(t *testing.T) {
	res := &fakeResolver{nodes: map[string]string{}}
	fb := &fakeFallback{}
	d := newTestDispatcher(t, res, &fakeUsers{types: map[string]types.UserType{}}, nil, fb)

	seen := types.Action{ID: 4, Act: types.VerbSeen, Actor: "alice@local.example", TS: time.Now()}
	s := d.Push(context.Background(), Payload{
		ConvKey:    "k1",
		Actions:    []types.Action{seen},
		Recipients: []types.Recipient{{Email: "dave@d.example", Type: types.UserRemoteOther}},
	})
	if len(fb.sent) != 0 {
		t.Fatalf("fallback called for seen-only batch")
	}
	if len(s.Fallback) != 1 {
		t.Fatalf("fallback = %v", s.Fallback)
	}
}

func TestPushExcludesActors(t *testing.T) {
	fb := &fakeFallback{}
	res := &fakeResolver{nodes: map[string]string{}}
	d := newTestDispatcher(t, res, &fakeUsers{types: map[string]types.UserType{}}, nil, fb)

	s := d.Push(context.Background(), Payload{
		ConvKey: "k1",
		Actions: []types.Action{messageAdd(2, "dave@d.example")},
		Recipients: []types.Recipient{
			{Email: "dave@d.example", Type: types.UserRemoteOther},
			{Email: "frank@f.example", Type: types.UserRemoteOther},
		},
	})
	if len(s.Fallback) != 1 || s.Fallback[0] != "frank@f.example" {
		t.Fatalf("fallback = %v", s.Fallback)
	}
}

func TestFallbackErrors(t *testing.T) {
	res := &fakeResolver{nodes: map[string]string{}}
	p := Payload{
		ConvKey:    "k1",
		Actions:    []types.Action{messageAdd(2, "alice@local.example")},
		Recipients: []types.Recipient{{Email: "dave@d.example", Type: types.UserRemoteOther}},
	}

	transient := newTestDispatcher(t, res, &fakeUsers{types: map[string]types.UserType{}}, nil,
		&fakeFallback{err: types.Transient(errors.New("421"), "smtp")})
	if s := transient.Push(context.Background(), p); len(s.Retry) != 1 {
		t.Errorf("transient: retry = %v", s.Retry)
	}

	unconfigured := newTestDispatcher(t, res, &fakeUsers{types: map[string]types.UserType{}}, nil,
		&fakeFallback{err: types.NotConfigured("smtp not configured")})
	if s := unconfigured.Push(context.Background(), p); len(s.Failed) != 1 {
		t.Errorf("not configured: failed = %v", s.Failed)
	}
}

type fakeOutbox struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]types.PendingPush
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{pending: map[int64]types.PendingPush{}}
}

func (f *fakeOutbox) SavePendingPush(ctx context.Context, p *types.PendingPush) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = f.nextID
	f.pending[p.ID] = *p
	return nil
}

func (f *fakeOutbox) DeletePendingPush(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, id)
	return nil
}

func (f *fakeOutbox) PendingPushes(ctx context.Context) ([]types.PendingPush, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.PendingPush
	for _, p := range f.pending {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeOutbox) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func TestProcessRequeuesRetries(t *testing.T) {
	res := &fakeResolver{
		nodes:   map[string]string{},
		failing: map[string]bool{"bob@b.example": true},
	}
	d := newTestDispatcher(t, res, &fakeUsers{types: map[string]types.UserType{}}, nil, &fakeFallback{})
	outbox := newFakeOutbox()
	d.outbox = outbox
	q := jobs.NewQueue[Payload]("push", 2)
	d.Attach(q)
	q.Start(context.Background())
	defer q.Stop()

	first := &types.PendingPush{ConvKey: "k1", Attempt: 1}
	outbox.SavePendingPush(context.Background(), first)
	job := &jobs.Job[Payload]{
		Key:     "k1",
		Attempt: 1,
		Payload: Payload{
			ConvKey: "k1",
			Actions: []types.Action{messageAdd(2, "alice@local.example")},
			Recipients: []types.Recipient{
				{Email: "bob@b.example", Type: types.UserRemoteEm2},
				{Email: "dave@d.example", Type: types.UserRemoteOther},
			},
			OutboxID: first.ID,
		},
	}
	if err := d.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if q.Pending() != 1 {
		t.Fatalf("expected one deferred retry, pending = %d", q.Pending())
	}
	// the retry replaces the delivered job in the outbox
	pending, _ := outbox.PendingPushes(context.Background())
	if len(pending) != 1 || pending[0].ID == first.ID || pending[0].Attempt != 2 {
		t.Fatalf("outbox = %+v", pending)
	}
	if rs := pending[0].Recipients; len(rs) != 1 || rs[0].Email != "bob@b.example" {
		t.Fatalf("retry recipients = %+v", rs)
	}

	job.Attempt = 3
	job.Payload.OutboxID = pending[0].ID
	err := d.Process(context.Background(), job)
	if err == nil || !types.IsKind(err, types.KindTransient) {
		t.Fatalf("expected transient error on final attempt, got %v", err)
	}
	if outbox.len() != 0 {
		t.Fatalf("given up push left in outbox")
	}
}

func TestResumeQueuesOutbox(t *testing.T) {
	node := newNodeServer(t, func(int, Message) int { return http.StatusOK })
	res := &fakeResolver{nodes: map[string]string{"bob@b.example": node.URL}}
	d := newTestDispatcher(t, res, &fakeUsers{types: map[string]types.UserType{}}, nil, nil)
	outbox := newFakeOutbox()
	d.outbox = outbox
	outbox.SavePendingPush(context.Background(), &types.PendingPush{
		ConvKey:    "k1",
		Actions:    []types.Action{messageAdd(2, "alice@local.example")},
		Recipients: []types.Recipient{{Email: "bob@b.example", Type: types.UserRemoteEm2}},
		Attempt:    2,
		Due:        time.Now().Add(-time.Minute),
	})

	q := jobs.NewQueue[Payload]("push", 2)
	d.Attach(q)
	q.Start(context.Background())
	defer q.Stop()

	n, err := d.Resume(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("resume = %d, %v", n, err)
	}
	if !q.WaitIdle(5 * time.Second) {
		t.Fatal("queue did not drain")
	}
	node.mu.Lock()
	received := len(node.received)
	node.mu.Unlock()
	if received != 1 {
		t.Fatalf("node received %d pushes", received)
	}
	if outbox.len() != 0 {
		t.Fatalf("delivered push left in outbox")
	}
}

func TestForward(t *testing.T) {
	var got ForwardMessage
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/forward/k1/" || r.URL.Query().Get("node") != localNode || r.Header.Get(signing.HeaderName) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		if got.Actions[0].Body == "locked" {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"message":"message locked, action not possible"}`))
			return
		}
		json.NewEncoder(w).Encode(ForwardResponse{
			ActionIDs: []int64{6},
			Actions:   []types.Action{messageAdd(5, "alice@a.example"), messageAdd(6, "bob@local.example")},
		})
	}))
	defer leader.Close()
	d := newTestDispatcher(t, &fakeResolver{}, &fakeUsers{types: map[string]types.UserType{}}, nil, nil)
	ctx := context.Background()

	ids, log, err := d.Forward(ctx, leader.URL, "k1", "bob@local.example", 4,
		[]types.ActionInput{{Act: types.VerbMessageAdd, Body: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 6 || len(log) != 2 {
		t.Fatalf("ids %v log %+v", ids, log)
	}
	if got.Actor != "bob@local.example" || got.Since != 4 || got.Node != localNode {
		t.Fatalf("leader received %+v", got)
	}

	_, _, err = d.Forward(ctx, leader.URL, "k1", "bob@local.example", 4,
		[]types.ActionInput{{Act: types.VerbMessageAdd, Body: "locked"}})
	if !types.IsKind(err, types.KindConflict) || types.PublicMessage(err) != "message locked, action not possible" {
		t.Fatalf("expected the leader's conflict, got %v", err)
	}

	leader.Close()
	_, _, err = d.Forward(ctx, leader.URL, "k1", "bob@local.example", 4,
		[]types.ActionInput{{Act: types.VerbMessageAdd, Body: "hi"}})
	if !types.IsKind(err, types.KindTransient) {
		t.Fatalf("expected transient error for an unreachable leader, got %v", err)
	}
}
