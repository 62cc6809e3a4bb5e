package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/user/em2/internal/engine"
	"github.com/user/em2/internal/jobs"
	"github.com/user/em2/internal/push"
	"github.com/user/em2/internal/realtime"
	"github.com/user/em2/internal/service"
	"github.com/user/em2/internal/types"
)

// queuedNode rewires a test node the way serve does: pushes go through the
// job queue, edits on conversations led elsewhere go to the leader and
// commits are broadcast over websockets.
func queuedNode(t *testing.T, n *testNode) (*jobs.Queue[push.Payload], *realtime.Registry) {
	t.Helper()
	queue := jobs.NewQueue[push.Payload]("push", 2)
	n.dispatcher.Attach(queue)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		queue.Stop()
		cancel()
	})

	hub := realtime.NewRegistry()
	n.svc = service.New(engine.New(n.store), n.store, n.dispatcher, hub)
	n.svc.SetForwarder(n.dispatcher)
	n.server.opts.Service = n.svc
	n.server.opts.Realtime = hub
	n.server.opts.Pending = queue.Pending
	return queue, hub
}

func TestEndToEnd(t *testing.T) {
	nodes := map[string]string{}
	a := newTestNode(t, "a.example", nodes)
	b := newTestNode(t, "b.example", nodes)
	queueA, _ := queuedNode(t, a)
	queueB, hubB := queuedNode(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := IssueToken(jwtSecret, "bob@b.example", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wsURL := "ws" + strings.TrimPrefix(b.url, "http") + "/ws/?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hubB.Connections("bob@b.example") == 1 })

	w := a.do(t, http.MethodPost, "/v1/conv/create/", "alice@a.example", map[string]any{
		"subject":      "Through the queue",
		"message":      "hi bob",
		"participants": []string{"bob@b.example"},
		"publish":      true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}

	var ev realtime.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "actions" || len(ev.Actions) == 0 {
		t.Fatalf("event = %+v", ev)
	}
	key := ev.Conv
	if last := ev.Actions[len(ev.Actions)-1]; last.Act != types.VerbConvPublish {
		t.Fatalf("last pushed action = %s", last.Act)
	}

	// bob answers from b; the reply travels back to a
	w = b.do(t, http.MethodPost, "/v1/conv/"+key+"/act/", "bob@b.example", map[string]any{
		"actions": []types.ActionInput{{Act: types.VerbMessageAdd, Body: "hi alice"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("act: %d %s", w.Code, w.Body)
	}
	if !queueB.WaitIdle(5 * time.Second) {
		t.Fatal("b queue did not drain")
	}
	if !queueA.WaitIdle(5 * time.Second) {
		t.Fatal("a queue did not drain")
	}

	view, _, _, err := a.svc.View(ctx, key, "alice@a.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Messages) != 2 || view.Messages[1].Author != "bob@b.example" {
		t.Fatalf("a sees %+v", view.Messages)
	}
	if got := a.server.opts.Pending(); got != 0 {
		t.Errorf("pending pushes = %d", got)
	}
	if outbox, err := a.store.PendingPushes(ctx); err != nil || len(outbox) != 0 {
		t.Errorf("outbox = %+v, %v", outbox, err)
	}
}

// publishWith has alice@a.example publish a conversation with the given
// participants and waits until the pushes are out.
func publishWith(t *testing.T, a *testNode, queue *jobs.Queue[push.Payload], participants ...string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/conv/create/", "alice@a.example", map[string]any{
		"subject":      "Shared",
		"message":      "hello",
		"participants": participants,
		"publish":      true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	var created struct {
		Key string `json:"key"`
	}
	json.NewDecoder(w.Body).Decode(&created)
	if !queue.WaitIdle(5 * time.Second) {
		t.Fatal("queue did not drain")
	}
	return created.Key
}

func drain(t *testing.T, queues ...*jobs.Queue[push.Payload]) {
	t.Helper()
	// a push on one node can trigger work on another
	for range 2 {
		for _, q := range queues {
			if !q.WaitIdle(5 * time.Second) {
				t.Fatal("queue did not drain")
			}
		}
	}
}

func TestParticipantAddedByFollowerReachesThirdNode(t *testing.T) {
	nodes := map[string]string{}
	a := newTestNode(t, "a.example", nodes)
	b := newTestNode(t, "b.example", nodes)
	c := newTestNode(t, "c.example", nodes)
	queueA, _ := queuedNode(t, a)
	queueB, _ := queuedNode(t, b)
	queueC, _ := queuedNode(t, c)
	ctx := context.Background()

	key := publishWith(t, a, queueA, "bob@b.example")

	w := b.do(t, http.MethodPost, "/v1/conv/"+key+"/act/", "bob@b.example", map[string]any{
		"actions": []types.ActionInput{{Act: types.VerbParticipantAdd, Participant: "carol@c.example"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("act: %d %s", w.Code, w.Body)
	}
	var applied struct {
		ActionIDs []int64 `json:"action_ids"`
	}
	json.NewDecoder(w.Body).Decode(&applied)
	if len(applied.ActionIDs) != 1 || applied.ActionIDs[0] != 5 {
		t.Fatalf("action ids = %v", applied.ActionIDs)
	}
	drain(t, queueA, queueB, queueC)

	view, conv, _, err := c.svc.View(ctx, key, "carol@c.example")
	if err != nil {
		t.Fatalf("carol's node has no conversation: %v", err)
	}
	if conv.LeaderNode != a.url || view.LastActionID != 5 || len(view.Participants) != 3 {
		t.Fatalf("c view %+v leader %q", view, conv.LeaderNode)
	}
	for _, n := range []*testNode{a, b} {
		v, _, _, err := n.svc.View(ctx, key, "")
		if err != nil {
			t.Fatal(err)
		}
		if v.LastActionID != 5 || len(v.Participants) != 3 {
			t.Fatalf("%s view %+v", n.url, v)
		}
	}
}

// actCode posts actions without touching t so it can run in a goroutine.
func actCode(n *testNode, token, key, body string) int {
	data, _ := json.Marshal(map[string]any{
		"actions": []types.ActionInput{{Act: types.VerbMessageAdd, Body: body}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/conv/"+key+"/act/", bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	n.server.ServeHTTP(w, req)
	return w.Code
}

func TestConcurrentEditsConverge(t *testing.T) {
	nodes := map[string]string{}
	a := newTestNode(t, "a.example", nodes)
	b := newTestNode(t, "b.example", nodes)
	queueA, _ := queuedNode(t, a)
	queueB, _ := queuedNode(t, b)
	ctx := context.Background()

	key := publishWith(t, a, queueA, "bob@b.example")
	aliceToken, _ := IssueToken(jwtSecret, "alice@a.example", time.Hour)
	bobToken, _ := IssueToken(jwtSecret, "bob@b.example", time.Hour)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		codes[0] = actCode(a, aliceToken, key, "from alice")
	}()
	go func() {
		defer wg.Done()
		codes[1] = actCode(b, bobToken, key, "from bob")
	}()
	wg.Wait()
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("act codes = %v", codes)
	}
	drain(t, queueA, queueB)

	logA, err := a.store.ActionsByKey(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	logB, err := b.store.ActionsByKey(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(logA) != 6 || len(logB) != 6 {
		t.Fatalf("a holds %d actions, b holds %d", len(logA), len(logB))
	}
	bodies := map[string]bool{}
	for i := range logA {
		if logA[i].ID != logB[i].ID || logA[i].Actor != logB[i].Actor || logA[i].Body != logB[i].Body {
			t.Fatalf("logs diverge at %d: a %+v b %+v", i, logA[i], logB[i])
		}
		bodies[logA[i].Body] = true
	}
	if !bodies["from alice"] || !bodies["from bob"] {
		t.Fatalf("a message is missing: %v", bodies)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
