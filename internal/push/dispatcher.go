// Package push delivers committed actions to every participant of a
// conversation: nothing for local users, a signed HTTP push per remote em2
// node, and the email fallback for everyone else.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/em2/internal/jobs"
	"github.com/user/em2/internal/signing"
	"github.com/user/em2/internal/types"
)

// Payload is the unit of work queued per conversation. OutboxID is the row
// that keeps it across restarts, zero when it is not recorded.
type Payload struct {
	ConvKey    string
	Actions    []types.Action
	Recipients []types.Recipient
	OutboxID   int64
}

// Message is the body of POST /v1/push/{conv}/.
type Message struct {
	Conversation string         `json:"conversation"`
	Node         string         `json:"em2_node"`
	Actions      []types.Action `json:"actions"`
}

// ForwardMessage is the body of POST /v1/forward/{conv}/: actions by a user
// of the sending node on a conversation led by the receiver.
type ForwardMessage struct {
	Conversation string              `json:"conversation"`
	Node         string              `json:"em2_node"`
	Actor        string              `json:"actor"`
	Since        int64               `json:"since"`
	Actions      []types.ActionInput `json:"actions"`
}

// ForwardResponse carries the ids the leader assigned and its log after
// ForwardMessage.Since.
type ForwardResponse struct {
	ActionIDs []int64        `json:"action_ids"`
	Actions   []types.Action `json:"actions"`
}

// Summary reports where each recipient of a push ended up.
type Summary struct {
	Local    []string
	Em2      map[string][]string
	Fallback []string
	Retry    []string
	Failed   []string
}

type Options struct {
	LocalNode   string
	Resolver    types.NodeResolver
	Users       types.UserTypeStore
	Log         types.ActionLog
	Outbox      types.PushOutbox
	Signer      *signing.Signer
	Fallback    types.FallbackSender
	Client      *http.Client
	Policy      *jobs.RetryPolicy
	Concurrency int
}

type Dispatcher struct {
	localNode   string
	resolver    types.NodeResolver
	users       types.UserTypeStore
	log         types.ActionLog
	outbox      types.PushOutbox
	signer      *signing.Signer
	fallback    types.FallbackSender
	client      *http.Client
	policy      *jobs.RetryPolicy
	concurrency int
	queue       *jobs.Queue[Payload]
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		localNode:   strings.TrimRight(opts.LocalNode, "/"),
		resolver:    opts.Resolver,
		users:       opts.Users,
		log:         opts.Log,
		outbox:      opts.Outbox,
		signer:      opts.Signer,
		fallback:    opts.Fallback,
		client:      opts.Client,
		policy:      opts.Policy,
		concurrency: opts.Concurrency,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: 10 * time.Second}
	}
	if d.policy == nil {
		d.policy = jobs.DefaultRetryPolicy()
	}
	if d.concurrency <= 0 {
		d.concurrency = 8
	}
	return d
}

// Attach makes q the queue this dispatcher processes and re-enqueues to.
func (d *Dispatcher) Attach(q *jobs.Queue[Payload]) {
	d.queue = q
	q.SetProcessor(d.Process)
}

// Enqueue schedules delivery of actions to recipients. The push is recorded
// in the outbox first so a restart does not lose it.
func (d *Dispatcher) Enqueue(convKey string, actions []types.Action, recipients []types.Recipient) error {
	if d.queue == nil {
		return fmt.Errorf("push dispatcher has no queue")
	}
	p := Payload{ConvKey: convKey, Actions: actions, Recipients: recipients}
	d.save(&p, 1, time.Now())
	return d.queue.Enqueue(&jobs.Job[Payload]{Key: convKey, Attempt: 1, Payload: p})
}

// Resume queues the pushes a previous run left in the outbox. Call it once
// after the queue starts and before new pushes are enqueued.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	if d.outbox == nil || d.queue == nil {
		return 0, nil
	}
	pending, err := d.outbox.PendingPushes(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending pushes: %w", err)
	}
	now := time.Now()
	for _, pp := range pending {
		d.queue.EnqueueAfter(&jobs.Job[Payload]{
			Key:     pp.ConvKey,
			Attempt: pp.Attempt,
			Payload: Payload{ConvKey: pp.ConvKey, Actions: pp.Actions, Recipients: pp.Recipients, OutboxID: pp.ID},
		}, pp.Due.Sub(now))
	}
	return len(pending), nil
}

// Process runs one push job and re-enqueues the recipients that failed
// transiently.
func (d *Dispatcher) Process(ctx context.Context, job *jobs.Job[Payload]) error {
	summary := d.Push(ctx, job.Payload)
	if len(summary.Failed) > 0 {
		slog.Warn("push failed permanently", "conv", job.Key, "recipients", summary.Failed)
	}
	if len(summary.Retry) == 0 {
		d.done(job.Payload)
		return nil
	}
	failure := types.Transient(fmt.Errorf("%d recipients unreachable", len(summary.Retry)), "push %s", job.Key)
	if d.queue == nil || !d.policy.ShouldRetry(failure, job.Attempt) {
		d.done(job.Payload)
		return fmt.Errorf("giving up after %d attempts: %w", job.Attempt, failure)
	}

	retry := make(map[string]bool, len(summary.Retry))
	for _, e := range summary.Retry {
		retry[e] = true
	}
	next := job.Payload
	next.Recipients = nil
	next.OutboxID = 0
	for _, r := range job.Payload.Recipients {
		if retry[r.Email] {
			next.Recipients = append(next.Recipients, types.Recipient{Email: r.Email, Type: types.UserNew})
		}
	}
	delay := d.policy.NextDelay(job.Attempt)
	d.save(&next, job.Attempt+1, time.Now().Add(delay))
	d.done(job.Payload)
	slog.Info("retrying push", "conv", job.Key, "recipients", len(next.Recipients),
		"attempt", job.Attempt+1, "delay", delay)
	d.queue.EnqueueAfter(&jobs.Job[Payload]{Key: job.Key, Attempt: job.Attempt + 1, Payload: next}, delay)
	return nil
}

// save records p in the outbox. A failure costs durability only, the push
// still runs.
func (d *Dispatcher) save(p *Payload, attempt int, due time.Time) {
	if d.outbox == nil {
		return
	}
	pp := &types.PendingPush{ConvKey: p.ConvKey, Actions: p.Actions, Recipients: p.Recipients, Attempt: attempt, Due: due}
	if err := d.outbox.SavePendingPush(context.Background(), pp); err != nil {
		slog.Warn("save pending push", "conv", p.ConvKey, "error", err)
		return
	}
	p.OutboxID = pp.ID
}

func (d *Dispatcher) done(p Payload) {
	if d.outbox == nil || p.OutboxID == 0 {
		return
	}
	if err := d.outbox.DeletePendingPush(context.Background(), p.OutboxID); err != nil {
		slog.Warn("delete pending push", "conv", p.ConvKey, "id", p.OutboxID, "error", err)
	}
}

type destination int

const (
	destLocal destination = iota
	destEm2
	destFallback
	destRetry
)

type classified struct {
	email string
	dest  destination
	node  string
}

// Push delivers p once. It never returns an error: the outcome for every
// recipient is in the summary.
func (d *Dispatcher) Push(ctx context.Context, p Payload) *Summary {
	summary := &Summary{Em2: make(map[string][]string)}
	if len(p.Actions) == 0 {
		return summary
	}

	actors := make(map[string]bool)
	for _, a := range p.Actions {
		actors[a.Actor] = true
	}
	var recipients []types.Recipient
	for _, r := range p.Recipients {
		if !actors[r.Email] {
			recipients = append(recipients, r)
		}
	}

	results := make([]classified, len(recipients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, r := range recipients {
		g.Go(func() error {
			results[i] = d.classify(gctx, r)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // classify reports failures per recipient

	for _, c := range results {
		switch c.dest {
		case destLocal:
			summary.Local = append(summary.Local, c.email)
		case destEm2:
			summary.Em2[c.node] = append(summary.Em2[c.node], c.email)
		case destFallback:
			summary.Fallback = append(summary.Fallback, c.email)
		default:
			summary.Retry = append(summary.Retry, c.email)
		}
	}

	d.pushToNodes(ctx, p, summary)
	d.pushFallback(ctx, p, summary)
	sort.Strings(summary.Retry)
	sort.Strings(summary.Failed)
	return summary
}

func (d *Dispatcher) classify(ctx context.Context, r types.Recipient) classified {
	c := classified{email: r.Email}
	if r.Type == types.UserLocal {
		c.dest = destLocal
		return c
	}

	newType := r.Type
	if r.Type == types.UserNew {
		local, err := d.resolver.CheckLocal(ctx, r.Email)
		if err != nil {
			slog.Warn("check local failed", "email", r.Email, "error", err)
			c.dest = destRetry
			return c
		}
		if local {
			c.dest = destLocal
			d.updateUserType(ctx, r, types.UserLocal)
			return c
		}
	}

	node, err := d.resolver.GetEm2Node(ctx, r.Email)
	switch {
	case err != nil:
		slog.Warn("node lookup failed", "email", r.Email, "error", err)
		c.dest = destRetry
		return c
	case node == d.localNode:
		c.dest = destLocal
		newType = types.UserLocal
	case node != "":
		c.dest = destEm2
		c.node = node
		newType = types.UserRemoteEm2
	default:
		c.dest = destFallback
		newType = types.UserRemoteOther
	}
	d.updateUserType(ctx, r, newType)
	return c
}

func (d *Dispatcher) updateUserType(ctx context.Context, r types.Recipient, t types.UserType) {
	if r.Type == t || d.users == nil {
		return
	}
	changed, err := d.users.SetUserType(ctx, r.Email, t)
	if err != nil {
		slog.Warn("update user type failed", "email", r.Email, "error", err)
		return
	}
	if changed {
		slog.Debug("user type changed", "email", r.Email, "from", r.Type, "to", t)
	}
}

func (d *Dispatcher) pushToNodes(ctx context.Context, p Payload, summary *Summary) {
	if len(summary.Em2) == 0 {
		return
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for node, emails := range summary.Em2 {
		g.Go(func() error {
			err := d.sendToNode(gctx, node, p)
			if err == nil {
				return nil
			}
			slog.Warn("push to node failed", "node", node, "conv", p.ConvKey, "error", err)
			retryable := jobs.IsRetryable(err)
			for _, e := range emails {
				d.resolver.Forget(e)
				if d.users != nil {
					if _, err := d.users.SetUserType(gctx, e, types.UserNew); err != nil {
						slog.Warn("reset user type failed", "email", e, "error", err)
					}
				}
			}
			mu.Lock()
			if retryable {
				summary.Retry = append(summary.Retry, emails...)
			} else {
				summary.Failed = append(summary.Failed, emails...)
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // failures are recorded in the summary
}

// sendToNode posts the batch to node. When the node answers that it needs the
// full conversation, the complete log is sent once.
func (d *Dispatcher) sendToNode(ctx context.Context, node string, p Payload) error {
	if d.signer == nil {
		return types.NotConfigured("signing key not configured")
	}
	status, err := d.post(ctx, node, p.ConvKey, p.Actions)
	if err != nil {
		return err
	}
	if status == types.StatusResyncRequired {
		slog.Info("node requested full conversation", "node", node, "conv", p.ConvKey)
		full, err := d.log.ActionsByKey(ctx, p.ConvKey)
		if err != nil {
			return fmt.Errorf("load full log: %w", err)
		}
		if status, err = d.post(ctx, node, p.ConvKey, full); err != nil {
			return err
		}
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests || status == types.StatusResyncRequired:
		return types.Transient(fmt.Errorf("status %d", status), "push to %s", node)
	default:
		return types.BadRequest("push to %s rejected with status %d", node, status)
	}
}

func (d *Dispatcher) post(ctx context.Context, node, convKey string, actions []types.Action) (int, error) {
	body, err := json.Marshal(Message{Conversation: convKey, Node: d.localNode, Actions: actions})
	if err != nil {
		return 0, err
	}
	u := node + "/v1/push/" + url.PathEscape(convKey) + "/?" + url.Values{"node": {d.localNode}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	d.signer.SignRequest(req, body)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, types.Transient(err, "push to %s", node)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024)) //nolint:errcheck
	return resp.StatusCode, nil
}

// Forward sends actions by a local user to the node leading the
// conversation and returns what the leader committed. Rejections keep the
// leader's message and error kind.
func (d *Dispatcher) Forward(ctx context.Context, leader, convKey, actor string, since int64, actions []types.ActionInput) ([]int64, []types.Action, error) {
	if d.signer == nil {
		return nil, nil, types.NotConfigured("signing key not configured")
	}
	body, err := json.Marshal(ForwardMessage{
		Conversation: convKey,
		Node:         d.localNode,
		Actor:        actor,
		Since:        since,
		Actions:      actions,
	})
	if err != nil {
		return nil, nil, err
	}
	u := leader + "/v1/forward/" + url.PathEscape(convKey) + "/?" + url.Values{"node": {d.localNode}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	d.signer.SignRequest(req, body)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, types.Transient(err, "forward to %s", leader)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, types.Transient(err, "read response from %s", leader)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		json.Unmarshal(data, &e) //nolint:errcheck // an empty message is fine
		if e.Message == "" {
			e.Message = fmt.Sprintf("leader %s answered %d", leader, resp.StatusCode)
		}
		switch {
		case resp.StatusCode == http.StatusBadRequest:
			return nil, nil, types.BadRequest("%s", e.Message)
		case resp.StatusCode == http.StatusConflict:
			return nil, nil, types.Conflict("%s", e.Message)
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil, types.NotFound("%s", e.Message)
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, nil, types.Unauthorized("%s", e.Message)
		default:
			return nil, nil, types.Transient(fmt.Errorf("status %d", resp.StatusCode), "forward to %s", leader)
		}
	}

	var fr ForwardResponse
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, nil, types.Transient(err, "decode response from %s", leader)
	}
	if len(fr.Actions) == 0 {
		return nil, nil, types.Transient(fmt.Errorf("empty log"), "forward to %s", leader)
	}
	return fr.ActionIDs, fr.Actions, nil
}

func (d *Dispatcher) pushFallback(ctx context.Context, p Payload, summary *Summary) {
	if len(summary.Fallback) == 0 || onlySeen(p.Actions) {
		return
	}
	if d.fallback == nil {
		slog.Warn("no fallback configured, dropping email recipients", "conv", p.ConvKey, "count", len(summary.Fallback))
		summary.Failed = append(summary.Failed, summary.Fallback...)
		return
	}
	err := d.fallback.Send(ctx, p.ConvKey, p.Actions, summary.Fallback)
	if err == nil {
		return
	}
	slog.Warn("fallback send failed", "conv", p.ConvKey, "error", err)
	if jobs.IsRetryable(err) {
		summary.Retry = append(summary.Retry, summary.Fallback...)
	} else {
		summary.Failed = append(summary.Failed, summary.Fallback...)
	}
}

func onlySeen(actions []types.Action) bool {
	for _, a := range actions {
		if a.Act != types.VerbSeen {
			return false
		}
	}
	return true
}
