package sentiment

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/policy-lab/polis/internal/domain"
)

const (
	defaultSubmitTimeout = 10 * time.Second
	commandBuffer        = 64
)

// Recorder receives controller events for metrics. All methods must be safe to call from the actor goroutine.
type Recorder interface {
	ToggleRecorded(kind domain.SentimentKind, result string)
	SubmissionSettled(result string)
	RolledBack()
}

// Option configures a Controller.
type Option func(*Controller)

// WithRollback controls whether a failed submission reverts the optimistic change.
func WithRollback(enabled bool) Option {
	return func(c *Controller) { c.rollback = enabled }
}

// WithSubmitTimeout bounds each remote submission.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *Controller) { c.submitTimeout = d }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithObserver registers a callback invoked on the actor goroutine after every change.
// The callback must not call back into the controller.
func WithObserver(fn func(Summary)) Option {
	return func(c *Controller) { c.observer = fn }
}

// --- Command types ---

type controllerCmd interface{ controllerCmd() }

type cmdToggle struct {
	identity domain.Identity
	kind     domain.SentimentKind
	replyCh  chan toggleReply
}

func (cmdToggle) controllerCmd() {}

type toggleReply struct {
	summary Summary
	err     error
}

type cmdSettled struct {
	username string
	sent     State
	err      error
}

func (cmdSettled) controllerCmd() {}

type cmdSummary struct {
	replyCh chan Summary
}

func (cmdSummary) controllerCmd() {}

type cmdInspect struct {
	fn     func(Summary)
	doneCh chan struct{}
}

func (cmdInspect) controllerCmd() {}

type cmdFlush struct {
	replyCh chan struct{}
}

func (cmdFlush) controllerCmd() {}

type cmdStop struct {
	doneCh chan struct{}
}

func (cmdStop) controllerCmd() {}

// userState tracks reconciliation for one participant. The displayed state lives in the sets.
type userState struct {
	// confirmed is the last state the backend accepted, or the seeded one.
	confirmed State
	pending   bool
	dirty     bool
}

// --- Controller ---

// Controller owns the like/dislike sets for one conversation and linearizes every
// mutation on a single actor goroutine. Remote submissions run on their own
// goroutines and report back through the command channel.
type Controller struct {
	conversationID string
	submitter      domain.SentimentSubmitter
	notifier       domain.Notifier
	recorder       Recorder
	observer       func(Summary)
	rollback       bool
	submitTimeout  time.Duration

	cmdCh    chan controllerCmd
	stopCh   chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	// Owned by the actor goroutine.
	liked       []string
	disliked    []string
	users       map[string]*userState
	inFlight    int
	idleWaiters []chan struct{}
}

// NewController seeds the sets from the server-provided sentiment list and starts the actor.
func NewController(conversationID string, initial []domain.SentimentEntry, submitter domain.SentimentSubmitter, notifier domain.Notifier, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		conversationID: conversationID,
		submitter:      submitter,
		notifier:       notifier,
		rollback:       true,
		submitTimeout:  defaultSubmitTimeout,
		cmdCh:          make(chan controllerCmd, commandBuffer),
		stopCh:         make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		users:          make(map[string]*userState),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.seed(initial)
	go c.run()
	return c
}

func (c *Controller) seed(entries []domain.SentimentEntry) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Username == "" || seen[e.Username] {
			continue
		}
		seen[e.Username] = true
		switch e.Vote {
		case domain.SentimentLike:
			c.liked = append(c.liked, e.Username)
		case domain.SentimentDislike:
			c.disliked = append(c.disliked, e.Username)
		}
	}
}

func (c *Controller) run() {
	for cmd := range c.cmdCh {
		switch cmd := cmd.(type) {
		case cmdToggle:
			summary, err := c.handleToggle(cmd.identity, cmd.kind)
			cmd.replyCh <- toggleReply{summary: summary, err: err}

		case cmdSettled:
			c.handleSettled(cmd)

		case cmdSummary:
			cmd.replyCh <- c.summary()

		case cmdInspect:
			cmd.fn(c.summary())
			close(cmd.doneCh)

		case cmdFlush:
			if c.inFlight == 0 {
				close(cmd.replyCh)
			} else {
				c.idleWaiters = append(c.idleWaiters, cmd.replyCh)
			}

		case cmdStop:
			c.cancel()
			close(c.stopCh)
			close(cmd.doneCh)
			return
		}
	}
}

func (c *Controller) handleToggle(id domain.Identity, kind domain.SentimentKind) (Summary, error) {
	if !id.SignedIn() {
		c.record(kind, "unauthorized")
		return c.summary(), domain.ErrUnauthorized
	}

	username := id.Username
	st := c.user(username)
	target := stateFor(kind)
	previous := c.stateOf(username)

	if previous == target {
		// Retraction is local only; the backend is never told to undo.
		c.place(username, Neutral)
		if st.pending {
			st.dirty = true
		}
		c.record(kind, "retracted")
		c.changed()
		return c.summary(), nil
	}

	c.place(username, target)
	if st.pending {
		st.dirty = true
		c.record(kind, "queued")
	} else {
		c.submit(username, target)
		c.record(kind, "submitted")
	}
	c.changed()
	return c.summary(), nil
}

func (c *Controller) handleSettled(cmd cmdSettled) {
	st := c.user(cmd.username)
	st.pending = false
	c.inFlight--

	if cmd.err == nil {
		st.confirmed = cmd.sent
		c.settled("accepted")
	} else {
		c.reportFailure(cmd)
		if c.rollback {
			c.place(cmd.username, st.confirmed)
			st.dirty = false
			if c.recorder != nil {
				c.recorder.RolledBack()
			}
		}
	}

	if st.dirty {
		st.dirty = false
		if current := c.stateOf(cmd.username); current != Neutral && current != cmd.sent && current != st.confirmed {
			c.submit(cmd.username, current)
		}
	}

	c.changed()
	if c.inFlight == 0 {
		for _, ch := range c.idleWaiters {
			close(ch)
		}
		c.idleWaiters = nil
	}
}

func (c *Controller) reportFailure(cmd cmdSettled) {
	result := "unreachable"
	if errors.Is(cmd.err, domain.ErrRemoteRejected) {
		result = "rejected"
	}
	c.settled(result)

	slog.Warn("Sentiment submission failed",
		"conversation_id", c.conversationID,
		"username", cmd.username,
		"vote", cmd.sent.String(),
		"result", result,
		"error", cmd.err,
	)
	if c.notifier != nil {
		c.notifier.NotifyError(c.ctx, failureMessage(cmd.sent, cmd.err))
	}
}

func failureMessage(sent State, err error) string {
	action := "like"
	if sent == Disliked {
		action = "dislike"
	}
	if errors.Is(err, domain.ErrRemoteRejected) {
		return domain.RejectionReason(err, "Your "+action+" was not accepted")
	}
	return "Could not save your " + action + ", please try again"
}

// submit marks the user pending and fires the remote call. Called on the actor goroutine.
func (c *Controller) submit(username string, target State) {
	st := c.user(username)
	st.pending = true
	c.inFlight++

	kind := domain.SentimentLike
	if target == Disliked {
		kind = domain.SentimentDislike
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.submitTimeout)
		defer cancel()
		err := c.submitter.SubmitSentiment(ctx, c.conversationID, kind)

		select {
		case c.cmdCh <- cmdSettled{username: username, sent: target, err: err}:
		case <-c.stopCh:
			// View torn down; the late response is discarded.
		}
	}()
}

func (c *Controller) user(username string) *userState {
	st, ok := c.users[username]
	if !ok {
		st = &userState{confirmed: c.stateOf(username)}
		c.users[username] = st
	}
	return st
}

func (c *Controller) stateOf(username string) State {
	switch {
	case slices.Contains(c.liked, username):
		return Liked
	case slices.Contains(c.disliked, username):
		return Disliked
	default:
		return Neutral
	}
}

// place removes username from both sets before adding it to the target one,
// so a participant can never be in both.
func (c *Controller) place(username string, s State) {
	c.liked = slices.DeleteFunc(c.liked, func(u string) bool { return u == username })
	c.disliked = slices.DeleteFunc(c.disliked, func(u string) bool { return u == username })
	switch s {
	case Liked:
		c.liked = append(c.liked, username)
	case Disliked:
		c.disliked = append(c.disliked, username)
	}
}

func (c *Controller) summary() Summary {
	pending := make(map[string]bool)
	for u, st := range c.users {
		if st.pending {
			pending[u] = true
		}
	}
	return Summary{
		Liked:    slices.Clone(c.liked),
		Disliked: slices.Clone(c.disliked),
		pending:  pending,
	}
}

func (c *Controller) changed() {
	if c.observer != nil {
		c.observer(c.summary())
	}
}

func (c *Controller) record(kind domain.SentimentKind, result string) {
	if c.recorder != nil {
		c.recorder.ToggleRecorded(kind, result)
	}
}

func (c *Controller) settled(result string) {
	if c.recorder != nil {
		c.recorder.SubmissionSettled(result)
	}
}

// --- Public API ---

// ToggleLike likes, or retracts an existing like.
func (c *Controller) ToggleLike(ctx context.Context, id domain.Identity) (ViewerState, error) {
	return c.toggle(ctx, id, domain.SentimentLike)
}

// ToggleDislike dislikes, or retracts an existing dislike.
func (c *Controller) ToggleDislike(ctx context.Context, id domain.Identity) (ViewerState, error) {
	return c.toggle(ctx, id, domain.SentimentDislike)
}

func (c *Controller) toggle(ctx context.Context, id domain.Identity, kind domain.SentimentKind) (ViewerState, error) {
	replyCh := make(chan toggleReply, 1)
	if err := c.send(ctx, cmdToggle{identity: id, kind: kind, replyCh: replyCh}); err != nil {
		return ViewerState{}, err
	}
	select {
	case reply := <-replyCh:
		return reply.summary.For(id), reply.err
	case <-c.stopCh:
		return ViewerState{}, domain.ErrViewClosed
	case <-ctx.Done():
		return ViewerState{}, ctx.Err()
	}
}

// Summary returns a copy of the current sets.
func (c *Controller) Summary(ctx context.Context) (Summary, error) {
	replyCh := make(chan Summary, 1)
	if err := c.send(ctx, cmdSummary{replyCh: replyCh}); err != nil {
		return Summary{}, err
	}
	select {
	case s := <-replyCh:
		return s, nil
	case <-c.stopCh:
		return Summary{}, domain.ErrViewClosed
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Inspect runs fn with the current sets on the actor goroutine, ordered with every
// observer call, and waits for it to return. fn must not call back into the controller.
func (c *Controller) Inspect(ctx context.Context, fn func(Summary)) error {
	doneCh := make(chan struct{})
	if err := c.send(ctx, cmdInspect{fn: fn, doneCh: doneCh}); err != nil {
		return err
	}
	select {
	case <-doneCh:
		return nil
	case <-c.stopCh:
		return domain.ErrViewClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ViewerState returns the projection of the current sets for one viewer.
func (c *Controller) ViewerState(ctx context.Context, id domain.Identity) (ViewerState, error) {
	s, err := c.Summary(ctx)
	if err != nil {
		return ViewerState{}, err
	}
	return s.For(id), nil
}

// Likers lists who liked, in insertion order. Collaborators and admins only.
func (c *Controller) Likers(ctx context.Context, id domain.Identity) ([]string, error) {
	if !id.CanSeeRoster() {
		return nil, domain.ErrForbidden
	}
	s, err := c.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return s.Liked, nil
}

// Dislikers lists who disliked, in insertion order. Collaborators and admins only.
func (c *Controller) Dislikers(ctx context.Context, id domain.Identity) ([]string, error) {
	if !id.CanSeeRoster() {
		return nil, domain.ErrForbidden
	}
	s, err := c.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return s.Disliked, nil
}

// Flush blocks until no submission is in flight.
func (c *Controller) Flush(ctx context.Context) error {
	replyCh := make(chan struct{})
	if err := c.send(ctx, cmdFlush{replyCh: replyCh}); err != nil {
		return err
	}
	select {
	case <-replyCh:
		return nil
	case <-c.stopCh:
		return domain.ErrViewClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor. In-flight submissions are cancelled and their results dropped.
// Safe to call more than once.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		doneCh := make(chan struct{})
		c.cmdCh <- cmdStop{doneCh: doneCh}
		<-doneCh
	})
}

func (c *Controller) send(ctx context.Context, cmd controllerCmd) error {
	select {
	case c.cmdCh <- cmd:
		return nil
	case <-c.stopCh:
		return domain.ErrViewClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
