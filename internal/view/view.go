package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/policy-lab/polis/internal/cardqueue"
	"github.com/policy-lab/polis/internal/domain"
	"github.com/policy-lab/polis/internal/sentiment"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Backend is everything a view needs from the backend, already bound to the participant.
type Backend interface {
	domain.ConversationSource
	domain.StatementVoter
	domain.SentimentSubmitter
}

// Publisher pushes view updates to connected browsers. Implementations must not block.
type Publisher interface {
	PublishSnapshot(ctx context.Context, viewID string, snap Snapshot)
	PublishToast(ctx context.Context, viewID string, message string)
	CloseView(viewID string)
}

// VoteRecorder receives card vote results for metrics.
type VoteRecorder interface {
	CardVoteRecorded(vote domain.StatementVote, result string)
}

// Options are the collaborators and knobs shared by every view.
type Options struct {
	Publisher        Publisher
	Clock            clockwork.Clock
	VoteRecorder     VoteRecorder
	SentimentOptions []sentiment.Option
}

// VoteResult is returned to the caller of Vote.
type VoteResult struct {
	StatementID int64  `json:"statement_id"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
}

// Roster lists who liked and who disliked the conversation.
type Roster struct {
	Likers    []string `json:"likers"`
	Dislikers []string `json:"dislikers"`
}

const refreshTimeout = 15 * time.Second

// View is the state of one conversation for one participant session.
type View struct {
	id           string
	owner        domain.Identity
	conversation domain.Conversation
	backend      Backend
	publisher    Publisher
	clock        clockwork.Clock
	votes        VoteRecorder

	sentiment *sentiment.Controller
	cards     *cardqueue.Progressor

	refreshGroup singleflight.Group
	lastActive   atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
}

// Open fetches the conversation, the unvoted batch and the voted batch concurrently
// and builds the view's state from them.
func Open(ctx context.Context, id, conversationID string, owner domain.Identity, backend Backend, opts Options) (*View, error) {
	var (
		conv           *domain.Conversation
		unvoted, voted []domain.Statement
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		conv, err = backend.GetConversation(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		var err error
		unvoted, err = backend.ListUnvotedStatements(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		var err error
		voted, err = backend.ListVotedStatements(gctx, conversationID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", conversationID, err)
	}

	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	v := &View{
		id:           id,
		owner:        owner,
		conversation: *conv,
		backend:      backend,
		publisher:    opts.Publisher,
		clock:        opts.Clock,
		votes:        opts.VoteRecorder,
		cards:        cardqueue.New(unvoted, voted, conv.PostSurvey),
	}
	v.touch()

	sentimentOpts := append([]sentiment.Option{}, opts.SentimentOptions...)
	sentimentOpts = append(sentimentOpts, sentiment.WithObserver(v.sentimentChanged))
	v.sentiment = sentiment.NewController(conversationID, conv.Sentiment, backend, toastNotifier{view: v}, sentimentOpts...)

	slog.InfoContext(ctx, "View opened",
		"view_id", id,
		"conversation_id", conversationID,
		"pending", v.cards.PendingCount(),
		"completed", v.cards.CompletedCount(),
	)
	return v, nil
}

func (v *View) ID() string { return v.id }

func (v *View) ConversationID() string { return v.conversation.ID }

func (v *View) Owner() domain.Identity { return v.owner }

// ToggleLike toggles the owner's like.
func (v *View) ToggleLike(ctx context.Context) (sentiment.ViewerState, error) {
	if err := v.enter(); err != nil {
		return sentiment.ViewerState{}, err
	}
	return v.sentiment.ToggleLike(ctx, v.owner)
}

// ToggleDislike toggles the owner's dislike.
func (v *View) ToggleDislike(ctx context.Context) (sentiment.ViewerState, error) {
	if err := v.enter(); err != nil {
		return sentiment.ViewerState{}, err
	}
	return v.sentiment.ToggleDislike(ctx, v.owner)
}

// Roster returns the likers and dislikers for collaborators and admins.
func (v *View) Roster(ctx context.Context) (Roster, error) {
	if err := v.enter(); err != nil {
		return Roster{}, err
	}
	likers, err := v.sentiment.Likers(ctx, v.owner)
	if err != nil {
		return Roster{}, err
	}
	dislikers, err := v.sentiment.Dislikers(ctx, v.owner)
	if err != nil {
		return Roster{}, err
	}
	return Roster{Likers: likers, Dislikers: dislikers}, nil
}

// Vote casts a vote on the front statement. The completed count only moves once the
// backend accepts. Rejections and transport failures are reported as a rejected outcome
// and a toast; they are not returned as errors.
func (v *View) Vote(ctx context.Context, statementID int64, vote domain.StatementVote) (VoteResult, error) {
	if err := v.enter(); err != nil {
		return VoteResult{}, err
	}
	if !v.owner.SignedIn() {
		return VoteResult{}, domain.ErrUnauthorized
	}
	if err := v.cards.BeginVote(statementID); err != nil {
		return VoteResult{}, err
	}
	v.publish(ctx)

	err := v.backend.SubmitVote(ctx, v.conversation.ID, statementID, vote)
	if v.closed.Load() {
		// Torn down while the request was in flight.
		return VoteResult{}, domain.ErrViewClosed
	}

	outcome := domain.Accepted()
	result := "accepted"
	if err != nil {
		result = "unreachable"
		message := "Could not save your vote, please try again"
		if errors.Is(err, domain.ErrRemoteRejected) {
			result = "rejected"
			message = domain.RejectionReason(err, "Your vote was not accepted")
		}
		outcome = domain.Rejected(message)

		slog.WarnContext(ctx, "Statement vote failed",
			"view_id", v.id,
			"conversation_id", v.conversation.ID,
			"statement_id", statementID,
			"vote", vote.String(),
			"result", result,
			"error", err,
		)
		v.publisher.PublishToast(ctx, v.id, message)
	}

	reason, err := v.cards.RecordVote(statementID, outcome)
	if err != nil {
		// Stale answer for a card that is no longer at the front. Only its own
		// in-flight marker may be released.
		v.cards.Abandon(statementID)
		if outcome.Kind == domain.OutcomeAccepted && v.cards.Completed(statementID) {
			return VoteResult{StatementID: statementID, Outcome: outcome.Kind.String()}, nil
		}
		return VoteResult{}, err
	}
	if v.votes != nil {
		v.votes.CardVoteRecorded(vote, result)
	}
	v.publish(ctx)

	return VoteResult{StatementID: statementID, Outcome: outcome.Kind.String(), Reason: reason}, nil
}

// Abandon releases an in-flight vote so the front card is votable again.
func (v *View) Abandon(ctx context.Context) error {
	if err := v.enter(); err != nil {
		return err
	}
	if id, ok := v.cards.InFlight(); ok {
		v.cards.Abandon(id)
	}
	v.publish(ctx)
	return nil
}

// Refresh refetches the unvoted statements and appends the ones not seen yet.
// Concurrent calls share one backend request, which outlives any single caller.
func (v *View) Refresh(ctx context.Context) (int, error) {
	if err := v.enter(); err != nil {
		return 0, err
	}
	ch := v.refreshGroup.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		statements, err := v.backend.ListUnvotedStatements(fetchCtx, v.conversation.ID)
		if err != nil {
			return 0, err
		}
		return v.cards.Append(statements...), nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if res.Err != nil {
		return 0, res.Err
	}
	if v.closed.Load() {
		return 0, domain.ErrViewClosed
	}
	v.publish(ctx)
	return res.Val.(int), nil
}

// Measure records the front card's layout and returns the stack height.
func (v *View) Measure(m cardqueue.Measurement) (int, error) {
	if err := v.enter(); err != nil {
		return 0, err
	}
	return v.cards.MeasureFront(m), nil
}

// Snapshot returns the current state for the owner.
func (v *View) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := v.enter(); err != nil {
		return Snapshot{}, err
	}
	summary, err := v.sentiment.Summary(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return v.snapshotWith(summary), nil
}

// Close tears the view down. Late responses are dropped. Safe to call more than once.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		v.sentiment.Close()
		slog.Info("View closed", "view_id", v.id, "conversation_id", v.conversation.ID)
	})
}

// Closed reports whether Close was called.
func (v *View) Closed() bool {
	return v.closed.Load()
}

func (v *View) idleFor() time.Duration {
	return v.clock.Since(time.Unix(0, v.lastActive.Load()))
}

func (v *View) touch() {
	v.lastActive.Store(v.clock.Now().UnixNano())
}

func (v *View) enter() error {
	if v.closed.Load() {
		return domain.ErrViewClosed
	}
	v.touch()
	return nil
}

// SnapshotTo hands the current snapshot to send from the sentiment actor, so it is
// ordered with every pushed update.
func (v *View) SnapshotTo(ctx context.Context, send func(Snapshot)) error {
	if err := v.enter(); err != nil {
		return err
	}
	return v.sentiment.Inspect(ctx, func(summary sentiment.Summary) {
		send(v.snapshotWith(summary))
	})
}

// sentimentChanged runs on the controller's actor goroutine.
func (v *View) sentimentChanged(summary sentiment.Summary) {
	if v.closed.Load() {
		return
	}
	v.publisher.PublishSnapshot(context.Background(), v.id, v.snapshotWith(summary))
}

// publish pushes the current state through the sentiment actor. Every snapshot
// leaves from that one goroutine, so an older one never overtakes a newer one.
func (v *View) publish(ctx context.Context) {
	_ = v.sentiment.Inspect(context.WithoutCancel(ctx), v.sentimentChanged)
}

// toastNotifier routes controller notifications to the view's browsers.
type toastNotifier struct {
	view *View
}

func (n toastNotifier) NotifyError(ctx context.Context, message string) {
	if n.view.closed.Load() {
		return
	}
	n.view.publisher.PublishToast(ctx, n.view.id, message)
}

type noopPublisher struct{}

func (noopPublisher) PublishSnapshot(context.Context, string, Snapshot) {}
func (noopPublisher) PublishToast(context.Context, string, string)     {}
func (noopPublisher) CloseView(string)                                 {}
