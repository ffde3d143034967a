package sentiment

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policy-lab/polis/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockSubmitter struct {
	mu      sync.Mutex
	calls   []domain.SentimentKind
	err     error
	block   bool
	results chan error
}

func newBlockingSubmitter() *mockSubmitter {
	return &mockSubmitter{block: true, results: make(chan error)}
}

func (m *mockSubmitter) SubmitSentiment(ctx context.Context, conversationID string, vote domain.SentimentKind) error {
	m.mu.Lock()
	m.calls = append(m.calls, vote)
	block, err := m.block, m.err
	m.mu.Unlock()

	if !block {
		return err
	}
	select {
	case err := <-m.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockSubmitter) getCalls() []domain.SentimentKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockNotifier) NotifyError(_ context.Context, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
}

func (m *mockNotifier) getMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages)
}

type mockRecorder struct {
	rollbacks atomic.Int32
}

func (m *mockRecorder) ToggleRecorded(domain.SentimentKind, string) {}
func (m *mockRecorder) SubmissionSettled(string)                    {}
func (m *mockRecorder) RolledBack()                                 { m.rollbacks.Add(1) }

// --- Helpers ---

func participant(name string) domain.Identity {
	uid := int64(len(name) + 100)
	return domain.Identity{AccountID: &uid, Username: name}
}

func admin(name string) domain.Identity {
	id := participant(name)
	id.IsAdmin = true
	return id
}

func newTestController(t *testing.T, submitter domain.SentimentSubmitter, notifier domain.Notifier, opts ...Option) *Controller {
	t.Helper()
	c := NewController("conv-1", nil, submitter, notifier, opts...)
	t.Cleanup(c.Close)
	return c
}

func summaryOf(t *testing.T, c *Controller) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
	s, err := c.Summary(ctx)
	require.NoError(t, err)
	return s
}

func waitForCalls(t *testing.T, m *mockSubmitter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.getCalls()) == n }, time.Second, 5*time.Millisecond)
}

// --- Toggle tests ---

func TestToggle_LikeThenDislikeMovesParticipant(t *testing.T) {
	sub := &mockSubmitter{}
	c := newTestController(t, sub, &mockNotifier{})
	alice := participant("alice")
	ctx := context.Background()

	vs, err := c.ToggleLike(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "liked", vs.Mine)
	assert.Equal(t, 1, vs.Likes)

	s := summaryOf(t, c)
	assert.Equal(t, []string{"alice"}, s.Liked)
	assert.Empty(t, s.Disliked)

	vs, err = c.ToggleDislike(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "disliked", vs.Mine)

	s = summaryOf(t, c)
	assert.Empty(t, s.Liked)
	assert.Equal(t, []string{"alice"}, s.Disliked)
	assert.Equal(t, []domain.SentimentKind{domain.SentimentLike, domain.SentimentDislike}, sub.getCalls())
}

func TestToggle_OptimisticBeforeSettlement(t *testing.T) {
	sub := newBlockingSubmitter()
	c := newTestController(t, sub, &mockNotifier{})

	vs, err := c.ToggleLike(context.Background(), participant("alice"))
	require.NoError(t, err)
	assert.Equal(t, "liked", vs.Mine)
	assert.True(t, vs.Pending)

	sub.results <- nil
	s := summaryOf(t, c)
	assert.Equal(t, []string{"alice"}, s.Liked)
	assert.Equal(t, "neutral", s.For(domain.Anonymous()).Mine)
}

func TestToggle_UnlikeIsLocalOnly(t *testing.T) {
	sub := &mockSubmitter{}
	c := newTestController(t, sub, &mockNotifier{})
	alice := participant("alice")
	ctx := context.Background()

	_, err := c.ToggleLike(ctx, alice)
	require.NoError(t, err)
	vs, err := c.ToggleLike(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "neutral", vs.Mine)

	s := summaryOf(t, c)
	assert.Empty(t, s.Liked)
	assert.Len(t, sub.getCalls(), 1)
}

func TestToggle_UndislikeIsLocalOnly(t *testing.T) {
	sub := &mockSubmitter{}
	c := newTestController(t, sub, &mockNotifier{})
	bob := participant("bob")
	ctx := context.Background()

	_, err := c.ToggleDislike(ctx, bob)
	require.NoError(t, err)
	_, err = c.ToggleDislike(ctx, bob)
	require.NoError(t, err)

	s := summaryOf(t, c)
	assert.Empty(t, s.Disliked)
	assert.Equal(t, []domain.SentimentKind{domain.SentimentDislike}, sub.getCalls())
}

func TestToggle_RetractingSeededLikeSendsNothing(t *testing.T) {
	sub := &mockSubmitter{}
	seed := []domain.SentimentEntry{{Username: "alice", Vote: domain.SentimentLike}}
	c := NewController("conv-1", seed, sub, &mockNotifier{})
	t.Cleanup(c.Close)

	_, err := c.ToggleLike(context.Background(), participant("alice"))
	require.NoError(t, err)

	s := summaryOf(t, c)
	assert.Empty(t, s.Liked)
	assert.Empty(t, sub.getCalls())
}

func TestToggle_AnonymousIsRefused(t *testing.T) {
	sub := &mockSubmitter{}
	c := newTestController(t, sub, &mockNotifier{})

	vs, err := c.ToggleLike(context.Background(), domain.Anonymous())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.False(t, vs.CanVote)

	name := "nobody"
	_, err = c.ToggleDislike(context.Background(), domain.Identity{Username: name})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	s := summaryOf(t, c)
	assert.Empty(t, s.Liked)
	assert.Empty(t, s.Disliked)
	assert.Empty(t, sub.getCalls())
}

// --- Failure handling ---

func TestToggle_FailureRollsBack(t *testing.T) {
	sub := &mockSubmitter{err: &domain.RemoteError{Kind: domain.ErrRemoteRejected, Status: 403, Reason: "conversation closed"}}
	notifier := &mockNotifier{}
	rec := &mockRecorder{}
	c := newTestController(t, sub, notifier, WithRecorder(rec))

	_, err := c.ToggleLike(context.Background(), participant("alice"))
	require.NoError(t, err)

	s := summaryOf(t, c)
	assert.Empty(t, s.Liked)
	assert.Equal(t, []string{"conversation closed"}, notifier.getMessages())
	assert.Equal(t, int32(1), rec.rollbacks.Load())
}

func TestToggle_FailureRestoresPreviousSide(t *testing.T) {
	sub := &mockSubmitter{err: &domain.RemoteError{Kind: domain.ErrRemoteUnreachable}}
	seed := []domain.SentimentEntry{{Username: "alice", Vote: domain.SentimentLike}}
	notifier := &mockNotifier{}
	c := NewController("conv-1", seed, sub, notifier)
	t.Cleanup(c.Close)

	_, err := c.ToggleDislike(context.Background(), participant("alice"))
	require.NoError(t, err)

	s := summaryOf(t, c)
	assert.Equal(t, []string{"alice"}, s.Liked)
	assert.Empty(t, s.Disliked)
	assert.Equal(t, []string{"Could not save your dislike, please try again"}, notifier.getMessages())
}

func TestToggle_FailureRestoresConfirmedStateNotLastClick(t *testing.T) {
	sub := newBlockingSubmitter()
	notifier := &mockNotifier{}
	c := newTestController(t, sub, notifier)
	alice := participant("alice")
	ctx := context.Background()

	_, err := c.ToggleLike(ctx, alice)
	require.NoError(t, err)
	waitForCalls(t, sub, 1)
	sub.results <- nil
	require.Equal(t, []string{"alice"}, summaryOf(t, c).Liked)

	// Un-like stays local, so the backend still holds the like.
	_, err = c.ToggleLike(ctx, alice)
	require.NoError(t, err)
	vs, err := c.ToggleDislike(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "disliked", vs.Mine)

	waitForCalls(t, sub, 2)
	sub.results <- &domain.RemoteError{Kind: domain.ErrRemoteUnreachable}

	s := summaryOf(t, c)
	assert.Equal(t, []string{"alice"}, s.Liked)
	assert.Empty(t, s.Disliked)
	assert.Equal(t, []string{"Could not save your dislike, please try again"}, notifier.getMessages())
}

func TestInspect_RunsOnActorInOrder(t *testing.T) {
	var seen []string
	c := NewController("conv-1", nil, &mockSubmitter{}, &mockNotifier{}, WithObserver(func(s Summary) {
		seen = append(seen, "observer:"+s.StateOf("alice").String())
	}))
	t.Cleanup(c.Close)
	ctx := context.Background()

	_, err := c.ToggleLike(ctx, participant("alice"))
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Inspect(ctx, func(s Summary) {
		seen = append(seen, "inspect:"+s.StateOf("alice").String())
	}))

	require.NotEmpty(t, seen)
	assert.Equal(t, "inspect:liked", seen[len(seen)-1])
	assert.Equal(t, "observer:liked", seen[0])

	c.Close()
	assert.ErrorIs(t, c.Inspect(ctx, func(Summary) {}), domain.ErrViewClosed)
}

func TestToggle_FailureWithoutRollbackKeepsOptimisticState(t *testing.T) {
	sub := &mockSubmitter{err: &domain.RemoteError{Kind: domain.ErrRemoteUnreachable}}
	notifier := &mockNotifier{}
	c := newTestController(t, sub, notifier, WithRollback(false))

	_, err := c.ToggleLike(context.Background(), participant("alice"))
	require.NoError(t, err)

	s := summaryOf(t, c)
	assert.Equal(t, []string{"alice"}, s.Liked)
	assert.Len(t, notifier.getMessages(), 1)
}

// --- Linearization ---

func TestToggle_SecondToggleWaitsForFirstSubmission(t *testing.T) {
	sub := newBlockingSubmitter()
	c := newTestController(t, sub, &mockNotifier{})
	alice := participant("alice")
	ctx := context.Background()

	_, err := c.ToggleLike(ctx, alice)
	require.NoError(t, err)
	waitForCalls(t, sub, 1)

	vs, err := c.ToggleDislike(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "disliked", vs.Mine)
	assert.Equal(t, 0, vs.Likes)

	// Still only one request in flight.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sub.getCalls(), 1)

	sub.results <- nil
	waitForCalls(t, sub, 2)
	sub.results <- nil

	s := summaryOf(t, c)
	assert.Empty(t, s.Liked)
	assert.Equal(t, []string{"alice"}, s.Disliked)
	assert.Equal(t, []domain.SentimentKind{domain.SentimentLike, domain.SentimentDislike}, sub.getCalls())
}

func TestToggle_LikeUnlikeLikeWhilePendingSendsOnce(t *testing.T) {
	sub := newBlockingSubmitter()
	c := newTestController(t, sub, &mockNotifier{})
	alice := participant("alice")
	ctx := context.Background()

	for range 3 {
		_, err := c.ToggleLike(ctx, alice)
		require.NoError(t, err)
	}
	waitForCalls(t, sub, 1)
	sub.results <- nil

	s := summaryOf(t, c)
	assert.Equal(t, []string{"alice"}, s.Liked)
	assert.Len(t, sub.getCalls(), 1)
}

func TestToggle_FailedSubmissionDropsQueuedIntent(t *testing.T) {
	sub := newBlockingSubmitter()
	c := newTestController(t, sub, &mockNotifier{})
	alice := participant("alice")
	ctx := context.Background()

	_, err := c.ToggleLike(ctx, alice)
	require.NoError(t, err)
	waitForCalls(t, sub, 1)
	_, err = c.ToggleDislike(ctx, alice)
	require.NoError(t, err)

	sub.results <- &domain.RemoteError{Kind: domain.ErrRemoteRejected}

	s := summaryOf(t, c)
	assert.Empty(t, s.Liked)
	assert.Empty(t, s.Disliked)
	assert.Len(t, sub.getCalls(), 1)
}

func TestToggle_UsersDoNotBlockEachOther(t *testing.T) {
	sub := newBlockingSubmitter()
	c := newTestController(t, sub, &mockNotifier{})
	ctx := context.Background()

	_, err := c.ToggleLike(ctx, participant("alice"))
	require.NoError(t, err)
	_, err = c.ToggleLike(ctx, participant("bob"))
	require.NoError(t, err)

	waitForCalls(t, sub, 2)
	sub.results <- nil
	sub.results <- nil

	s := summaryOf(t, c)
	assert.ElementsMatch(t, []string{"alice", "bob"}, s.Liked)
}

func TestToggle_MutualExclusionHoldsForRandomSequences(t *testing.T) {
	var violations atomic.Int32
	observer := func(s Summary) {
		for _, u := range s.Liked {
			if slices.Contains(s.Disliked, u) {
				violations.Add(1)
			}
		}
	}

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		sub := &mockSubmitter{}
		if seed%3 == 0 {
			sub.err = &domain.RemoteError{Kind: domain.ErrRemoteUnreachable}
		}
		c := NewController("conv-1", nil, sub, &mockNotifier{}, WithObserver(observer), WithRollback(seed%2 == 0))
		users := []domain.Identity{participant("alice"), participant("bob")}

		for range 50 {
			id := users[rng.Intn(len(users))]
			if rng.Intn(2) == 0 {
				_, _ = c.ToggleLike(context.Background(), id)
			} else {
				_, _ = c.ToggleDislike(context.Background(), id)
			}
		}
		s := summaryOf(t, c)
		for _, u := range s.Liked {
			assert.NotContains(t, s.Disliked, u)
		}
		c.Close()
	}
	assert.Zero(t, violations.Load())
}

// --- Roster ---

func TestRoster_VisibleToCollaboratorsAndAdminsOnly(t *testing.T) {
	seed := []domain.SentimentEntry{
		{Username: "carol", Vote: domain.SentimentLike},
		{Username: "alice", Vote: domain.SentimentLike},
		{Username: "dave", Vote: domain.SentimentDislike},
		{Username: "alice", Vote: domain.SentimentDislike},
	}
	c := NewController("conv-1", seed, &mockSubmitter{}, &mockNotifier{})
	t.Cleanup(c.Close)
	ctx := context.Background()

	_, err := c.Likers(ctx, participant("eve"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = c.Dislikers(ctx, domain.Anonymous())
	assert.ErrorIs(t, err, domain.ErrForbidden)

	likers, err := c.Likers(ctx, admin("root"))
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "alice"}, likers)

	collab := participant("coll")
	collab.IsCollaborator = true
	dislikers, err := c.Dislikers(ctx, collab)
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, dislikers)

	vs, err := c.ViewerState(ctx, participant("eve"))
	require.NoError(t, err)
	assert.Equal(t, 2, vs.Likes)
	assert.Equal(t, 1, vs.Dislikes)
	assert.Nil(t, vs.Likers)
}

// --- Teardown ---

func TestClose_DiscardsLateSettlement(t *testing.T) {
	sub := newBlockingSubmitter()
	notifier := &mockNotifier{}
	c := NewController("conv-1", nil, sub, notifier)

	_, err := c.ToggleLike(context.Background(), participant("alice"))
	require.NoError(t, err)
	waitForCalls(t, sub, 1)

	c.Close()
	c.Close()

	_, err = c.ToggleLike(context.Background(), participant("alice"))
	assert.ErrorIs(t, err, domain.ErrViewClosed)
	_, err = c.Summary(context.Background())
	assert.ErrorIs(t, err, domain.ErrViewClosed)
	assert.Empty(t, notifier.getMessages())
}

func TestObserver_SeesEveryChange(t *testing.T) {
	var mu sync.Mutex
	var seen []Summary
	c := newTestController(t, &mockSubmitter{}, &mockNotifier{}, WithObserver(func(s Summary) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	}))

	_, err := c.ToggleLike(context.Background(), participant("alice"))
	require.NoError(t, err)
	summaryOf(t, c)

	mu.Lock()
	defer mu.Unlock()
	// One for the optimistic change, one for the settlement.
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"alice"}, seen[0].Liked)
}
