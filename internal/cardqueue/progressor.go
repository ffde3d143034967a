package cardqueue

import (
	"slices"
	"sync"

	"github.com/policy-lab/polis/internal/domain"
)

// MaxLookahead is the deepest background stack ever rendered.
const MaxLookahead = 5

// stackMargin is added to the measured front card height.
const stackMargin = 4

// Phase is the coarse state of the queue.
type Phase int

const (
	// PhaseEmpty means nothing was ever loaded: no pending and no completed statements.
	PhaseEmpty Phase = iota
	PhaseActive
	// PhaseExhausted means every loaded statement has been voted on.
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "empty"
	}
}

// Measurement is the front card's layout as reported by the renderer.
type Measurement struct {
	ScrollHeight int `json:"scroll_height" validate:"gte=0"`
	ClientHeight int `json:"client_height" validate:"gte=0"`
}

// Completion is what the view shows once the queue is exhausted.
type Completion struct {
	Exhausted  bool              `json:"exhausted"`
	PostSurvey domain.PostSurvey `json:"post_survey"`
	NextStep   string            `json:"next_step,omitempty"`
}

// Progressor owns the pending/completed split of statements for one view.
// A statement is in exactly one of the two at any time.
type Progressor struct {
	mu sync.Mutex

	pending    []domain.Statement
	completed  map[int64]domain.Statement
	postSurvey domain.PostSurvey

	voting   bool
	votingID int64

	stackHeight int
	measuredAt  int
	measured    bool
}

// New builds a progressor from the voted batch and the unvoted batch. Statements
// that appear in both are treated as completed.
func New(unvoted, voted []domain.Statement, postSurvey domain.PostSurvey) *Progressor {
	p := &Progressor{
		completed:  make(map[int64]domain.Statement, len(voted)),
		postSurvey: postSurvey,
	}
	for _, s := range voted {
		p.completed[s.ID] = s
	}
	p.appendLocked(unvoted)
	return p
}

// Current returns the front statement.
func (p *Progressor) Current() (domain.Statement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return domain.Statement{}, false
	}
	return p.pending[0], true
}

// Lookahead returns the background stack, front card first. n is capped at MaxLookahead.
// A single remaining card has no stack behind it.
func (p *Progressor) Lookahead(n int) []StackCard {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookaheadLocked(n)
}

func (p *Progressor) lookaheadLocked(n int) []StackCard {
	n = min(n, MaxLookahead, len(p.pending))
	if n <= 0 || len(p.pending) <= 1 {
		return nil
	}
	cards := make([]StackCard, n)
	for i := range n {
		cards[i] = StackCard{Statement: p.pending[i], Index: i, Rotation: Rotation(i)}
	}
	return cards
}

// BeginVote marks the front statement as in flight. Only one vote may be in flight.
func (p *Progressor) BeginVote(statementID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return domain.ErrNoStatement
	}
	if p.voting {
		return domain.ErrVoteInFlight
	}
	if p.pending[0].ID != statementID {
		return domain.ErrNotFront
	}
	p.voting = true
	p.votingID = statementID
	return nil
}

// RecordVote applies the outcome of a vote on the front statement. For a
// rejection it returns the reason to display; the queue is left as it was.
func (p *Progressor) RecordVote(statementID int64, outcome domain.VoteOutcome) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return "", domain.ErrNoStatement
	}
	front := p.pending[0]
	if front.ID != statementID {
		return "", domain.ErrNotFront
	}

	switch outcome.Kind {
	case domain.OutcomeAccepted:
		p.pending = slices.Delete(p.pending, 0, 1)
		p.completed[front.ID] = front
		p.releaseLocked(statementID)
	case domain.OutcomeRejected:
		p.releaseLocked(statementID)
		return outcome.Reason, nil
	case domain.OutcomePending:
		p.voting = true
		p.votingID = front.ID
	}
	return "", nil
}

// Abandon releases the in-flight vote on statementID without changing the queue.
// A vote in flight on any other statement is left alone.
func (p *Progressor) Abandon(statementID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(statementID)
}

func (p *Progressor) releaseLocked(statementID int64) bool {
	if !p.voting || p.votingID != statementID {
		return false
	}
	p.voting = false
	return true
}

// Completed reports whether the statement has been voted on.
func (p *Progressor) Completed(statementID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.completed[statementID]
	return ok
}

// InFlight returns the statement whose vote has not resolved yet.
func (p *Progressor) InFlight() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.votingID, p.voting
}

// Append replenishes the queue. Statements already pending or completed are
// ignored. Returns how many were added.
func (p *Progressor) Append(statements ...domain.Statement) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appendLocked(statements)
}

func (p *Progressor) appendLocked(statements []domain.Statement) int {
	added := 0
	for _, s := range statements {
		if _, done := p.completed[s.ID]; done {
			continue
		}
		if slices.ContainsFunc(p.pending, func(q domain.Statement) bool { return q.ID == s.ID }) {
			continue
		}
		p.pending = append(p.pending, s)
		added++
	}
	return added
}

// Phase reports whether the queue is empty from the start, active or exhausted.
func (p *Progressor) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phaseLocked()
}

func (p *Progressor) phaseLocked() Phase {
	switch {
	case len(p.pending) > 0:
		return PhaseActive
	case len(p.completed) > 0:
		return PhaseExhausted
	default:
		return PhaseEmpty
	}
}

// Completion passes the post-survey configuration through once exhausted.
func (p *Progressor) Completion() Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completionLocked()
}

func (p *Progressor) completionLocked() Completion {
	if p.phaseLocked() != PhaseExhausted {
		return Completion{}
	}
	return Completion{
		Exhausted:  true,
		PostSurvey: p.postSurvey,
		NextStep:   p.postSurvey.NextStep(),
	}
}

// MeasureFront returns the stack height for the front card. A new measurement
// is only taken when the completed count moved since the last one.
func (p *Progressor) MeasureFront(m Measurement) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.measured && p.measuredAt == len(p.completed) {
		return p.stackHeight
	}
	p.stackHeight = max(m.ScrollHeight, m.ClientHeight) + stackMargin
	p.measuredAt = len(p.completed)
	p.measured = true
	return p.stackHeight
}

// StackHeight returns the last computed height, zero before any measurement.
func (p *Progressor) StackHeight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stackHeight
}

func (p *Progressor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Progressor) CompletedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed)
}

// Pending returns a copy of the queue in order.
func (p *Progressor) Pending() []domain.Statement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.pending)
}

// IsCompleted reports whether the statement has been voted on.
func (p *Progressor) IsCompleted(statementID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.completed[statementID]
	return ok
}

// Snapshot is a consistent copy of everything a renderer needs.
type Snapshot struct {
	Current      *domain.Statement `json:"current,omitempty"`
	Stack        []StackCard       `json:"stack,omitempty"`
	Phase        string            `json:"phase"`
	Pending      int               `json:"pending"`
	Completed    int               `json:"completed"`
	VoteInFlight bool              `json:"vote_in_flight"`
	StackHeight  int               `json:"stack_height"`
	Completion   Completion        `json:"completion"`
}

// Snapshot captures the queue state under one lock.
func (p *Progressor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		Stack:        p.lookaheadLocked(MaxLookahead),
		Phase:        p.phaseLocked().String(),
		Pending:      len(p.pending),
		Completed:    len(p.completed),
		VoteInFlight: p.voting,
		StackHeight:  p.stackHeight,
		Completion:   p.completionLocked(),
	}
	if len(p.pending) > 0 {
		front := p.pending[0]
		s.Current = &front
	}
	return s
}
