package domain

import "fmt"

// Statement is a single submitted response shown as a card.
type Statement struct {
	ID   int64  `json:"tid"`
	Text string `json:"txt"`
}

// StatementVote is the participant's reaction to a statement. Values follow the backend wire format.
type StatementVote int

const (
	VoteAgree    StatementVote = -1
	VotePass     StatementVote = 0
	VoteDisagree StatementVote = 1
)

// ParseStatementVote converts "agree", "disagree" or "pass".
func ParseStatementVote(s string) (StatementVote, error) {
	switch s {
	case "agree":
		return VoteAgree, nil
	case "disagree":
		return VoteDisagree, nil
	case "pass":
		return VotePass, nil
	default:
		return 0, fmt.Errorf("unknown vote %q", s)
	}
}

func (v StatementVote) String() string {
	switch v {
	case VoteAgree:
		return "agree"
	case VoteDisagree:
		return "disagree"
	default:
		return "pass"
	}
}

// OutcomeKind tags a VoteOutcome.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeAccepted
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// VoteOutcome is the ephemeral result of one vote attempt.
type VoteOutcome struct {
	Kind   OutcomeKind
	Reason string
}

func Accepted() VoteOutcome { return VoteOutcome{Kind: OutcomeAccepted} }

func Rejected(reason string) VoteOutcome { return VoteOutcome{Kind: OutcomeRejected, Reason: reason} }

func Pending() VoteOutcome { return VoteOutcome{Kind: OutcomePending} }
