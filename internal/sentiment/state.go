package sentiment

import (
	"slices"

	"github.com/policy-lab/polis/internal/domain"
)

// State is one participant's sentiment toward the conversation.
type State int

const (
	Neutral State = iota
	Liked
	Disliked
)

func (s State) String() string {
	switch s {
	case Liked:
		return "liked"
	case Disliked:
		return "disliked"
	default:
		return "neutral"
	}
}

func stateFor(kind domain.SentimentKind) State {
	if kind == domain.SentimentLike {
		return Liked
	}
	return Disliked
}

// Summary is an immutable copy of the controller's sets at one point in time.
type Summary struct {
	Liked    []string
	Disliked []string
	pending  map[string]bool
}

// StateOf returns the displayed state for username.
func (s Summary) StateOf(username string) State {
	switch {
	case slices.Contains(s.Liked, username):
		return Liked
	case slices.Contains(s.Disliked, username):
		return Disliked
	default:
		return Neutral
	}
}

// ViewerState is what one viewer is allowed to see. Rosters are only filled for
// collaborators and admins; everybody else gets counts.
type ViewerState struct {
	Likes        int      `json:"likes"`
	Dislikes     int      `json:"dislikes"`
	Mine         string   `json:"mine"`
	Pending      bool     `json:"pending"`
	CanVote      bool     `json:"can_vote"`
	CanSeeRoster bool     `json:"can_see_roster"`
	Likers       []string `json:"likers,omitempty"`
	Dislikers    []string `json:"dislikers,omitempty"`
}

// For projects the summary for one viewer.
func (s Summary) For(id domain.Identity) ViewerState {
	vs := ViewerState{
		Likes:        len(s.Liked),
		Dislikes:     len(s.Disliked),
		Mine:         Neutral.String(),
		CanVote:      id.SignedIn(),
		CanSeeRoster: id.CanSeeRoster(),
	}
	if id.SignedIn() {
		vs.Mine = s.StateOf(id.Username).String()
		vs.Pending = s.pending[id.Username]
	}
	if vs.CanSeeRoster {
		vs.Likers = slices.Clone(s.Liked)
		vs.Dislikers = slices.Clone(s.Disliked)
	}
	return vs
}
