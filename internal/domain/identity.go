package domain

// Identity is the optional participant identity of the viewer. The zero value is an anonymous viewer.
type Identity struct {
	// AccountID is the backend's numeric account handle (uid). Nil when not signed in.
	AccountID *int64
	// Username is the participant identifier recorded in sentiment rosters.
	Username       string
	IsAdmin        bool
	IsCollaborator bool
}

// Anonymous returns an identity with no participant handle.
func Anonymous() Identity {
	return Identity{}
}

// SignedIn reports whether the identity can cast votes.
func (i Identity) SignedIn() bool {
	return i.AccountID != nil && i.Username != ""
}

// CanSeeRoster reports whether the viewer may list who liked or disliked.
func (i Identity) CanSeeRoster() bool {
	return i.SignedIn() && (i.IsAdmin || i.IsCollaborator)
}

// Key identifies the participant for ownership checks. Empty for anonymous viewers.
func (i Identity) Key() string {
	if !i.SignedIn() {
		return ""
	}
	return i.Username
}
