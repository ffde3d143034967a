// Package sentiment holds the like/dislike state of one conversation as seen by one view.
//
// A Controller is an actor: toggles, backend settlements and reads are serialized through
// its command channel. Toggles apply optimistically, at most one submission per participant
// is in flight, and a toggle made while one is in flight is reconciled once it settles.
package sentiment
