// Package view owns the per-conversation state of one participant session.
//
// A View is constructed when a participant enters a conversation and discarded on exit. It holds
// one sentiment controller and one card progressor, runs the statement vote flow against the
// backend and pushes snapshots through a Publisher. The Registry keys views by id and evicts idle ones.
package view
