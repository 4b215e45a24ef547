package router

import "cyfscore/acl"

// Action is a handler's verdict for one Check/Get/Put event (spec.md §7's
// closing paragraph).
type Action uint8

const (
	// Default continues to the next handler, and to the rule table once
	// the chain is exhausted.
	Default Action = iota
	// Response short-circuits the chain with a caller-supplied value.
	Response
	// Reject short-circuits the chain; AccessDecider.Decide reports it as a
	// denial, which the Router returns as cyfserr.PermissionDenied.
	Reject
	// Drop short-circuits the chain exactly as Reject does: a denial, returned
	// by the Router as cyfserr.PermissionDenied.
	Drop
	// Pass skips every remaining handler but still runs the default flow
	// (the rule table) afterward.
	Pass
)

// Verdict is one handler's response to an event.
type Verdict struct {
	Action Action
	Value  any
}

// Event is the input a handler sees. Path and Op are empty for a non-access
// event type in the future; today only Check events are dispatched (spec.md
// §4.5.2 step 5).
type Event struct {
	Source acl.Source
	Path   string
	Op     acl.Perm
}

// Handler evaluates one Event. Handlers never see malformed objects —
// codec/signature failures are rejected before the chain runs (spec.md §7).
type Handler func(Event) Verdict

// Chain runs a pluggable sequence of Handlers ahead of the rule table.
type Chain struct {
	handlers []Handler
}

// NewChain returns an empty chain; Use appends to it.
func NewChain() *Chain { return &Chain{} }

// Use appends h to the end of the chain.
func (c *Chain) Use(h Handler) { c.handlers = append(c.handlers, h) }

// Run evaluates every handler in order. It stops at the first non-Default
// verdict other than Pass; Pass stops the loop but reports Default to the
// caller so the rule table still runs.
func (c *Chain) Run(ev Event) Verdict {
	for _, h := range c.handlers {
		v := h(ev)
		switch v.Action {
		case Default:
			continue
		case Pass:
			return Verdict{Action: Default}
		default:
			return v
		}
	}
	return Verdict{Action: Default}
}
