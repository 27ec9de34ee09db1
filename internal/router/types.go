// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package router implements the inter-agent message router (C5):
// per-recipient mailboxes with per-recipient handler sets, request/response
// correlation by message id, and broadcast: the mailbox half of the
// corpus's agent registry plus its channel-based notification delivery,
// generalized from agent-lifecycle notices to arbitrary payloads.
package router

import "time"

// Message is one unit of inter-agent traffic.
type Message struct {
	ID        string
	From      string
	To        string
	Type      string
	Payload   any
	Timestamp time.Time
	Priority  int
	Expiry    time.Time // zero means no expiry
}

func (m Message) expired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// Handler processes a message delivered to a mailbox. A panicking or
// otherwise misbehaving handler never prevents delivery to its siblings.
type Handler func(Message)

// Transport optionally forwards a message to a recipient living outside
// this process; when nil the router is purely in-process. Payloads cross
// the boundary as opaque bytes, so callers typically serialize Payload
// before handing it to Send when a Transport is configured.
type Transport func(msg Message) error
