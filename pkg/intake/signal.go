// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package intake holds the pure decode logic for the engine's two
// asynchronous event sources (§4.6): bus signals carrying a single string
// payload, and kernel trace-pipe occurrences already extracted by
// pkg/sources. Keeping this logic transport-free (no gRPC, no fd reads)
// lets the engine and its tests exercise it without any I/O.
package intake

import "github.com/memd-io/memd/pkg/sample"

// Action is the decoded effect of a bus signal payload.
type Action int

const (
	// ActionIgnore means the payload is logged and discarded; it produces
	// no sample and is never interesting (§4.6, §7).
	ActionIgnore Action = iota
	// ActionEnqueue means the payload should enqueue exactly one sample
	// of the given Type and is an interesting event.
	ActionEnqueue
	// ActionExitGracefully means the payload is "exit-gracefully": in
	// test mode the process should terminate with exit code 0; otherwise
	// it is logged and ignored (§4.6).
	ActionExitGracefully
)

// Decoded is the result of decoding one bus signal payload.
type Decoded struct {
	Action Action
	Type   sample.Type // meaningful only when Action == ActionEnqueue
}

// DecodeBusSignal interprets a single-string bus signal payload (§4.6).
//
// Deviation from the original: the original implementation tallies
// browser-OOM signals separately but its enqueue loop emits a tab-discard
// sample for both the "tab-discard" and "oom-kill" payloads — a bug, not a
// deliberate design choice (flagged as an open question in the upstream
// spec, not silently preserved here). This implementation enqueues
// OomKillBrowser for "oom-kill", as corrected.
func DecodeBusSignal(payload string) Decoded {
	switch payload {
	case "tab-discard":
		return Decoded{Action: ActionEnqueue, Type: sample.TabDiscard}
	case "oom-kill":
		return Decoded{Action: ActionEnqueue, Type: sample.OomKillBrowser}
	case "exit-gracefully":
		return Decoded{Action: ActionExitGracefully}
	default:
		return Decoded{Action: ActionIgnore}
	}
}
