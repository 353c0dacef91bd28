package coord

import (
	"encoding/json"
	"time"
)

// Coordination messages exchanged between a Member and the Hub.
//
// The hub is the single authority on who leads; members only learn it.
//
// Protocol flow:
//
//	1. Member sends MsgRegister (its id)
//	2. Hub replies MsgWelcome (timing parameters, current leader)
//	3. Member sends MsgHeartbeat every heartbeat interval; the hub answers
//	   each with MsgAck carrying the current leader
//	4. Hub sends MsgLeader to every member whenever the leader changes
//	5. Followers send MsgIntent; the hub routes it to the leader, which
//	   answers MsgIntentAck once applied
//	6. Member sends MsgUnregister on graceful shutdown

// MsgType identifies the coordination message kind.
type MsgType string

const (
	MsgRegister   MsgType = "coord_register"
	MsgWelcome    MsgType = "coord_welcome"
	MsgHeartbeat  MsgType = "coord_heartbeat"
	MsgAck        MsgType = "coord_ack"
	MsgLeader     MsgType = "coord_leader"
	MsgUnregister MsgType = "coord_unregister"

	// MsgRequestLeadership asks the hub to elect the sender if no leader
	// holds the scope. Answered by MsgGrant.
	MsgRequestLeadership MsgType = "coord_request_leadership"
	MsgGrant             MsgType = "coord_grant"

	// MsgTabs asks for the registry listing. Answered by MsgTabs.
	MsgTabs MsgType = "coord_tabs"

	MsgIntent         MsgType = "coord_intent"
	MsgIntentAck      MsgType = "coord_intent_ack"
	MsgIntentRejected MsgType = "coord_intent_rejected"

	MsgError MsgType = "coord_error"
)

// Msg is the envelope for all coordination messages.
type Msg struct {
	Type MsgType `json:"type"`

	// Register/Unregister/Heartbeat: sender id
	ID string `json:"id,omitempty"`

	// Heartbeat/Ack/RequestLeadership/Grant/Tabs: request correlation
	Seq uint64 `json:"seq,omitempty"`

	// Welcome/Ack/Leader: current leader id, empty when none
	Leader string `json:"leader,omitempty"`

	// Welcome: timing the member must use for its lease
	HeartbeatMS     int64 `json:"heartbeat_ms,omitempty"`
	LeaderTimeoutMS int64 `json:"leader_timeout_ms,omitempty"`

	Granted bool      `json:"granted,omitempty"`
	Tabs    []TabInfo `json:"tabs,omitempty"`

	Intent   *Intent `json:"intent,omitempty"`
	IntentID string  `json:"intent_id,omitempty"`

	Error string `json:"error,omitempty"`
}

// Intent is a write a follower asks the leader to perform.
type Intent struct {
	ID      string          `json:"id"`
	Origin  string          `json:"origin"`
	Kind    string          `json:"kind"`
	PageID  string          `json:"page_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Created time.Time       `json:"created"`
}
