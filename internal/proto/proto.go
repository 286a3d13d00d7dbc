package proto

import "time"

const (
	PresenceTopic = "nearby.presence.v1"
	MdnsTag       = "nearby-insights"

	// libp2p stream protocol ID used to fetch a peer's display name (single line)
	HelloProtoID = "/nearby/hello/1.0.0"

	// libp2p stream protocol ID for session invitations
	InviteProtoID = "/nearby/invite/1.0.0"

	// libp2p stream protocol ID for reliable payload delivery to session members
	DataProtoID = "/nearby/data/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeOffline = "offline"
)

type PresenceMsg struct {
	Type   string   `json:"type"` // online|offline
	PeerID string   `json:"peerId"`
	Name   string   `json:"name,omitempty"`
	Addrs  []string `json:"addrs,omitempty"` // non-loopback multiaddrs
	TS     int64    `json:"ts"`
}

// InviteMsg is sent by the inviter on an invite stream.
type InviteMsg struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Context []byte `json:"context,omitempty"` // UTF-8 share text
}

// InviteReply is written back by the invitee once the invitation is resolved.
type InviteReply struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// Data stream message types.
const (
	MsgTypeMsg = "msg" // sender → receiver
	MsgTypeAck = "ack" // receiver → sender (transport ACK)
)

// DataMsg is the wire type for a payload sent to a session member.
type DataMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id"`  // uuid4
	Seq     int64  `json:"seq"` // monotonic counter per sender
	Payload []byte `json:"payload"`
}

// DataAck is the transport ACK for a DataMsg.
type DataAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Seq  int64  `json:"seq"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
