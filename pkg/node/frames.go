package node

import "time"

// Frame types exchanged with clients. All frames are JSON text messages.
const (
	frameWelcome      = "welcome"
	framePing         = "ping"
	framePong         = "pong"
	frameStatusUpdate = "status_update"
)

// frame is the wire shape of every client-facing message. Fields not used
// by a given type are omitted.
type frame struct {
	Type         string `json:"type"`
	UserID       string `json:"userId,omitempty"`
	NodeID       string `json:"nodeId,omitempty"`
	Action       string `json:"action,omitempty"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

func welcomeFrame(userID, nodeID string) frame {
	return frame{
		Type:      frameWelcome,
		UserID:    userID,
		NodeID:    nodeID,
		Timestamp: time.Now().UnixMilli(),
	}
}

func pongFrame() frame {
	return frame{
		Type:      framePong,
		Timestamp: time.Now().UnixMilli(),
	}
}

func statusUpdateFrame(action string, timestamp int64, sourceNodeID string) frame {
	return frame{
		Type:         frameStatusUpdate,
		Action:       action,
		Timestamp:    timestamp,
		SourceNodeID: sourceNodeID,
	}
}
