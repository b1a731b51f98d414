// Package relay implements the room relay core: the connection registry,
// the wire protocol, and the single-writer event loop that fans state out to
// room peers.
package relay

// DefaultUsername is assigned to members that join without a display name.
const DefaultUsername = "Anonymous"

// DefaultModelID is the avatar model assigned when neither the join payload
// nor the configuration supplies one.
const DefaultModelID = "fire-a"

// Vec3 is a position in world space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Member is the last-known state of one joined connection.
type Member struct {
	// ID is the transport-assigned connection id.
	ID       string  `json:"id"`
	Position Vec3    `json:"position"`
	Rotation float64 `json:"rotation"`
	Username string  `json:"username"`
	IsMoving bool    `json:"isMoving"`
	// UserID is the caller's stable identity; it survives reconnects.
	UserID  string `json:"userId"`
	ModelID string `json:"modelId"`
	// LastUpdate is unix milliseconds of the last state mutation.
	LastUpdate int64 `json:"lastUpdate"`
	// ChatMessage is the most recent chat line. The relay never clears it.
	ChatMessage     string `json:"chatMessage"`
	ChatMessageTime int64  `json:"chatMessageTime"`
}
