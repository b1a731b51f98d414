package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names (client → server).
const (
	EventJoinRoom    = "join-room"
	EventPlayerMove  = "player-move"
	EventChatMessage = "chat-message"
	EventPing        = "ping"
)

// Outbound event names (server → client).
const (
	EventRoomState    = "room-state"
	EventPlayerJoined = "player-joined"
	EventPlayerMoved  = "player-moved"
	EventPlayerLeft   = "player-left"
	EventPlayerChat   = "player-chat"
	EventPong         = "pong"
	EventError        = "error"
)

// JoinFailedMessage is the only text ever sent in an error event.
const JoinFailedMessage = "Failed to join room"

var (
	// ErrMalformed is wrapped by every payload validation failure.
	ErrMalformed = errors.New("malformed event")
	// ErrUnknownEvent is wrapped when an envelope names an unsupported event.
	ErrUnknownEvent = errors.New("unknown event")
)

// Event is anything that can travel in an Envelope.
type Event interface {
	EventName() string
}

// Envelope is the wire frame: a tagged payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of client events. The unexported marker keeps
// the set closed to this package.
type Inbound interface {
	Event
	inbound()
}

// JoinRoom asks to enter RoomID. Empty optional fields mean "absent" and are
// defaulted by the relay.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
	UserID   string `json:"userId,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
	Position *Vec3  `json:"position,omitempty"`
}

// PlayerMove reports the sender's new transform.
type PlayerMove struct {
	Position Vec3    `json:"position"`
	Rotation float64 `json:"rotation"`
	IsMoving bool    `json:"isMoving"`
}

// ChatMessage is a line of chat from the sender.
type ChatMessage struct {
	Message string `json:"message"`
}

// Ping requests a Pong for latency measurement.
type Ping struct{}

// Malformed stands in for a frame that could not be decoded. Event holds the
// envelope's event name when it was readable.
type Malformed struct {
	Event string
	Err   error
}

func (JoinRoom) EventName() string    { return EventJoinRoom }
func (PlayerMove) EventName() string  { return EventPlayerMove }
func (ChatMessage) EventName() string { return EventChatMessage }
func (Ping) EventName() string        { return EventPing }
func (m Malformed) EventName() string { return m.Event }

func (JoinRoom) inbound()    {}
func (PlayerMove) inbound()  {}
func (ChatMessage) inbound() {}
func (Ping) inbound()        {}
func (Malformed) inbound()   {}

// Outbound is any server event.
type Outbound interface {
	Event
	outbound()
}

// RoomState lists the other members of the room just joined.
type RoomState []Member

// PlayerJoined announces a new member.
type PlayerJoined struct {
	Member
}

// PlayerMoved carries a peer's new transform.
type PlayerMoved struct {
	ID        string  `json:"id"`
	Position  Vec3    `json:"position"`
	Rotation  float64 `json:"rotation"`
	IsMoving  bool    `json:"isMoving"`
	Timestamp int64   `json:"timestamp"`
}

// PlayerLeft carries the departed connection id as a bare JSON string.
type PlayerLeft string

// PlayerChat carries a chat line to every member, sender included.
type PlayerChat struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a Ping with the server clock in unix milliseconds.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorNotice reports a failed request to its sender.
type ErrorNotice struct {
	Message string `json:"message"`
}

func (RoomState) EventName() string    { return EventRoomState }
func (PlayerJoined) EventName() string { return EventPlayerJoined }
func (PlayerMoved) EventName() string  { return EventPlayerMoved }
func (PlayerLeft) EventName() string   { return EventPlayerLeft }
func (PlayerChat) EventName() string   { return EventPlayerChat }
func (Pong) EventName() string         { return EventPong }
func (ErrorNotice) EventName() string  { return EventError }

func (RoomState) outbound()    {}
func (PlayerJoined) outbound() {}
func (PlayerMoved) outbound()  {}
func (PlayerLeft) outbound()   {}
func (PlayerChat) outbound()   {}
func (Pong) outbound()         {}
func (ErrorNotice) outbound()  {}

// MarshalJSON keeps an empty room encoding as [] rather than null.
func (s RoomState) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Member(s))
}

// Encode wraps evt in an Envelope and marshals it.
//
// Postcondition: Returns a JSON frame or a non-nil error.
func Encode(evt Event) ([]byte, error) {
	var data json.RawMessage
	switch evt.(type) {
	case Ping:
	default:
		raw, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", evt.EventName(), err)
		}
		data = raw
	}
	frame, err := json.Marshal(Envelope{Event: evt.EventName(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", evt.EventName(), err)
	}
	return frame, nil
}

// joinPayload uses pointers so absent and wrongly typed fields are told apart.
type joinPayload struct {
	RoomID   *string `json:"roomId"`
	Username *string `json:"username"`
	UserID   *string `json:"userId"`
	ModelID  *string `json:"modelId"`
	Position *Vec3   `json:"position"`
}

type movePayload struct {
	Position *Vec3   `json:"position"`
	Rotation float64 `json:"rotation"`
	IsMoving bool    `json:"isMoving"`
}

type chatPayload struct {
	Message *string `json:"message"`
}

// DecodeInbound parses a client frame. It never fails: undecodable frames
// come back as Malformed so the relay can decide how to answer them.
func DecodeInbound(frame []byte) Inbound {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Malformed{Err: fmt.Errorf("%w: envelope: %w", ErrMalformed, err)}
	}
	if env.Event == "" {
		return Malformed{Err: fmt.Errorf("%w: envelope has no event name", ErrMalformed)}
	}
	data := []byte(env.Data)
	if len(data) == 0 {
		data = []byte("null")
	}

	switch env.Event {
	case EventJoinRoom:
		var p joinPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return malformed(env.Event, err)
		}
		if p.RoomID == nil || *p.RoomID == "" {
			return malformed(env.Event, errors.New("roomId is required"))
		}
		return JoinRoom{
			RoomID:   *p.RoomID,
			Username: deref(p.Username),
			UserID:   deref(p.UserID),
			ModelID:  deref(p.ModelID),
			Position: p.Position,
		}
	case EventPlayerMove:
		var p movePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return malformed(env.Event, err)
		}
		if p.Position == nil {
			return malformed(env.Event, errors.New("position is required"))
		}
		return PlayerMove{Position: *p.Position, Rotation: p.Rotation, IsMoving: p.IsMoving}
	case EventChatMessage:
		var p chatPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return malformed(env.Event, err)
		}
		if p.Message == nil {
			return malformed(env.Event, errors.New("message is required"))
		}
		return ChatMessage{Message: *p.Message}
	case EventPing:
		return Ping{}
	default:
		return Malformed{Event: env.Event, Err: fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)}
	}
}

func malformed(event string, err error) Malformed {
	return Malformed{Event: event, Err: fmt.Errorf("%w: %s: %w", ErrMalformed, event, err)}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DecodeOutbound parses a server frame into its concrete event type.
//
// Postcondition: Returns the event, or an error wrapping ErrMalformed or ErrUnknownEvent.
func DecodeOutbound(frame []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrMalformed, err)
	}

	var (
		evt Outbound
		err error
	)
	switch env.Event {
	case EventRoomState:
		var v RoomState
		err = json.Unmarshal(env.Data, &v)
		evt = v
	case EventPlayerJoined:
		var v PlayerJoined
		err = json.Unmarshal(env.Data, &v)
		evt = v
	case EventPlayerMoved:
		var v PlayerMoved
		err = json.Unmarshal(env.Data, &v)
		evt = v
	case EventPlayerLeft:
		var v PlayerLeft
		err = json.Unmarshal(env.Data, &v)
		evt = v
	case EventPlayerChat:
		var v PlayerChat
		err = json.Unmarshal(env.Data, &v)
		evt = v
	case EventPong:
		var v Pong
		err = json.Unmarshal(env.Data, &v)
		evt = v
	case EventError:
		var v ErrorNotice
		err = json.Unmarshal(env.Data, &v)
		evt = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, env.Event, err)
	}
	return evt, nil
}
