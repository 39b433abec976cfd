package protocol

import (
	"encoding/json"
	"fmt"
)

// Names the kind of frame carried over the socket
type Event string

// Client -> server
const (
	EventJoinRoom       Event = "joinRoom"
	EventLeaveRoom      Event = "leaveRoom"
	EventCodeChange     Event = "codeChange"
	EventLanguageChange Event = "languageChange"
)

// Server -> client
const (
	EventUpdateUserList    Event = "updateUserList"
	EventCodeUpdate        Event = "codeUpdate"
	EventLanguageUpdate    Event = "languageUpdate"
	EventOutputUpdate      Event = "outputUpdate"
	EventUserJoinedMessage Event = "userJoinedMessage"
	EventUserLeftMessage   Event = "userLeftMessage"
)

// Frame is the JSON envelope for every socket message
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound event before encoding
type Message struct {
	Event Event
	Data  any
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type CodeChange struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

type LanguageChange struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type UserList struct {
	Users []string `json:"users"`
}

type CodeUpdate struct {
	Code string `json:"code"`
}

type LanguageUpdate struct {
	Language string `json:"language"`
}

type OutputUpdate struct {
	Output string `json:"output"`
}

type Notice struct {
	Text string `json:"text"`
}

func UserListMessage(users []string) Message {
	if users == nil {
		users = []string{}
	}
	return Message{Event: EventUpdateUserList, Data: UserList{Users: users}}
}

func CodeUpdateMessage(code string) Message {
	return Message{Event: EventCodeUpdate, Data: CodeUpdate{Code: code}}
}

func LanguageUpdateMessage(lang string) Message {
	return Message{Event: EventLanguageUpdate, Data: LanguageUpdate{Language: lang}}
}

func OutputUpdateMessage(output string) Message {
	return Message{Event: EventOutputUpdate, Data: OutputUpdate{Output: output}}
}

func JoinedMessage(name string) Message {
	return Message{Event: EventUserJoinedMessage, Data: Notice{Text: fmt.Sprintf("%s has joined the room", name)}}
}

func LeftMessage(name string) Message {
	return Message{Event: EventUserLeftMessage, Data: Notice{Text: fmt.Sprintf("%s has left the room", name)}}
}

// Encode renders m as a wire frame
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Event, err)
	}
	return json.Marshal(Frame{Event: m.Event, Data: data})
}

// Decode parses a wire frame without interpreting its payload
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if len(raw) == 0 {
		return f, fmt.Errorf("empty message")
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Event == "" {
		return f, fmt.Errorf("missing event")
	}
	return f, nil
}

// Payload unmarshals the frame data into v
func (f Frame) Payload(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: missing data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s: %w", f.Event, err)
	}
	return nil
}
