package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind tags a signaling envelope. Client-to-server kinds are validated at the
// boundary; server-to-client kinds reuse the same wire shape.
type Kind string

const (
	// Client to server.
	KindAuth              Kind = "auth"
	KindCreateRoom        Kind = "create-room"
	KindJoinRoom          Kind = "join-room"
	KindLeaveRoom         Kind = "leave-room"
	KindOffer             Kind = "offer"
	KindAnswer            Kind = "answer"
	KindICECandidate      Kind = "ice-candidate"
	KindRegisterStation   Kind = "register-station"
	KindInviteStation     Kind = "invite-station"
	KindRequestStream     Kind = "cmd-request-stream"
	KindStreamResponse    Kind = "cmd-stream-response"
	KindStationCallCenter Kind = "station-call-center"

	// Server to client.
	KindRoomCreated       Kind = "room-created"
	KindRoomJoined        Kind = "room-joined"
	KindPeerJoined        Kind = "peer-joined"
	KindPeerLeft          Kind = "peer-left"
	KindPeerDisconnected  Kind = "peer-disconnected"
	KindStationRegistered Kind = "station-registered"
	KindError             Kind = "error"
)

// Error codes delivered to clients. Everything that reaches the wire is
// translated into this vocabulary, never a raw Go error.
const (
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeRoomNotFound         = "ROOM_NOT_FOUND"
	CodeRoomFull             = "ROOM_FULL"
	CodeStationOffline       = "STATION_OFFLINE"
	CodeStationNotRegistered = "STATION_NOT_REGISTERED"
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
)

// ErrorBody is the error payload carried by error envelopes and by failed
// stream responses.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Envelope is the single wire shape exchanged over a signaling connection in
// both directions. Which fields are meaningful depends on Kind; inbound
// envelopes are validated per kind and unknown fields are rejected.
type Envelope struct {
	Kind Kind   `json:"kind"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	RoomID    string   `json:"roomId,omitempty"`
	PeerID    string   `json:"peerId,omitempty"`
	Peers     []string `json:"peers,omitempty"`
	StationID string   `json:"stationId,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	CameraID  string   `json:"cameraId,omitempty"`

	RequesterID string `json:"requesterId,omitempty"`
	Status      string `json:"status,omitempty"`
	URL         string `json:"url,omitempty"`

	Token string `json:"token,omitempty"`

	// Payload carries opaque SDP/ICE bytes; the router forwards it without
	// interpretation.
	Payload json.RawMessage `json:"payload,omitempty"`
	Offer   json.RawMessage `json:"offer,omitempty"`
	Answer  json.RawMessage `json:"answer,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`

	// Data is server-to-client only, for pushed events (status batches,
	// forced logout, station lifecycle).
	Data any `json:"data,omitempty"`
}

// Parse decodes one client envelope strictly: unknown fields, trailing data,
// and kind-specific shape violations are all rejected.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Kind {
	case KindAuth:
		if e.Token == "" {
			return fmt.Errorf("auth message missing token")
		}
	case KindCreateRoom:
		// No arguments.
	case KindJoinRoom, KindLeaveRoom:
		if e.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", e.Kind)
		}
	case KindOffer, KindAnswer, KindICECandidate:
		if e.To == "" {
			return fmt.Errorf("%s message missing to", e.Kind)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", e.Kind)
		}
	case KindRegisterStation:
		if e.StationID == "" {
			return fmt.Errorf("register-station message missing stationId")
		}
	case KindInviteStation:
		if e.StationID == "" || e.RoomID == "" {
			return fmt.Errorf("invite-station message missing stationId/roomId")
		}
	case KindRequestStream:
		if e.StationID == "" || e.CameraID == "" {
			return fmt.Errorf("cmd-request-stream message missing stationId/cameraId")
		}
	case KindStreamResponse:
		if e.RequesterID == "" || e.Status == "" {
			return fmt.Errorf("cmd-stream-response message missing requesterId/status")
		}
	case KindStationCallCenter:
		if e.StationID == "" {
			return fmt.Errorf("station-call-center message missing stationId")
		}
	default:
		return fmt.Errorf("unsupported message kind %q", e.Kind)
	}
	return nil
}

// ErrorEnvelope builds the error reply for a failed command.
func ErrorEnvelope(code, message string) Envelope {
	return Envelope{
		Kind:  KindError,
		Error: &ErrorBody{Code: code, Message: message},
	}
}
