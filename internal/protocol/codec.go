package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for payloads that are not a valid
// signaling message.
var ErrMalformed = errors.New("malformed signaling message")

// descriptionWire is the wire shape of offers and answers.
type descriptionWire struct {
	Type Type   `json:"type"`
	SDP  string `json:"sdp"`
}

// candidateWire is the wire shape of candidates. sdpMid and sdpMLineIndex are
// always present, as null when unknown.
type candidateWire struct {
	Type          Type    `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// byeWire is the wire shape of bye.
type byeWire struct {
	Type Type `json:"type"`
}

// inboundWire accepts every known shape at once.
type inboundWire struct {
	Type          Type    `json:"type"`
	SDP           string  `json:"sdp"`
	Candidate     *string `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// Encode serializes a Message into its JSON wire form.
func Encode(msg *Message) ([]byte, error) {
	switch msg.Type {
	case TypeOffer, TypeAnswer:
		return json.Marshal(descriptionWire{Type: msg.Type, SDP: msg.SDP})
	case TypeCandidate:
		return json.Marshal(candidateWire{
			Type:          msg.Type,
			Candidate:     msg.Candidate,
			SDPMid:        msg.SDPMid,
			SDPMLineIndex: msg.SDPMLineIndex,
		})
	case TypeBye:
		return json.Marshal(byeWire{Type: msg.Type})
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
}

// Decode deserializes a JSON payload into a Message.
//
// Objects without a type but with a candidate field are treated as candidates,
// matching what browsers send when an RTCIceCandidate is serialized directly.
func Decode(data []byte) (*Message, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" && w.Candidate != nil {
		w.Type = TypeCandidate
	}

	msg := &Message{Type: w.Type}
	switch w.Type {
	case TypeOffer, TypeAnswer:
		if w.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", ErrMalformed, w.Type)
		}
		msg.SDP = w.SDP
	case TypeCandidate:
		if w.Candidate == nil {
			return nil, fmt.Errorf("%w: candidate without candidate field", ErrMalformed)
		}
		msg.Candidate = *w.Candidate
		msg.SDPMid = w.SDPMid
		msg.SDPMLineIndex = w.SDPMLineIndex
	case TypeBye:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}
	return msg, nil
}

// PeekType returns the type of an encoded message without fully validating it.
// It is used by the relay to classify traffic it only forwards.
func PeekType(data []byte) Type {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ""
	}
	if w.Type == "" && w.Candidate != nil {
		return TypeCandidate
	}
	return w.Type
}
