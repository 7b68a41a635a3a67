// Package wire implements the discriminated JSON envelope format carried
// over the real-time transport: Application, Welcome, and Commit messages,
// plus the subscribe/unsubscribe control frames that share the same
// connection but a different shape.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// Kind discriminates envelope variants by the wire "type" field.
type Kind string

const (
	KindApplication Kind = "application"
	KindWelcome     Kind = "welcome"
	KindCommit      Kind = "commit"
)

// Application carries ciphertext destined for every member of group_id.
type Application struct {
	Sender           string `json:"sender"`
	GroupID          string `json:"group_id"`
	EncryptedContent string `json:"encrypted_content"`
}

func (Application) Kind() Kind { return KindApplication }

// Welcome bootstraps a new member; it is delivered to the invitee's personal
// channel only, never the group channel.
type Welcome struct {
	Inviter         string `json:"inviter"`
	Invitee         string `json:"invitee"`
	WelcomeBlob     string `json:"welcome_blob"`
	RatchetTreeBlob string `json:"ratchet_tree_blob"`
}

func (Welcome) Kind() Kind { return KindWelcome }

// Commit advances a group's epoch; it fans out to the group's existing
// members.
type Commit struct {
	Sender     string `json:"sender"`
	GroupID    string `json:"group_id"`
	CommitBlob string `json:"commit_blob"`
}

func (Commit) Kind() Kind { return KindCommit }

// Envelope is implemented by Application, Welcome, and Commit.
type Envelope interface {
	Kind() Kind
}

type discriminator struct {
	Type string `json:"type"`
}

// Decode inspects the "type" field and unmarshals into the matching
// Envelope variant.
func Decode(data []byte) (Envelope, error) {
	var d discriminator
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &mlserrors.WireError{Reason: "decoding envelope discriminator", Err: err}
	}

	switch Kind(d.Type) {
	case KindApplication:
		var e Application
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &mlserrors.WireError{Reason: "decoding application envelope", Err: err}
		}
		return e, nil
	case KindWelcome:
		var e Welcome
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &mlserrors.WireError{Reason: "decoding welcome envelope", Err: err}
		}
		return e, nil
	case KindCommit:
		var e Commit
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &mlserrors.WireError{Reason: "decoding commit envelope", Err: err}
		}
		return e, nil
	default:
		return nil, &mlserrors.WireError{Reason: fmt.Sprintf("unknown envelope type %q", d.Type)}
	}
}

// Encode marshals an Envelope with its discriminator field set.
func Encode(e Envelope) ([]byte, error) {
	var out []byte
	var err error
	switch v := e.(type) {
	case Application:
		out, err = json.Marshal(struct {
			Type string `json:"type"`
			Application
		}{Type: string(KindApplication), Application: v})
	case Welcome:
		out, err = json.Marshal(struct {
			Type string `json:"type"`
			Welcome
		}{Type: string(KindWelcome), Welcome: v})
	case Commit:
		out, err = json.Marshal(struct {
			Type string `json:"type"`
			Commit
		}{Type: string(KindCommit), Commit: v})
	default:
		return nil, &mlserrors.WireError{Reason: fmt.Sprintf("unsupported envelope type %T", e)}
	}
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "encoding envelope", Err: err}
	}
	return out, nil
}

// Action discriminates control frames by their "action" field.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// ControlFrame is {"action": "subscribe"|"unsubscribe", "group_id": "..."}.
// It has no "type" field, distinguishing it from an Envelope at the wire
// level.
type ControlFrame struct {
	Action  Action `json:"action"`
	GroupID string `json:"group_id"`
}

// IsControlFrame reports whether data looks like a control frame rather than
// a typed envelope (presence of "action" and absence of "type").
func IsControlFrame(data []byte) bool {
	var probe struct {
		Type   *string `json:"type"`
		Action *string `json:"action"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == nil && probe.Action != nil
}

// DecodeControlFrame parses a subscribe/unsubscribe control frame.
func DecodeControlFrame(data []byte) (ControlFrame, error) {
	var cf ControlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		return ControlFrame{}, &mlserrors.WireError{Reason: "decoding control frame", Err: err}
	}
	if cf.Action != ActionSubscribe && cf.Action != ActionUnsubscribe {
		return ControlFrame{}, &mlserrors.WireError{Reason: fmt.Sprintf("unknown control action %q", cf.Action)}
	}
	return cf, nil
}

// EncodeGroupID encodes raw group-id bytes as standard padded base64, the
// form carried in every "group_id" wire field.
func EncodeGroupID(id []byte) string {
	return base64.StdEncoding.EncodeToString(id)
}

// DecodeGroupID decodes a wire "group_id" field back to raw bytes.
func DecodeGroupID(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "decoding group_id", Err: err}
	}
	return b, nil
}
