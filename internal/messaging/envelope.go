package messaging

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/esgqa/qa-engine/internal/shared"
)

// Envelope is the wire form of every message on the bus.
type Envelope struct {
	MessageID     string          `json:"messageId"`
	MessageType   string          `json:"messageType" validate:"required"`
	ActionType    string          `json:"actionType" validate:"required"`
	OrderingKey   string          `json:"orderingKey,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	PublishedAt   time.Time       `json:"publishedAt"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

type registration struct {
	decode  func(json.RawMessage) (Message, error)
	actions map[string]struct{}
}

func register[T Message](actions ...string) registration {
	allowed := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		allowed[a] = struct{}{}
	}
	return registration{
		actions: allowed,
		decode: func(raw json.RawMessage) (Message, error) {
			var msg T
			if err := json.Unmarshal(raw, &msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}
}

var registry = map[string]registration{
	TypeManualQaRequested:    register[ManualQaRequested](ActionPublish),
	TypeAutomatedQaCompleted: register[AutomatedQaCompleted](ActionPublish),
	TypeQaCompleted:          register[QaCompleted](ActionPublish, ActionUpdate),
	TypeQaStatusChange:       register[QaStatusChange](ActionUpdate),
	TypeNonSourceable:        register[NonSourceable](ActionPublish, ActionUpdate),
}

var validate = validator.New()

// NewEnvelope wraps msg with a fresh id. An empty orderingKey falls back to
// the message's default key.
func NewEnvelope(msg Message, actionType, orderingKey string, now time.Time) (Envelope, error) {
	if msg == nil {
		return Envelope{}, errors.New("messaging: nil message")
	}
	if err := validate.Struct(msg); err != nil {
		return Envelope{}, shared.InvalidInput("%s: %s", msg.MessageType(), describeValidation(err))
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("messaging: encode %s: %w", msg.MessageType(), err)
	}
	if orderingKey == "" {
		orderingKey = msg.DefaultOrderingKey()
	}
	return Envelope{
		MessageID:   uuid.NewString(),
		MessageType: msg.MessageType(),
		ActionType:  actionType,
		OrderingKey: orderingKey,
		PublishedAt: now.UTC(),
		Payload:     payload,
	}, nil
}

// Encode serialises the envelope.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses raw bytes into an envelope and its typed payload. Any
// structural problem is reported as ErrMessageRejected.
func Decode(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, shared.Rejected("malformed envelope: %v", err)
	}
	if err := validate.Struct(env); err != nil {
		return env, nil, shared.Rejected("envelope: %s", describeValidation(err))
	}
	reg, ok := registry[env.MessageType]
	if !ok {
		return env, nil, shared.Rejected("unknown messageType %q", env.MessageType)
	}
	if _, ok := reg.actions[env.ActionType]; !ok {
		return env, nil, shared.Rejected("unknown actionType %q for %s", env.ActionType, env.MessageType)
	}
	if env.MessageID == "" {
		env.MessageID = Fingerprint(env.MessageType, env.ActionType, env.Payload)
	}
	msg, err := reg.decode(env.Payload)
	if err != nil {
		return env, nil, shared.Rejected("%s payload: %v", env.MessageType, err)
	}
	if err := validate.Struct(msg); err != nil {
		return env, nil, shared.Rejected("%s: %s", env.MessageType, describeValidation(err))
	}
	return env, msg, nil
}

// Fingerprint derives a stable id from message content. Whitespace
// differences in the payload do not change it.
func Fingerprint(messageType, actionType string, payload []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		compact.Reset()
		compact.Write(payload)
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(messageType))
	h.Write([]byte{0})
	h.Write([]byte(actionType))
	h.Write([]byte{0})
	h.Write(compact.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
