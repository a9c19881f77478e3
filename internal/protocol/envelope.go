package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version: текущая версия протокола.
const Version = 1

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnknownKind        = errors.New("unknown kind")
	ErrWrongDirection     = errors.New("wrong direction")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Envelope: общая обёртка любого сообщения протокола.
type Envelope struct {
	V         int
	ID        string
	SiteID    string
	AgentID   string
	Direction Direction
	Kind      Kind
	Timestamp time.Time
	ReplyTo   string // обязателен у ack/error/directive.progress
	Payload   Payload
}

type wireEnvelope struct {
	V         int             `json:"v"`
	ID        string          `json:"id"`
	SiteID    string          `json:"site_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Direction Direction       `json:"direction"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"ts"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope создаёт сообщение привязанного к направлению kind.
// Для ack/error используйте Reply.
func NewEnvelope(p Payload) Envelope {
	dir, _ := p.Kind().Direction()
	return Envelope{
		V:         Version,
		ID:        uuid.NewString(),
		Direction: dir,
		Kind:      p.Kind(),
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

// Reply строит ответ на to: направление противоположное, reply_to = to.ID.
func Reply(to Envelope, p Payload) Envelope {
	return Envelope{
		V:         Version,
		ID:        uuid.NewString(),
		SiteID:    to.SiteID,
		AgentID:   to.AgentID,
		Direction: to.Direction.Opposite(),
		Kind:      p.Kind(),
		Timestamp: time.Now().UTC(),
		ReplyTo:   to.ID,
		Payload:   p,
	}
}

// Validate проверяет инварианты envelope без сериализации.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("%w: %w: v=%d", ErrMalformedEnvelope, ErrUnsupportedVersion, e.V)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrMalformedEnvelope)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrMalformedEnvelope)
	}
	if !e.Kind.Known() {
		return fmt.Errorf("%w: %w: %q", ErrMalformedEnvelope, ErrUnknownKind, e.Kind)
	}
	if !e.Direction.Valid() {
		return fmt.Errorf("%w: invalid direction %q", ErrMalformedEnvelope, e.Direction)
	}
	if want, bound := e.Kind.Direction(); bound && want != e.Direction {
		return fmt.Errorf("%w: %w: %s must be %s", ErrMalformedEnvelope, ErrWrongDirection, e.Kind, want)
	}
	if (e.Kind.Shared() || e.Kind == KindDirectiveProgress) && e.ReplyTo == "" {
		return fmt.Errorf("%w: %s requires reply_to", ErrMalformedEnvelope, e.Kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrMalformedEnvelope)
	}
	if e.Payload.Kind() != e.Kind {
		return fmt.Errorf("%w: payload %s does not match kind %s", ErrMalformedEnvelope, e.Payload.Kind(), e.Kind)
	}
	if err := e.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Kind, err)
	}
	return nil
}

// Encode сериализует только валидные envelope.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return json.Marshal(wireEnvelope{
		V:         e.V,
		ID:        e.ID,
		SiteID:    e.SiteID,
		AgentID:   e.AgentID,
		Direction: e.Direction,
		Kind:      e.Kind,
		Timestamp: e.Timestamp,
		ReplyTo:   e.ReplyTo,
		Payload:   payload,
	})
}

// Decode строго разбирает кадр: лишние поля, несоответствие kind/direction
// и невалидный payload дают ErrMalformedEnvelope. Ничего не подставляется по умолчанию.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := strictUnmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	info, ok := kinds[w.Kind]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %w: %q", ErrMalformedEnvelope, ErrUnknownKind, w.Kind)
	}
	if len(w.Payload) == 0 || bytes.Equal(bytes.TrimSpace(w.Payload), []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: payload is required", ErrMalformedEnvelope)
	}
	p := info.newPayload()
	if err := strictUnmarshal(w.Payload, p); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, w.Kind, err)
	}

	e := Envelope{
		V:         w.V,
		ID:        w.ID,
		SiteID:    w.SiteID,
		AgentID:   w.AgentID,
		Direction: w.Direction,
		Kind:      w.Kind,
		Timestamp: w.Timestamp,
		ReplyTo:   w.ReplyTo,
		Payload:   p,
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// ErrorCode сопоставляет ошибку протокола коду для ответного error envelope.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrWrongDirection):
		return CodeWrongDirection
	case errors.Is(err, ErrUnknownKind):
		return CodeUnknownKind
	default:
		return CodeMalformedEnvelope
	}
}

// UnparsedID: reply_to ошибки на кадр, id которого прочитать не удалось.
const UnparsedID = "unparsed"

// Reject строит error-ответ на кадр, не прошедший Decode. from задаёт направление,
// в котором кадр пришёл; ответ идёт обратно.
func Reject(frame []byte, from Direction, err error) Envelope {
	var peek struct {
		ID      string `json:"id"`
		SiteID  string `json:"site_id"`
		AgentID string `json:"agent_id"`
	}
	_ = json.Unmarshal(frame, &peek)
	if peek.ID == "" {
		peek.ID = UnparsedID
	}
	to := Envelope{ID: peek.ID, SiteID: peek.SiteID, AgentID: peek.AgentID, Direction: from}
	return Reply(to, &ErrorPayload{Code: ErrorCode(err), Message: err.Error()})
}
