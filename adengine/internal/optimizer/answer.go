package optimizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadShape is returned when a response matches neither documented shape.
var ErrBadShape = errors.New("optimizer: response has no chosen ad")

// ErrRemote is returned when the response carries an explicit error field.
var ErrRemote = errors.New("optimizer: remote error")

// Shape records which response layout an Answer was decoded from.
type Shape int

const (
	ShapeNone Shape = iota
	// ShapeNested is {"result": {"Output": {"response": {"chosen": ...}}}}.
	ShapeNested
	// ShapeTopLevel is {"chosen": ...}.
	ShapeTopLevel
)

func (s Shape) String() string {
	switch s {
	case ShapeNested:
		return "nested"
	case ShapeTopLevel:
		return "top_level"
	default:
		return "none"
	}
}

// Choice is one ad picked by the optimizer, with optional rewritten copy.
type Choice struct {
	AdID     string `json:"ad_id"`
	Headline string `json:"headline,omitempty"`
	Body     string `json:"body,omitempty"`
}

// Answer is a decoded optimizer response.
type Answer struct {
	Shape  Shape
	Chosen []Choice
}

type envelope struct {
	Error  json.RawMessage `json:"error"`
	Chosen json.RawMessage `json:"chosen"`
	Result *struct {
		Output *struct {
			Response *struct {
				Chosen json.RawMessage `json:"chosen"`
			} `json:"response"`
		} `json:"Output"`
	} `json:"result"`
}

func (e envelope) nested() json.RawMessage {
	if e.Result == nil || e.Result.Output == nil || e.Result.Output.Response == nil {
		return nil
	}
	return e.Result.Output.Response.Chosen
}

// ParseAnswer resolves a response body into an Answer. The nested layout is
// tried first. An explicit non-empty error field fails the response even
// when a chosen field is also present.
func ParseAnswer(body []byte) (Answer, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	if present(env.Error) {
		return Answer{}, fmt.Errorf("%w: %s", ErrRemote, truncate(string(env.Error), 200))
	}

	var shape Shape
	var raw json.RawMessage
	switch {
	case present(env.nested()):
		shape, raw = ShapeNested, env.nested()
	case present(env.Chosen):
		shape, raw = ShapeTopLevel, env.Chosen
	default:
		return Answer{}, ErrBadShape
	}

	chosen, err := decodeChosen(raw)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Shape: shape, Chosen: chosen}, nil
}

// present reports whether a raw field carries a value other than null,
// false, "" or {}.
func present(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", `""`, "{}":
		return false
	}
	return true
}

type wireChoice struct {
	AdID     string `json:"ad_id"`
	ID       string `json:"id"`
	Headline string `json:"headline"`
	Body     string `json:"body"`
}

// decodeChosen accepts a single object or an array of objects. Entries
// without an id are dropped; an answer with no usable entry is a bad shape.
func decodeChosen(raw json.RawMessage) ([]Choice, error) {
	raw = bytes.TrimSpace(raw)
	var items []wireChoice
	switch {
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadShape, err)
		}
	case len(raw) > 0 && raw[0] == '{':
		var one wireChoice
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadShape, err)
		}
		items = []wireChoice{one}
	default:
		return nil, fmt.Errorf("%w: chosen is neither object nor array", ErrBadShape)
	}

	out := make([]Choice, 0, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.AdID)
		if id == "" {
			id = strings.TrimSpace(it.ID)
		}
		if id == "" {
			continue
		}
		out = append(out, Choice{AdID: id, Headline: it.Headline, Body: it.Body})
	}
	if len(out) == 0 {
		return nil, ErrBadShape
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
