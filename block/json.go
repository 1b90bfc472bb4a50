package block

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes a Message while preserving the concrete Block types
// stored in Content via an explicit Kind discriminator, so a round-trip
// through JSON (as the snapshot subsystem requires) does not lose type
// information when Content is stored as an interface slice.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role    Role  `json:"Role"`
		Content []any `json:"Content"`
	}
	if len(m.Content) == 0 {
		return json.Marshal(alias{Role: m.Role})
	}
	content := make([]any, len(m.Content))
	for i, b := range m.Content {
		enc, err := encodeBlock(b)
		if err != nil {
			return nil, fmt.Errorf("encode content[%d]: %w", i, err)
		}
		content[i] = enc
	}
	return json.Marshal(alias{Role: m.Role, Content: content})
}

// UnmarshalJSON decodes a Message while materializing concrete Block
// implementations.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    Role
		Content []json.RawMessage
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	if len(tmp.Content) == 0 {
		m.Content = nil
		return nil
	}
	m.Content = make([]Block, len(tmp.Content))
	for i, raw := range tmp.Content {
		b, err := decodeBlock(raw)
		if err != nil {
			return fmt.Errorf("decode content[%d]: %w", i, err)
		}
		m.Content[i] = b
	}
	return nil
}

func encodeBlock(b Block) (any, error) {
	switch v := b.(type) {
	case Text:
		return struct {
			Kind string `json:"Kind"`
			Text
		}{Kind: "text", Text: v}, nil
	case Reasoning:
		return struct {
			Kind string `json:"Kind"`
			Reasoning
		}{Kind: "reasoning", Reasoning: v}, nil
	case ToolUse:
		return struct {
			Kind string `json:"Kind"`
			ToolUse
		}{Kind: "toolUse", ToolUse: v}, nil
	case ToolResult:
		content := make([]any, len(v.Content))
		for i, c := range v.Content {
			enc, err := encodeBlock(c)
			if err != nil {
				return nil, fmt.Errorf("encode toolResult.content[%d]: %w", i, err)
			}
			content[i] = enc
		}
		return struct {
			Kind      string `json:"Kind"`
			ToolUseID string
			Status    ToolResultStatus
			Content   []any
			Error     string
		}{Kind: "toolResult", ToolUseID: v.ToolUseID, Status: v.Status, Content: content, Error: v.Error}, nil
	case Image:
		return struct {
			Kind string `json:"Kind"`
			Image
		}{Kind: "image", Image: v}, nil
	case Document:
		return struct {
			Kind string `json:"Kind"`
			Document
		}{Kind: "document", Document: v}, nil
	case Video:
		return struct {
			Kind string `json:"Kind"`
			Video
		}{Kind: "video", Video: v}, nil
	case CachePoint:
		return struct {
			Kind string `json:"Kind"`
			CachePoint
		}{Kind: "cachePoint", CachePoint: v}, nil
	case GuardContent:
		return struct {
			Kind string `json:"Kind"`
			GuardContent
		}{Kind: "guardContent", GuardContent: v}, nil
	case JSON:
		return struct {
			Kind string `json:"Kind"`
			JSON
		}{Kind: "json", JSON: v}, nil
	default:
		return nil, fmt.Errorf("unknown block type %T", b)
	}
}

func decodeBlock(raw json.RawMessage) (Block, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode block object: %w", err)
	}
	kindRaw, ok := obj["Kind"]
	if !ok {
		return nil, errors.New("block payload missing Kind discriminator")
	}
	var kind string
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, fmt.Errorf("decode Kind: %w", err)
	}

	switch kind {
	case "text":
		var t Text
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode Text: %w", err)
		}
		return t, nil
	case "reasoning":
		var r Reasoning
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode Reasoning: %w", err)
		}
		return r, nil
	case "toolUse":
		var tu ToolUse
		if err := json.Unmarshal(raw, &tu); err != nil {
			return nil, fmt.Errorf("decode ToolUse: %w", err)
		}
		return tu, nil
	case "toolResult":
		var shallow struct {
			ToolUseID string
			Status    ToolResultStatus
			Content   []json.RawMessage
			Error     string
		}
		if err := json.Unmarshal(raw, &shallow); err != nil {
			return nil, fmt.Errorf("decode ToolResult: %w", err)
		}
		content := make([]Block, len(shallow.Content))
		for i, c := range shallow.Content {
			b, err := decodeBlock(c)
			if err != nil {
				return nil, fmt.Errorf("decode toolResult.content[%d]: %w", i, err)
			}
			content[i] = b
		}
		return ToolResult{ToolUseID: shallow.ToolUseID, Status: shallow.Status, Content: content, Error: shallow.Error}, nil
	case "image":
		var img Image
		if err := json.Unmarshal(raw, &img); err != nil {
			return nil, fmt.Errorf("decode Image: %w", err)
		}
		return img, nil
	case "document":
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode Document: %w", err)
		}
		return doc, nil
	case "video":
		var vid Video
		if err := json.Unmarshal(raw, &vid); err != nil {
			return nil, fmt.Errorf("decode Video: %w", err)
		}
		return vid, nil
	case "cachePoint":
		var cp CachePoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, fmt.Errorf("decode CachePoint: %w", err)
		}
		return cp, nil
	case "guardContent":
		var gc GuardContent
		if err := json.Unmarshal(raw, &gc); err != nil {
			return nil, fmt.Errorf("decode GuardContent: %w", err)
		}
		return gc, nil
	case "json":
		var j JSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown block kind %q", kind)
	}
}
