package pb

import "encoding/json"

// Text unwraps the payload of a ChunkTypeText chunk, whose content is the
// envelope {"text": "..."}. Content that is not the envelope passes through
// unchanged so adapter-defined chunk kinds stay opaque to the router.
func (c *StreamChunk) Text() string {
	var body struct {
		Text *string `json:"text"`
	}
	if json.Unmarshal([]byte(c.ContentJson), &body) == nil && body.Text != nil {
		return *body.Text
	}
	return c.ContentJson
}

// ErrorDetail unwraps the message of a ChunkTypeError chunk, whose content
// is the envelope {"error": "..."}. Falls back to the raw content for
// non-conforming adapters.
func (c *StreamChunk) ErrorDetail() string {
	var body struct {
		Error *string `json:"error"`
	}
	if json.Unmarshal([]byte(c.ContentJson), &body) == nil && body.Error != nil {
		return *body.Error
	}
	return c.ContentJson
}

// TextEnvelope wraps a plain string in the text chunk envelope.
func TextEnvelope(text string) string {
	data, _ := json.Marshal(map[string]string{"text": text})
	return string(data)
}

// ErrorEnvelope wraps a message in the error chunk envelope.
func ErrorEnvelope(message string) string {
	data, _ := json.Marshal(map[string]string{"error": message})
	return string(data)
}
