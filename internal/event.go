package internal

// Event is the envelope published to notification drivers and evaluated by
// routing rules. Data holds the flattened payload; RawPayload is the exact
// body as delivered.
type Event struct {
	Provider   string                 `json:"provider"`
	Name       string                 `json:"name"`
	Data       map[string]interface{} `json:"data,omitempty"`
	RawPayload []byte                 `json:"-"`
}
