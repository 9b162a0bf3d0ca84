package fusion

import "encoding/json"

// Kind is the closed set of retrieval sources. Fusion switches over it
// exhaustively; adding a source means touching every switch.
type Kind int

const (
	KindChunk Kind = iota
	KindKnowledge
	KindQA
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindKnowledge:
		return "knowledge"
	case KindQA:
		return "qa"
	default:
		return "unknown"
	}
}

// MarshalJSON reports the source name, not the enum value, since results
// reach API clients.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Candidate is one retrieval result in its source-local score scale.
// Immutable once produced by a retrieval branch.
type Candidate struct {
	Kind     Kind    `json:"kind"`
	ID       string  `json:"id"`
	Title    string  `json:"title,omitempty"`
	Locator  string  `json:"locator,omitempty"`
	Content  string  `json:"content"`
	TopicID  string  `json:"topic_id"`
	RawScore float64 `json:"raw_score"`
}

// Result is a candidate with its cross-source comparable final score.
type Result struct {
	Candidate
	FinalScore float64 `json:"final_score"`
	Rank       int     `json:"rank"`
}
