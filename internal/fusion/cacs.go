package fusion

// Signals carries the learner-specific inputs CACS needs, precomputed by
// the engine from the interaction log so scoring stays pure and
// synchronous.
type Signals struct {
	// Affinity maps topic id to this learner's historical interaction
	// share, normalized to [0,1].
	Affinity map[string]float64
	// Popularity maps topic id to the aggregate interaction share across
	// all learners, normalized to [0,1].
	Popularity map[string]float64
	// RecentTopics holds topic ids touched earlier in this session.
	RecentTopics map[string]bool
}

type Weights struct {
	Base     float64
	Personal float64
	Global   float64
	Context  float64
	// OffTopicContext is the context term used for topics not yet seen
	// in the session; 1.0 is used for seen topics.
	OffTopicContext float64
}

// CACS recomputes a candidate's final score as a weighted blend of base
// similarity, personal affinity, global popularity and session context.
// Weights come from configuration and are validated to sum to 1 at load
// time.
type CACS struct {
	w        Weights
	offTopic float64
}

// defaultOffTopicContext is the context term for a candidate whose topic
// has not appeared in the session yet: dampened, not erased.
const defaultOffTopicContext = 0.3

func NewCACS(w Weights) *CACS {
	if w.OffTopicContext == 0 {
		w.OffTopicContext = defaultOffTopicContext
	}
	return &CACS{w: w, offTopic: w.OffTopicContext}
}

func (s *CACS) Score(base float64, c Candidate, sig Signals) float64 {
	personal := sig.Affinity[c.TopicID]
	global := sig.Popularity[c.TopicID]

	contextScore := s.offTopic
	if sig.RecentTopics[c.TopicID] {
		contextScore = 1.0
	}

	final := s.w.Base*clamp01(base) +
		s.w.Personal*personal +
		s.w.Global*global +
		s.w.Context*contextScore

	return clamp01(final)
}
