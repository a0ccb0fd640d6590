package pipeline

// Event is a lifecycle event emitted by the controller. The gateway
// forwards these to the data channel and the metrics registry; tests
// assert on them.
type Event interface {
	EventType() string
}

// PathSwitched is emitted on every failover and failback.
type PathSwitched struct {
	SessionID   string
	UtteranceID string
	From        string
	To          string
	Reason      string
	Failures    int
}

func (e *PathSwitched) EventType() string { return "path-switched" }

// UtteranceStarted is emitted when a new utterance opens.
type UtteranceStarted struct {
	SessionID   string
	UtteranceID string
	Path        string
	Language    string
}

func (e *UtteranceStarted) EventType() string { return "utterance-started" }

// UtteranceCompleted is emitted when an utterance's response is fully
// delivered.
type UtteranceCompleted struct {
	SessionID   string
	UtteranceID string
	Path        string
	Text        string
}

func (e *UtteranceCompleted) EventType() string { return "utterance-completed" }

// UtteranceCancelled is emitted exactly once for an aborted utterance,
// whether client-requested or terminal failure.
type UtteranceCancelled struct {
	SessionID   string
	UtteranceID string
	Reason      string
	ErrKind     string
}

func (e *UtteranceCancelled) EventType() string { return "utterance-cancelled" }

// DeliveryOverflow is emitted when the fragment buffer bound is exceeded.
type DeliveryOverflow struct {
	SessionID   string
	UtteranceID string
	Buffered    int
	Cap         int
}

func (e *DeliveryOverflow) EventType() string { return "delivery-overflow" }
