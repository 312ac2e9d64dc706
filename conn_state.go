package sharedws

import "time"

// Status is the lifecycle status of a SocketConnection. Exactly one value holds at any time.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Statistics are the traffic counters of a connection. Counters only grow; the Last* timestamps and
// the latency average are overwritten.
type Statistics struct {
	MessagesSent          int64     `json:"messagesSent"`
	MessagesReceived      int64     `json:"messagesReceived"`
	BytesSent             int64     `json:"bytesSent"`
	BytesReceived         int64     `json:"bytesReceived"`
	LastMessageSentAt     time.Time `json:"lastMessageSentAt"`
	LastMessageReceivedAt time.Time `json:"lastMessageReceivedAt"`
	LastPingSentAt        time.Time `json:"lastPingSentAt"`
	LastPongReceivedAt    time.Time `json:"lastPongReceivedAt"`
	ConnectedAt           time.Time `json:"connectedAt"`
	AverageLatencyMs      float64   `json:"averageLatencyMs"`
	LatencySamples        int64     `json:"latencySamples"`
}

// recordLatency folds sample into the exponential moving average. The first sample seeds it.
func (s *Statistics) recordLatency(sampleMs float64) {
	if s.LatencySamples == 0 {
		s.AverageLatencyMs = sampleMs
	} else {
		s.AverageLatencyMs = s.AverageLatencyMs*0.7 + sampleMs*0.3
	}
	s.LatencySamples++
}

// ErrorInfo describes the last failure observed on a connection.
type ErrorInfo struct {
	Message   string    `json:"message"`
	Code      int       `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionState is a snapshot of one logical connection. Snapshots are values: consumers never
// share the live state by reference.
type ConnectionState struct {
	Status            Status        `json:"status"`
	URL               string        `json:"url,omitempty"`
	Protocols         []string      `json:"protocols,omitempty"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	ReconnectDelay    time.Duration `json:"reconnectDelay"`
	MaxReconnectDelay time.Duration `json:"maxReconnectDelay"`
	Statistics        Statistics    `json:"statistics"`
	LastError         *ErrorInfo    `json:"lastError,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

func newConnectionState(policy ReconnectPolicy) ConnectionState {
	return ConnectionState{
		Status:            StatusDisconnected,
		ReconnectDelay:    policy.BaseDelay,
		MaxReconnectDelay: policy.MaxDelay,
	}
}

// clone returns a deep copy safe to hand out to observers.
func (s ConnectionState) clone() ConnectionState {
	out := s
	if s.Protocols != nil {
		out.Protocols = append([]string(nil), s.Protocols...)
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}
