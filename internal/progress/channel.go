package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind discriminates progress channel events.
type EventKind string

const (
	KindProgress EventKind = "progress"
	KindComplete EventKind = "complete"
	KindError    EventKind = "error"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Token     string    `json:"token"`
	Kind      EventKind `json:"kind"`
	Value     int       `json:"value,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Update is a progress notification request.
type Update struct {
	Token   string
	Value   int
	Message string
}

type tokenState struct {
	lastValue int
	terminal  bool
}

// retention is how long per-token state survives a terminal notification.
// The window absorbs stray late notifications before the entry is pruned.
const retention = time.Minute

// Channel owns its subscriber list and per-token progress state. One Channel
// is created per coordinator instance; there is no ambient global listener.
type Channel struct {
	logger    *zap.Logger
	retention time.Duration

	mu      sync.Mutex
	subs    map[int]func(Event)
	nextSub int
	tokens  map[string]*tokenState
}

// NewChannel creates a progress channel.
func NewChannel(logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		logger:    logger,
		retention: retention,
		subs:      make(map[int]func(Event)),
		tokens:    make(map[string]*tokenState),
	}
}

// GenerateToken returns a unique token for one logical operation. The
// operation name, when given, prefixes the token for log readability.
func (c *Channel) GenerateToken(operationName string) string {
	id := uuid.NewString()
	if operationName == "" {
		return id
	}
	return fmt.Sprintf("%s-%s", operationName, id)
}

// Subscribe registers a callback for all subsequent events. The returned
// function unsubscribes and is safe to call more than once. Callbacks run
// synchronously in notification order and must not block.
func (c *Channel) Subscribe(callback func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = callback

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
		})
	}
}

// NotifyProgress publishes a progress value for a token. Values outside
// [0,100] are clamped (documented choice: clamp, never reject). Values lower
// than the last delivered value for the token, and values after a terminal
// notification, are dropped with a warning.
func (c *Channel) NotifyProgress(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value := u.Value
	if value < 0 {
		c.logger.Warn("progress value below range, clamping",
			zap.String("token", u.Token), zap.Int("value", value))
		value = 0
	}
	if value > 100 {
		c.logger.Warn("progress value above range, clamping",
			zap.String("token", u.Token), zap.Int("value", value))
		value = 100
	}

	state, ok := c.tokens[u.Token]
	if !ok {
		state = &tokenState{lastValue: -1}
		c.tokens[u.Token] = state
	}
	if state.terminal {
		c.logger.Warn("progress after terminal notification dropped",
			zap.String("token", u.Token), zap.Int("value", value))
		return
	}
	if value < state.lastValue {
		c.logger.Warn("out-of-order progress dropped",
			zap.String("token", u.Token),
			zap.Int("value", value),
			zap.Int("last_value", state.lastValue))
		return
	}
	state.lastValue = value

	c.deliverLocked(Event{
		Token:     u.Token,
		Kind:      KindProgress,
		Value:     value,
		Message:   u.Message,
		Timestamp: time.Now(),
	})
}

// NotifyComplete terminates a token successfully. No further progress for the
// token is accepted afterward.
func (c *Channel) NotifyComplete(token, result string) {
	c.terminate(token, KindComplete, result)
}

// NotifyError terminates a token with an error message.
func (c *Channel) NotifyError(token, errorMessage string) {
	c.terminate(token, KindError, errorMessage)
}

func (c *Channel) terminate(token string, kind EventKind, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.tokens[token]
	if !ok {
		state = &tokenState{lastValue: -1}
		c.tokens[token] = state
	}
	if state.terminal {
		c.logger.Warn("duplicate terminal notification dropped",
			zap.String("token", token), zap.String("kind", string(kind)))
		return
	}
	state.terminal = true

	// A successful run always ends at 100 regardless of the last reported
	// stage value.
	value := 0
	if kind == KindComplete {
		value = 100
		state.lastValue = 100
	}

	c.deliverLocked(Event{
		Token:     token,
		Kind:      kind,
		Value:     value,
		Message:   message,
		Timestamp: time.Now(),
	})

	// Terminal state is pruned after delivery so the token map does not grow
	// with the process lifetime. The retention window keeps the terminal
	// guard in place long enough to drop stragglers.
	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		delete(c.tokens, token)
		c.mu.Unlock()
	})
}

// deliverLocked fans an event out to every subscriber. Holding the channel
// mutex across delivery gives at-least-once, in-order delivery per token.
func (c *Channel) deliverLocked(ev Event) {
	for _, callback := range c.subs {
		callback(ev)
	}
}
