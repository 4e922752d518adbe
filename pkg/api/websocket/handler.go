package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second

	// drainQuiet is how long the stream keeps forwarding job events after
	// the run's terminal event arrives. Run and job events are delivered on
	// separate subscriptions, so the last job events can trail it.
	drainQuiet = 200 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RunLookup returns the current state of a run.
type RunLookup interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	runs     RunLookup
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, runs RunLookup, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		runs:     runs,
		logger:   logger,
	}
}

// HandleRunStream streams the events of one run until the run finishes or
// the client goes away. A run that already finished gets a single event
// carrying its final state.
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	if _, err := h.runs.GetRun(c.Request.Context(), runID); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "Run not found"}})
			return
		}
		h.logger.Error("failed to look up run", zap.String("run_id", runID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "STORAGE_ERROR", "message": "Failed to load run"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("run_id", runID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The read loop only notices the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan domain.Event, 64)
	h.subscribe(ctx, runID, events)

	// Checked after subscribing so a run finishing in between is not missed.
	run, err := h.runs.GetRun(ctx, runID)
	if err == nil && run.Status.IsTerminal() {
		h.finish(conn, finalEvent(run))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if terminal(event.Type) {
				if !h.drain(ctx, conn, events) {
					return
				}
				h.finish(conn, event)
				return
			}
			if !h.write(conn, event) {
				return
			}
		}
	}
}

// drain forwards non-terminal events until none arrives for drainQuiet.
func (h *Handler) drain(ctx context.Context, conn *websocket.Conn, events <-chan domain.Event) bool {
	timer := time.NewTimer(drainQuiet)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case event := <-events:
			if terminal(event.Type) {
				continue
			}
			if !h.write(conn, event) {
				return false
			}
			timer.Reset(drainQuiet)
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, event domain.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Error("failed to write message", zap.Error(err))
		return false
	}
	return true
}

// finish writes the terminal event and closes the stream normally.
func (h *Handler) finish(conn *websocket.Conn, event domain.Event) {
	if !h.write(conn, event) {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Type)),
		time.Now().Add(writeTimeout))
}

// subscribe forwards run and job events for runID to ch
func (h *Handler) subscribe(ctx context.Context, runID string, ch chan<- domain.Event) {
	handler := func(ctx context.Context, event domain.Event) error {
		if event.RunID != runID {
			return nil
		}
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("run_id", runID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}

	for _, topic := range []string{domain.TopicRuns, domain.TopicJobs} {
		if err := h.eventBus.Subscribe(ctx, topic, handler); err != nil {
			h.logger.Error("failed to subscribe to events",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

// finalEvent describes a finished run the way its terminal event would.
func finalEvent(run *domain.Run) domain.Event {
	eventType := domain.EventTypeRunCompleted
	switch run.Status {
	case domain.RunFailed:
		eventType = domain.EventTypeRunFailed
	case domain.RunCancelled:
		eventType = domain.EventTypeRunCancelled
	}

	ts := time.Now()
	if run.CompletedAt != nil {
		ts = *run.CompletedAt
	}
	data := map[string]interface{}{
		"status": string(run.Status),
		"result": run.Result().Jobs,
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	return domain.Event{
		ID:        run.ID + "-final",
		Type:      eventType,
		RunID:     run.ID,
		Timestamp: ts,
		Data:      data,
	}
}

func terminal(t domain.EventType) bool {
	switch t {
	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCancelled:
		return true
	}
	return false
}
