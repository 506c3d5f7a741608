package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fateforger/timeboxd/pkg/config"
	"github.com/fateforger/timeboxd/pkg/timemodel"
	"github.com/fateforger/timeboxd/pkg/version"
)

// Event is a remote calendar event, already normalized from the MCP
// server's raw JSON. Start/End are local wall-clock times on Day.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       timemodel.LocalTime
	End         timemodel.LocalTime
	Day         timemodel.LocalDate
	ColorID     string
	Cancelled   bool
	AllDay      bool
}

// ToPlanEvent converts a remote Event to a FixedWindow PlanEvent for
// reconciliation ("every remote event becomes a FixedWindow").
func (e Event) ToPlanEvent(eventType timemodel.EventType) timemodel.PlanEvent {
	return timemodel.PlanEvent{
		Name:        e.Summary,
		Description: e.Description,
		EventType:   eventType,
		Timing:      timemodel.FixedWindow{Start: e.Start, End: e.End},
	}
}

// ListDayResult is the response to ListDayEvents: the filtered event list
// plus any non-fatal diagnostics about dropped entries.
type ListDayResult struct {
	Events      []Event
	Diagnostics []string
}

// Capability is the backend-agnostic Calendar Capability contract.
type Capability interface {
	ListDayEvents(ctx context.Context, calendarID string, day timemodel.LocalDate, timezone string) (ListDayResult, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (Event, bool, error)
	CreateEvent(ctx context.Context, calendarID string, payload EventPayload) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, payload EventPayload) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// EventPayload is the wire shape SYNC sends for create/update: local
// wall-clock start/end with no offset, timezone carried separately.
type EventPayload struct {
	EventID     string `json:"event_id,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start"` // local ISO, no offset
	End         string `json:"end"`   // local ISO, no offset
	TimeZone    string `json:"time_zone"`
	ColorID     string `json:"color_id,omitempty"`
}

// MCPCapability implements Capability over a single MCP calendar server
// connection, following the same session-management pattern used for
// other MCP clients in this codebase but scoped to one server rather
// than a registry of many.
type MCPCapability struct {
	cfg config.CalendarConfig

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// NewMCPCapability constructs a capability that lazily connects to the
// configured MCP server on first use.
func NewMCPCapability(cfg config.CalendarConfig) *MCPCapability {
	return &MCPCapability{cfg: cfg}
}

func (c *MCPCapability) ensureSession(ctx context.Context) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: version.AppName, Version: version.GitCommit}, nil)
	transport := &mcpsdk.StreamableClientTransport{Endpoint: c.cfg.MCPServerURL}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	c.session = session
	return session, nil
}

// callTool invokes a named tool on the calendar MCP server with bounded
// retry, and returns its raw result text for normalization.
func (c *MCPCapability) callTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	var resultText string
	operation := func() error {
		session, err := c.ensureSession(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
		if err != nil {
			return err
		}
		text, isErr := extractText(result)
		if isErr {
			return backoff.Permanent(&RpcError{Tool: tool, Payload: text, Err: ErrToolReportedFailure})
		}
		resultText = text
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var rpcErr *RpcError
		if asRPCError(err, &rpcErr) {
			return "", rpcErr
		}
		return "", &RpcError{Tool: tool, Err: err}
	}
	return resultText, nil
}

func extractText(result *mcpsdk.CallToolResult) (string, bool) {
	var b []byte
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			b = append(b, []byte(tc.Text)...)
		}
	}
	return string(b), result.IsError
}

func asRPCError(err error, target **RpcError) bool {
	if rpcErr, ok := err.(*RpcError); ok {
		*target = rpcErr
		return true
	}
	return false
}

type wireEvent struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Start       string `json:"start"`
	End         string `json:"end"`
	ColorID     string `json:"color_id"`
	Status      string `json:"status"`
	AllDay      bool   `json:"all_day"`
}

func (c *MCPCapability) ListDayEvents(ctx context.Context, calendarID string, day timemodel.LocalDate, timezone string) (ListDayResult, error) {
	raw, err := c.callTool(ctx, "list_day_events", map[string]any{
		"calendar_id": calendarID,
		"date":        day.String(),
		"timezone":    timezone,
	})
	if err != nil {
		return ListDayResult{}, err
	}

	var wire struct {
		Events []wireEvent `json:"events"`
	}
	if jsonErr := json.Unmarshal([]byte(raw), &wire); jsonErr != nil {
		return ListDayResult{}, &RpcError{Tool: "list_day_events", Payload: raw, Err: jsonErr}
	}

	return normalizeDayEvents(wire.Events, day), nil
}

// normalizeDayEvents filters the raw wire events down to the concrete,
// non-cancelled, timed entries the reconciler can work with: cancelled
// events are dropped silently, all-day and unparseable events are dropped
// with a diagnostic, and the survivors are stably sorted by start time.
func normalizeDayEvents(wires []wireEvent, day timemodel.LocalDate) ListDayResult {
	var result ListDayResult
	for _, we := range wires {
		if we.Status == "cancelled" {
			continue
		}
		if we.AllDay {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("dropped all-day event %q", we.Summary))
			continue
		}
		start, startErr := timemodel.ParseLocalTime(we.Start)
		end, endErr := timemodel.ParseLocalTime(we.End)
		if startErr != nil || endErr != nil {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("dropped event %q: unparseable time bounds", we.Summary))
			continue
		}
		result.Events = append(result.Events, Event{
			ID: we.ID, Summary: we.Summary, Description: we.Description,
			Start: start, End: end, Day: day, ColorID: we.ColorID,
		})
	}

	sort.SliceStable(result.Events, func(i, j int) bool {
		return result.Events[i].Start.Before(result.Events[j].Start)
	})
	return result
}

func (c *MCPCapability) GetEvent(ctx context.Context, calendarID, eventID string) (Event, bool, error) {
	raw, err := c.callTool(ctx, "get_event", map[string]any{"calendar_id": calendarID, "event_id": eventID})
	if err != nil {
		return Event{}, false, err
	}
	var we wireEvent
	if jsonErr := json.Unmarshal([]byte(raw), &we); jsonErr != nil {
		return Event{}, false, &RpcError{Tool: "get_event", Payload: raw, Err: jsonErr}
	}
	if we.ID == "" {
		return Event{}, false, nil
	}
	start, _ := timemodel.ParseLocalTime(we.Start)
	end, _ := timemodel.ParseLocalTime(we.End)
	return Event{ID: we.ID, Summary: we.Summary, Description: we.Description, Start: start, End: end, ColorID: we.ColorID}, true, nil
}

func (c *MCPCapability) CreateEvent(ctx context.Context, calendarID string, payload EventPayload) (string, error) {
	raw, err := c.callTool(ctx, "create_event", eventArgs(calendarID, payload))
	if err != nil {
		return "", err
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if jsonErr := json.Unmarshal([]byte(raw), &resp); jsonErr != nil {
		return "", &RpcError{Tool: "create_event", Payload: raw, Err: jsonErr}
	}
	return resp.EventID, nil
}

func (c *MCPCapability) UpdateEvent(ctx context.Context, calendarID, eventID string, payload EventPayload) error {
	payload.EventID = eventID
	_, err := c.callTool(ctx, "update_event", eventArgs(calendarID, payload))
	return err
}

func (c *MCPCapability) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	_, err := c.callTool(ctx, "delete_event", map[string]any{"calendar_id": calendarID, "event_id": eventID})
	return err
}

func eventArgs(calendarID string, payload EventPayload) map[string]any {
	return map[string]any{
		"calendar_id": calendarID,
		"event_id":    payload.EventID,
		"summary":     payload.Summary,
		"description": payload.Description,
		"start":       payload.Start,
		"end":         payload.End,
		"time_zone":   payload.TimeZone,
		"color_id":    payload.ColorID,
	}
}

// Close releases the MCP session, if one was established.
func (c *MCPCapability) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

var (
	// ErrBackendUnavailable mirrors the taxonomy entry for a calendar
	// server that cannot be reached at all.
	ErrBackendUnavailable  = fmt.Errorf("calendar: backend unavailable")
	ErrToolReportedFailure = fmt.Errorf("calendar: tool reported failure")
)
