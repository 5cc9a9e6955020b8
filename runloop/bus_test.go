package runloop

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var order []string
	bus.Register(HandlerFunc(func(e Event) { order = append(order, "first") }))
	bus.Register(HandlerFunc(func(e Event) { order = append(order, "second") }))
	bus.Register(HandlerFunc(func(e Event) { order = append(order, "third") }))

	bus.Dispatch(Event{Kind: EventAgentStart})

	if strings.Join(order, ",") != "first,second,third" {
		t.Errorf("unexpected delivery order: %v", order)
	}
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.Register(HandlerFunc(func(e Event) { got = e }))

	bus.Dispatch(Event{Kind: EventToolCallStart})
	if got.Timestamp.IsZero() {
		t.Error("expected dispatched event to carry a timestamp")
	}
}

func TestBusIsolatesPanickingHandler(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))

	delivered := false
	bus.Register(HandlerFunc(func(e Event) { panic("broken handler") }))
	bus.Register(HandlerFunc(func(e Event) { delivered = true }))

	bus.Dispatch(Event{Kind: EventAgentEnd})
	if !delivered {
		t.Error("a panicking handler must not block later handlers")
	}
}

func TestBusNoHandlers(t *testing.T) {
	bus := NewBus(nil)
	// Dispatch with no handlers is a no-op, not a panic.
	bus.Dispatch(Event{Kind: EventAgentStart})
}

func TestJSONLHandlerOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	h := NewJSONLHandler(&buf)

	h.HandleEvent(Event{Kind: EventToolCallStart, ToolName: "search"})
	h.HandleEvent(Event{Kind: EventToolCallEnd, ToolName: "search"})

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		lines++
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Errorf("line %d is not valid JSON: %v", lines, err)
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func TestConsoleHandlerRendersToolFlow(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf)

	h.HandleEvent(Event{Kind: EventAgentStart, AgentName: "tester", TaskInput: "do the thing"})
	h.HandleEvent(Event{Kind: EventToolCallStart, ToolName: "search"})
	h.HandleEvent(Event{Kind: EventAgentEnd, AgentName: "tester", Status: "success"})

	out := buf.String()
	for _, want := range []string{"[tester] starting: do the thing", "-> search", "finished with status success"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}
