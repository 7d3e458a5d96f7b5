package comm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// UiEventKind enumerates the closed set of events the backend may send on
// the UI channel.
type UiEventKind string

const (
	UiBusy             UiEventKind = "busy"
	UiClearConsole     UiEventKind = "clear_console"
	UiOpenEditor       UiEventKind = "open_editor"
	UiShowMessage      UiEventKind = "show_message"
	UiPromptState      UiEventKind = "prompt_state"
	UiWorkingDirectory UiEventKind = "working_directory"
	UiExecuteCommand   UiEventKind = "execute_command"
	UiOpenWorkspace    UiEventKind = "open_workspace"
)

// UiEvent is a decoded UI-channel event. Exactly one of the typed fields is
// meaningful, selected by Kind.
type UiEvent struct {
	Kind UiEventKind

	Busy             bool   // UiBusy
	File             string // UiOpenEditor
	Line             int    // UiOpenEditor
	Column           int    // UiOpenEditor
	Message          string // UiShowMessage
	InputPrompt      string // UiPromptState
	ContinuePrompt   string // UiPromptState
	WorkingDirectory string // UiWorkingDirectory
	Command          string // UiExecuteCommand
	WorkspacePath    string // UiOpenWorkspace
	NewWindow        bool   // UiOpenWorkspace
}

// DecodeUiEvent parses a UI-channel payload. Unknown kinds are rejected so
// consumers handle the event set exhaustively.
func DecodeUiEvent(payload map[string]any) (UiEvent, error) {
	kind, _ := payload["event"].(string)
	params, _ := payload["params"].(map[string]any)

	ev := UiEvent{Kind: UiEventKind(kind)}
	switch ev.Kind {
	case UiBusy:
		ev.Busy, _ = params["busy"].(bool)
	case UiClearConsole:
		// no params
	case UiOpenEditor:
		ev.File, _ = params["file"].(string)
		ev.Line = intParam(params, "line")
		ev.Column = intParam(params, "column")
	case UiShowMessage:
		ev.Message, _ = params["message"].(string)
	case UiPromptState:
		ev.InputPrompt, _ = params["input_prompt"].(string)
		ev.ContinuePrompt, _ = params["continuation_prompt"].(string)
	case UiWorkingDirectory:
		ev.WorkingDirectory, _ = params["directory"].(string)
	case UiExecuteCommand:
		ev.Command, _ = params["command"].(string)
	case UiOpenWorkspace:
		ev.WorkspacePath, _ = params["path"].(string)
		ev.NewWindow, _ = params["new_window"].(bool)
	default:
		return UiEvent{}, fmt.Errorf("unknown ui event kind: %q", kind)
	}
	return ev, nil
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// UiHandler claims the per-session UI channel and decodes its events.
type UiHandler struct {
	mu      sync.Mutex
	onEvent func(sessionID string, ev UiEvent)
	logger  *slog.Logger
}

// NewUiHandler creates a UI handler delivering decoded events to onEvent.
func NewUiHandler(onEvent func(sessionID string, ev UiEvent), logger *slog.Logger) *UiHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UiHandler{onEvent: onEvent, logger: logger}
}

func (h *UiHandler) ClientType() runtime.ClientType { return runtime.ClientTypeUi }

// HandleOpen claims every UI comm and wires event decoding.
func (h *UiHandler) HandleOpen(client *Client) bool {
	sessionID := client.SessionID()
	client.OnMessage(func(messageID string, payload map[string]any) {
		ev, err := DecodeUiEvent(payload)
		if err != nil {
			h.logger.Warn("dropping undecodable ui event",
				"session_id", sessionID,
				"message_id", messageID,
				"error", err,
			)
			return
		}
		h.mu.Lock()
		fn := h.onEvent
		h.mu.Unlock()
		if fn != nil {
			fn(sessionID, ev)
		}
	})
	return true
}
