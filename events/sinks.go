// ABOUTME: Event sinks: key=value log lines, an in-memory recorder queryable by plan execution, and a JSONL file log.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogSink writes one key=value line per event through the standard logger.
type LogSink struct{}

func (LogSink) Publish(evt Event) {
	line := fmt.Sprintf("component=engine event=%s plan_execution=%s", evt.Type, evt.PlanExecutionID)
	if evt.NodeExecutionID != "" {
		line += fmt.Sprintf(" node_execution=%s node=%s", evt.NodeExecutionID, evt.PlanNodeID)
	}
	if evt.Status != "" {
		line += " status=" + evt.Status
	}
	if reason, ok := evt.Data["reason"]; ok {
		line += fmt.Sprintf(" reason=%q", fmt.Sprint(reason))
	}
	log.Print(line)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForPlanExecution returns the events of one plan run in emission order.
func (r *Recorder) ForPlanExecution(id string) []Event {
	return FilterByPlanExecution(r.Events(), id)
}

// FilterByPlanExecution keeps the events that belong to plan execution id.
func FilterByPlanExecution(evts []Event, id string) []Event {
	var out []Event
	for _, evt := range evts {
		if evt.PlanExecutionID == id {
			out = append(out, evt)
		}
	}
	return out
}

// JSONLSink appends each event as one JSON line and fsyncs it.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJSONL opens (or creates) the event log at path, creating parent directories.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %q: %w", path, err)
	}
	return &JSONLSink{path: path, file: file}, nil
}

// Path returns the file the sink appends to.
func (s *JSONLSink) Path() string {
	return s.path
}

func (s *JSONLSink) Publish(evt Event) {
	if err := s.Append(evt); err != nil {
		log.Printf("component=events action=jsonl_append path=%s err=%v", s.path, err)
	}
}

// Append writes evt as one line and syncs the file.
func (s *JSONLSink) Append(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to event log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadJSONL reads every event from an event log. Blank lines are skipped.
func ReadJSONL(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log %q: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	var out []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, fmt.Errorf("event log %s line %d: %w", path, n, err)
		}
		out = append(out, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log %s: %w", path, err)
	}
	return out, nil
}
