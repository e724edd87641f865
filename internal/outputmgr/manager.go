// Package outputmgr turns a step's raw stdout/stderr line stream into
// logged output, structured annotations, and variable/output/path/secret
// side effects, per the workflow-command grammar.
package outputmgr

import (
	"io"
	"sync"

	"github.com/addison-moore/fleetrunner/internal/issuematcher"
	"github.com/addison-moore/fleetrunner/internal/secretmasker"
	"github.com/sirupsen/logrus"
)

// AnnotationLevel is the severity of a warning/error/notice annotation.
type AnnotationLevel string

const (
	LevelWarning AnnotationLevel = "warning"
	LevelError   AnnotationLevel = "error"
	LevelNotice  AnnotationLevel = "notice"
)

// Annotation is a structured diagnostic produced by a warning/error/notice
// command or an issue matcher.
type Annotation struct {
	Level   AnnotationLevel
	File    string
	Line    string
	Col     string
	Message string
}

// Manager processes one step's output stream. ProcessLine and the
// accessors hold an internal mutex, so stdout and stderr readers may call
// ProcessLine from separate goroutines; lines are handled one at a time.
type Manager struct {
	masker   *secretmasker.Masker
	log      *logrus.Entry
	sink     io.Writer
	liveSink io.Writer
	matchers *issuematcher.Registry

	mu          sync.Mutex
	outputs     map[string]string
	env         map[string]string
	paths       []string
	savedState  map[string]string
	annotations []Annotation

	stopToken string
	debugOn   bool
	groupDepth int
}

// New creates a Manager writing masked lines to sink and logging through
// log. matchers may be nil if no issue matchers are configured.
func New(masker *secretmasker.Masker, sink io.Writer, log *logrus.Entry, matchers *issuematcher.Registry, debugOn bool) *Manager {
	return &Manager{
		masker:     masker,
		log:        log,
		sink:       sink,
		matchers:   matchers,
		outputs:    make(map[string]string),
		env:        make(map[string]string),
		savedState: make(map[string]string),
		debugOn:    debugOn,
	}
}

// ProcessLine handles one line of stdout or stderr.
func (m *Manager) ProcessLine(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopToken != "" {
		if line == "::"+m.stopToken+"::" {
			m.stopToken = ""
			return
		}
		m.writeLine(line)
		return
	}

	if cmd, ok := ParseCommand(line); ok {
		m.handleCommand(cmd)
		return
	}

	if m.matchers != nil {
		if match, ok := m.matchers.TryMatch(line); ok {
			m.annotations = append(m.annotations, Annotation{
				Level:   AnnotationLevel(match.Severity),
				File:    match.File,
				Line:    match.Line,
				Col:     match.Column,
				Message: match.Message,
			})
			m.logAnnotation(AnnotationLevel(match.Severity), match.Message)
			return
		}
	}

	m.writeLine(line)
}

func (m *Manager) handleCommand(cmd Command) {
	switch cmd.Verb {
	case "set-output":
		m.outputs[cmd.Properties["name"]] = cmd.Message
	case "set-env":
		m.env[cmd.Properties["name"]] = cmd.Message
	case "add-path":
		m.paths = append(m.paths, cmd.Message)
	case "add-mask":
		m.masker.Add(cmd.Message)
	case "save-state":
		m.savedState[cmd.Properties["name"]] = cmd.Message
	case "stop-commands":
		m.stopToken = cmd.Message
	case "warning":
		m.recordAnnotation(LevelWarning, cmd)
	case "error":
		m.recordAnnotation(LevelError, cmd)
	case "notice":
		m.recordAnnotation(LevelNotice, cmd)
	case "group":
		m.groupDepth++
		m.writeLine("##[group]" + cmd.Message)
	case "endgroup":
		if m.groupDepth > 0 {
			m.groupDepth--
		}
		m.writeLine("##[endgroup]")
	case "debug":
		if m.debugOn {
			m.writeLine(cmd.Message)
		}
	case "echo":
		// echo on/off is accepted and ignored: this runner never echoes
		// command lines, so there's nothing to flip.
	default:
		if m.log != nil {
			m.log.WithField("verb", cmd.Verb).Warn("unrecognized workflow command, logged verbatim: " + cmd.Message)
		}
	}
}

func (m *Manager) recordAnnotation(level AnnotationLevel, cmd Command) {
	ann := Annotation{
		Level:   level,
		File:    cmd.Properties["file"],
		Line:    cmd.Properties["line"],
		Col:     cmd.Properties["col"],
		Message: cmd.Message,
	}
	m.annotations = append(m.annotations, ann)
	m.logAnnotation(level, cmd.Message)
}

func (m *Manager) logAnnotation(level AnnotationLevel, message string) {
	if m.log == nil {
		return
	}
	masked := m.masker.Mask(message)
	switch level {
	case LevelError:
		m.log.Error(masked)
	case LevelWarning:
		m.log.Warn(masked)
	default:
		m.log.Info(masked)
	}
}

// writeLine masks line and writes it to the sink. Masking happens after
// command parsing (so an add-mask on this line applies to the next) and
// before the line reaches any sink.
func (m *Manager) writeLine(line string) {
	masked := m.masker.Mask(line)
	if m.sink != nil {
		_, _ = io.WriteString(m.sink, masked+"\n")
	}
	if m.liveSink != nil {
		_, _ = io.WriteString(m.liveSink, masked)
	}
}

// SetLiveSink attaches a secondary sink (typically a Streamer) that
// receives every masked line in addition to the primary sink, for
// real-time log delivery to the Run Service. Passing nil detaches it.
func (m *Manager) SetLiveSink(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveSink = w
}

// SetOutput records an output directly, bypassing command-line parsing.
// Used by the composite handler to project a nested step's outputs onto
// its parent without round-tripping them through the workflow-command
// grammar's escaping rules.
func (m *Manager) SetOutput(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[name] = value
}

// Outputs returns the step outputs map accumulated via set-output.
func (m *Manager) Outputs() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.outputs)
}

// Env returns the Worker-wide environment updates accumulated via set-env.
func (m *Manager) Env() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.env)
}

// Paths returns the path entries accumulated via add-path.
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.paths))
	copy(out, m.paths)
	return out
}

// SavedState returns the state map accumulated via save-state.
func (m *Manager) SavedState() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.savedState)
}

// Annotations returns all warning/error/notice annotations recorded so
// far, from commands and issue matchers alike.
func (m *Manager) Annotations() []Annotation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Annotation, len(m.annotations))
	copy(out, m.annotations)
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
