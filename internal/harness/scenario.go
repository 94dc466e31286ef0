package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Step actions.
const (
	ActionConnectAll     = "connect_all"
	ActionConnect        = "connect"
	ActionDisconnect     = "disconnect"
	ActionJoin           = "join"
	ActionLeave          = "leave"
	ActionSend           = "send"
	ActionSendConcurrent = "send_concurrent"
	ActionWait           = "wait"
)

// Duration is a time.Duration written as "500ms", "2s" and so on.
// A bare integer is read as milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Scenario is an ordered list of steps driven across simulated users.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Echo overrides the configured echo expectation.
	Echo *bool `yaml:"echo,omitempty"`

	// Timeout overrides the configured scenario deadline.
	Timeout Duration `yaml:"timeout,omitempty"`

	Steps []Step `yaml:"steps"`

	// Expect holds optional assertions checked after verification.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step is one action. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	// User names a configured user. Unused by connect_all and wait.
	User string `yaml:"user,omitempty"`

	// Room is a configured room name or a literal room ID. For connect
	// and connect_all it becomes the room_id connect parameter; for send
	// it defaults to the user's current room.
	Room string `yaml:"room,omitempty"`

	Content string `yaml:"content,omitempty"`

	// Batch lists the sends of a send_concurrent step.
	Batch []BatchItem `yaml:"batch,omitempty"`

	// Duration is how long a wait step sleeps.
	Duration Duration `yaml:"duration,omitempty"`

	// Settle is the pause after the step. Nil uses the configured
	// settle window; wait steps never settle.
	Settle *Duration `yaml:"settle,omitempty"`
}

// BatchItem is one send inside a send_concurrent step.
type BatchItem struct {
	User    string `yaml:"user"`
	Content string `yaml:"content"`
	Room    string `yaml:"room,omitempty"`
}

// Expect lists assertions on the outcome of a scenario.
type Expect struct {
	// Sends is the number of send_message commands issued.
	Sends *int `yaml:"sends,omitempty"`

	// Deliveries maps user names to the number of new_message events
	// they must have received.
	Deliveries map[string]int `yaml:"deliveries,omitempty"`

	// Receives lists messages a user must have received.
	Receives []ContentExpectation `yaml:"receives,omitempty"`

	// NotReceives lists messages a user must not have received.
	NotReceives []ContentExpectation `yaml:"not_receives,omitempty"`
}

// ContentExpectation names a user and a message content.
type ContentExpectation struct {
	User    string `yaml:"user"`
	Content string `yaml:"content"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "step:" vs "steps:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	if s.Expect != nil {
		for i, c := range s.Expect.Receives {
			if c.User == "" {
				return fmt.Errorf("expect.receives[%d]: user is required", i)
			}
		}
		for i, c := range s.Expect.NotReceives {
			if c.User == "" {
				return fmt.Errorf("expect.not_receives[%d]: user is required", i)
			}
		}
	}
	return nil
}

// validateStep validates a single step based on its action.
func validateStep(index int, st *Step) error {
	if st.Settle != nil && *st.Settle < 0 {
		return fmt.Errorf("steps[%d]: settle must not be negative", index)
	}

	switch st.Action {
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	case ActionConnectAll:
	case ActionConnect, ActionDisconnect:
		if st.User == "" {
			return fmt.Errorf("steps[%d]: user is required for %s", index, st.Action)
		}
	case ActionJoin, ActionLeave:
		if st.User == "" || st.Room == "" {
			return fmt.Errorf("steps[%d]: user and room are required for %s", index, st.Action)
		}
	case ActionSend:
		if st.User == "" {
			return fmt.Errorf("steps[%d]: user is required for send", index)
		}
		if st.Content == "" {
			return fmt.Errorf("steps[%d]: content is required for send", index)
		}
	case ActionSendConcurrent:
		if len(st.Batch) == 0 {
			return fmt.Errorf("steps[%d]: batch is required for send_concurrent", index)
		}
		rooms := make(map[string]string)
		for j, item := range st.Batch {
			if item.User == "" || item.Content == "" {
				return fmt.Errorf("steps[%d].batch[%d]: user and content are required", index, j)
			}
			if prev, ok := rooms[item.User]; ok && prev != item.Room {
				return fmt.Errorf("steps[%d].batch[%d]: all sends by %s in one batch must target the same room", index, j, item.User)
			}
			rooms[item.User] = item.Room
		}
	case ActionWait:
		if st.Duration <= 0 {
			return fmt.Errorf("steps[%d]: duration is required for wait", index)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}
	return nil
}

// Users returns every user name the scenario refers to, in first-use order.
func (s *Scenario) Users() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, st := range s.Steps {
		add(st.User)
		for _, item := range st.Batch {
			add(item.User)
		}
	}
	if s.Expect != nil {
		for name := range s.Expect.Deliveries {
			add(name)
		}
		for _, c := range s.Expect.Receives {
			add(c.User)
		}
		for _, c := range s.Expect.NotReceives {
			add(c.User)
		}
	}
	return out
}
