// Package scenario loads the fixed, ordered step sequence every framework
// is driven through.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Step struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Len is the configured step count N.
func (s *Scenario) Len() int { return len(s.Steps) }

// Command returns the command text for 1-based step number n.
func (s *Scenario) Command(n int) string {
	return s.Steps[n-1].Command
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		st.Command = strings.TrimSpace(st.Command)
		if st.Command == "" {
			return nil, fmt.Errorf("scenario step %d: command is required", i+1)
		}
		if st.Name == "" {
			st.Name = fmt.Sprintf("step-%d", i+1)
		}
	}
	return &s, nil
}
