package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aescanero/dagci/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Workflow is a parsed workflow definition.
type Workflow struct {
	Name        string
	Path        string
	On          map[domain.EventKind]*EventFilter
	Concurrency *Concurrency
	Env         map[string]string
	Jobs        []*Job
}

// EventFilter restricts the branches an event kind fires for. An empty
// Branches list matches every branch.
type EventFilter struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
}

// Concurrency is the workflow's concurrency group template.
type Concurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

// Job is a job definition.
type Job struct {
	ID             string
	Name           string
	RunsOn         string
	Needs          []string
	Matrix         Matrix
	Env            map[string]string
	TimeoutMinutes int
	Steps          []Step
}

// Step is a step definition: exactly one of Uses or Run is set.
type Step struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Uses             string            `yaml:"uses"`
	Run              string            `yaml:"run"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	WorkingDirectory string            `yaml:"working-directory"`
	Shell            string            `yaml:"shell"`
	TimeoutMinutes   int               `yaml:"timeout-minutes"`
}

// DisplayName returns the step name, deriving one from Uses or Run.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return "Run " + s.Uses
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return "Run " + line
}

// ID returns the identifier used for concurrency keys and run records.
func (w *Workflow) ID() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Path
}

// Job returns the job with the given ID, or nil.
func (w *Workflow) Job(id string) *Job {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

type rawWorkflow struct {
	Name        string            `yaml:"name"`
	On          yaml.Node         `yaml:"on"`
	Concurrency yaml.Node         `yaml:"concurrency"`
	Env         map[string]string `yaml:"env"`
	Jobs        yaml.Node         `yaml:"jobs"`
}

type rawJob struct {
	Name     string    `yaml:"name"`
	RunsOn   yaml.Node `yaml:"runs-on"`
	Needs    yaml.Node `yaml:"needs"`
	Strategy struct {
		Matrix yaml.Node `yaml:"matrix"`
	} `yaml:"strategy"`
	Env            map[string]string `yaml:"env"`
	TimeoutMinutes int               `yaml:"timeout-minutes"`
	Steps          []Step            `yaml:"steps"`
}

// UnmarshalYAML decodes a workflow, keeping job declaration order.
func (w *Workflow) UnmarshalYAML(node *yaml.Node) error {
	var raw rawWorkflow
	if err := node.Decode(&raw); err != nil {
		return err
	}

	w.Name = raw.Name
	w.Env = raw.Env

	on, err := decodeOn(&raw.On)
	if err != nil {
		return fmt.Errorf("on: %w", err)
	}
	w.On = on

	if raw.Concurrency.Kind != 0 {
		c, err := decodeConcurrency(&raw.Concurrency)
		if err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		w.Concurrency = c
	}

	if raw.Jobs.Kind != 0 && raw.Jobs.Kind != yaml.MappingNode {
		return fmt.Errorf("jobs: expected a mapping")
	}
	for i := 0; i+1 < len(raw.Jobs.Content); i += 2 {
		id := raw.Jobs.Content[i].Value
		job, err := decodeJob(id, raw.Jobs.Content[i+1])
		if err != nil {
			return fmt.Errorf("jobs.%s: %w", id, err)
		}
		w.Jobs = append(w.Jobs, job)
	}

	return nil
}

func decodeOn(node *yaml.Node) (map[domain.EventKind]*EventFilter, error) {
	on := make(map[domain.EventKind]*EventFilter)
	switch node.Kind {
	case 0:
		return on, nil
	case yaml.ScalarNode, yaml.SequenceNode:
		kinds, err := stringList(node)
		if err != nil {
			return nil, err
		}
		for _, k := range kinds {
			on[domain.EventKind(k)] = &EventFilter{}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			kind := domain.EventKind(node.Content[i].Value)
			filter := &EventFilter{}
			value := node.Content[i+1]
			if value.Kind == yaml.MappingNode {
				if err := value.Decode(filter); err != nil {
					return nil, fmt.Errorf("%s: %w", kind, err)
				}
			}
			on[kind] = filter
		}
	default:
		return nil, fmt.Errorf("unsupported node kind")
	}
	return on, nil
}

func decodeConcurrency(node *yaml.Node) (*Concurrency, error) {
	if node.Kind == yaml.ScalarNode {
		return &Concurrency{Group: node.Value}, nil
	}
	var c Concurrency
	if err := node.Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeJob(id string, node *yaml.Node) (*Job, error) {
	var raw rawJob
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}

	runsOn, err := stringList(&raw.RunsOn)
	if err != nil {
		return nil, fmt.Errorf("runs-on: %w", err)
	}
	needs, err := stringList(&raw.Needs)
	if err != nil {
		return nil, fmt.Errorf("needs: %w", err)
	}
	matrix, err := decodeMatrix(&raw.Strategy.Matrix)
	if err != nil {
		return nil, fmt.Errorf("strategy.matrix: %w", err)
	}

	return &Job{
		ID:             id,
		Name:           raw.Name,
		RunsOn:         strings.Join(runsOn, ","),
		Needs:          needs,
		Matrix:         matrix,
		Env:            raw.Env,
		TimeoutMinutes: raw.TimeoutMinutes,
		Steps:          raw.Steps,
	}, nil
}

func decodeMatrix(node *yaml.Node) (Matrix, error) {
	var m Matrix
	switch node.Kind {
	case 0:
		return m, nil
	case yaml.MappingNode:
	default:
		return m, fmt.Errorf("expected a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if name == "include" || name == "exclude" {
			return m, fmt.Errorf("%s is not supported", name)
		}
		values, err := stringList(node.Content[i+1])
		if err != nil {
			return m, fmt.Errorf("%s: %w", name, err)
		}
		m.Dimensions = append(m.Dimensions, Dimension{Name: name, Values: values})
	}
	return m, nil
}

// stringList decodes a scalar or a sequence of scalars.
func stringList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("expected scalar values")
			}
			out = append(out, item.Value)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string or a list of strings")
}

// Parse decodes a workflow definition.
func Parse(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	return &w, nil
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	w.Path = path
	return w, nil
}

// LoadDir parses every .yml and .yaml file in dir, sorted by file name.
// Each file is an independent workflow.
func LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	workflows := make([]*Workflow, 0, len(names))
	for _, name := range names {
		w, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}
