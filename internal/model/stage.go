package model

import (
	"fmt"
	"sort"
	"strings"
)

type StageConfig struct {
	Number   int    `yaml:"number"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Command  string `yaml:"command"`
	Previous *int   `yaml:"previous,omitempty"`
}

// StageTable is the static stage number → (priority, command, previous) mapping.
type StageTable struct {
	stages     map[int]StageConfig
	successors map[int][]int
}

func NewStageTable(stages []StageConfig) (*StageTable, error) {
	t := &StageTable{
		stages:     make(map[int]StageConfig, len(stages)),
		successors: make(map[int][]int),
	}
	for _, s := range stages {
		if _, dup := t.stages[s.Number]; dup {
			return nil, fmt.Errorf("duplicate stage %d", s.Number)
		}
		if strings.TrimSpace(s.Command) == "" {
			return nil, fmt.Errorf("stage %d: empty command", s.Number)
		}
		t.stages[s.Number] = s
	}
	for _, s := range stages {
		if s.Previous == nil {
			continue
		}
		if _, ok := t.stages[*s.Previous]; !ok {
			return nil, fmt.Errorf("stage %d: previous stage %d is not defined", s.Number, *s.Previous)
		}
		t.successors[*s.Previous] = append(t.successors[*s.Previous], s.Number)
	}
	for k := range t.successors {
		sort.Ints(t.successors[k])
	}
	return t, nil
}

func (t *StageTable) Lookup(stage int) (StageConfig, bool) {
	s, ok := t.stages[stage]
	return s, ok
}

// Previous returns the prerequisite stage of the given stage.
func (t *StageTable) Previous(stage int) (int, bool) {
	s, ok := t.stages[stage]
	if !ok || s.Previous == nil {
		return 0, false
	}
	return *s.Previous, true
}

// Successors returns the stages whose previous stage is the given one.
func (t *StageTable) Successors(stage int) []int {
	return t.successors[stage]
}

func (t *StageTable) Name(stage int) string {
	if s, ok := t.stages[stage]; ok && s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("stage-%d", stage)
}

// Render substitutes {P} and {V} into the stage's command template.
func (t *StageTable) Render(stage int, proposalID, visitArg string) (string, error) {
	s, ok := t.stages[stage]
	if !ok {
		return "", fmt.Errorf("stage %d is not defined", stage)
	}
	cmd := strings.ReplaceAll(s.Command, "{P}", proposalID)
	cmd = strings.ReplaceAll(cmd, "{V}", visitArg)
	return cmd, nil
}

func intPtr(n int) *int { return &n }

// DefaultStages is the HST pipeline task sequence. Downstream stages carry more
// urgent priorities so proposals already in flight drain before new ones start.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{Number: 0, Name: "query_hst_moving_targets", Priority: 10,
			Command: "query_hst_moving_targets/query_hst_moving_targets.py --prog-id {P} --tq"},
		{Number: 1, Name: "query_hst_products", Priority: 9, Previous: intPtr(0),
			Command: "query_hst_products/query_hst_products.py --prog-id {P} --tq"},
		{Number: 2, Name: "get_program_info", Priority: 8, Previous: intPtr(1),
			Command: "get_program_info/get_program_info.py --prog-id {P} --tq"},
		{Number: 3, Name: "update_hst_program", Priority: 7, Previous: intPtr(2),
			Command: "update_hst_program/update_hst_program.py --prog-id {P} --vi {V} --tq"},
		{Number: 4, Name: "retrieve_hst_visit", Priority: 6, Previous: intPtr(3),
			Command: "retrieve_hst_visit/retrieve_hst_visit.py --prog-id {P} --vi {V} --tq"},
		{Number: 5, Name: "label_hst_products", Priority: 5, Previous: intPtr(4),
			Command: "label_hst_products/label_hst_products.py --prog-id {P} --vi {V} --tq"},
		{Number: 6, Name: "prepare_browse_products", Priority: 4, Previous: intPtr(5),
			Command: "prepare_browse_products/prepare_browse_products.py --prog-id {P} --vi {V} --tq"},
		{Number: 7, Name: "update_hst_visit", Priority: 3, Previous: intPtr(6),
			Command: "update_hst_visit/update_hst_visit.py --prog-id {P} --vi {V} --tq"},
		{Number: 8, Name: "finalize_hst_bundle", Priority: 2, Previous: intPtr(7),
			Command: "finalize_hst_bundle/finalize_hst_bundle.py --prog-id {P} --tq"},
	}
}
