package stagegraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type graphDefinition struct {
	Name   string            `yaml:"name"`
	Stages []stageDefinition `yaml:"stages"`
}

type stageDefinition struct {
	ID             string   `yaml:"id"`
	Role           string   `yaml:"role"`
	DependsOn      []string `yaml:"depends_on"`
	Confirm        bool     `yaml:"confirm"`
	Scored         bool     `yaml:"scored"`
	ArtifactSchema string   `yaml:"artifact_schema"`
	Description    string   `yaml:"description"`
}

// Parse builds a validated Graph from a YAML definition.
func Parse(data []byte) (*Graph, error) {
	var def graphDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse stage graph: %w", err)
	}

	nodes := make([]Node, 0, len(def.Stages))
	for _, stage := range def.Stages {
		nodes = append(nodes, Node{
			ID:                   stage.ID,
			Role:                 stage.Role,
			DependsOn:            stage.DependsOn,
			RequiresConfirmation: stage.Confirm,
			Scored:               stage.Scored,
			ArtifactSchemaPath:   stage.ArtifactSchema,
			Description:          stage.Description,
		})
	}
	return New(def.Name, nodes)
}

// LoadFile reads and parses a YAML graph definition from disk.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage graph %s: %w", path, err)
	}
	return Parse(data)
}
