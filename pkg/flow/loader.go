package flow

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/storage"
)

// DeployFromFile loads a definition JSON document from a file and deploys it.
func (engine *Engine) DeployFromFile(ctx context.Context, filename string) (*runtime.ProcessDefinition, error) {
	jsonData, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load from file: %w", err)
	}
	return engine.DeployDefinition(ctx, jsonData)
}

// DeployDefinition parses, validates and stores a process definition posted
// as JSON. Re-deploying unchanged content returns the already stored version;
// changed content is stored as a new version of the same definition id.
// Might return DefinitionValidationError for malformed graphs.
func (engine *Engine) DeployDefinition(ctx context.Context, jsonData []byte) (*runtime.ProcessDefinition, error) {
	md5sum := md5.Sum(jsonData)
	var definition runtime.ProcessDefinition
	if err := json.Unmarshal(jsonData, &definition); err != nil {
		return nil, &DefinitionValidationError{Msg: "failed to unmarshal definition json", Err: err}
	}

	// a document that does not mention is_active deploys as active;
	// deactivation has to be asked for explicitly
	var flags struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.Unmarshal(jsonData, &flags); err == nil && flags.IsActive == nil {
		definition.IsActive = true
	}

	if err := validateDefinition(&definition); err != nil {
		return nil, err
	}

	definition.Version = 1
	versions, err := engine.persistence.FindDefinitionsById(ctx, definition.DefinitionId)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load versions of definition %s: %w", definition.DefinitionId, err)
	}
	if len(versions) > 0 {
		latest := versions[len(versions)-1]
		if latest.Checksum == md5sum {
			return &latest, nil
		}
		definition.Version = latest.Version + 1
	}

	definition.Key = engine.generateKey()
	definition.Checksum = md5sum
	definition.CreatedAt = engine.now()

	err = engine.persistence.SaveDefinition(ctx, definition)
	if err != nil {
		return nil, fmt.Errorf("failed to save definition %s v%d: %w", definition.DefinitionId, definition.Version, err)
	}
	return &definition, nil
}

// validateDefinition rejects malformed graphs before they are stored, so the
// run time never has to interpret a definition that cannot execute.
func validateDefinition(definition *runtime.ProcessDefinition) error {
	if definition.DefinitionId == "" {
		return &DefinitionValidationError{Msg: "definition_id is required"}
	}
	if definition.EntityType == "" {
		return &DefinitionValidationError{Msg: "entity_type is required"}
	}
	if len(definition.Nodes) == 0 {
		return &DefinitionValidationError{Msg: "definition has no nodes"}
	}

	if _, err := definition.StartNode(); err != nil {
		return &DefinitionValidationError{Msg: "invalid start node", Err: err}
	}

	nodeIds := make(map[string]struct{}, len(definition.Nodes))
	for _, node := range definition.Nodes {
		if node.Id == "" {
			return &DefinitionValidationError{Msg: "node without id"}
		}
		if _, exists := nodeIds[node.Id]; exists {
			return &DefinitionValidationError{Msg: fmt.Sprintf("duplicate node id %q", node.Id)}
		}
		nodeIds[node.Id] = struct{}{}
		switch node.Type {
		case runtime.NodeTypeStart, runtime.NodeTypeEnd, runtime.NodeTypeTask,
			runtime.NodeTypeGatewayXor, runtime.NodeTypeGatewayAnd, runtime.NodeTypeGatewayOr:
		default:
			return &DefinitionValidationError{Msg: fmt.Sprintf("node %q has unknown type %q", node.Id, node.Type)}
		}
	}

	for _, edge := range definition.Edges {
		if _, ok := nodeIds[edge.Source]; !ok {
			return &DefinitionValidationError{Msg: fmt.Sprintf("edge %q references unknown source node %q", edge.Id, edge.Source)}
		}
		if _, ok := nodeIds[edge.Target]; !ok {
			return &DefinitionValidationError{Msg: fmt.Sprintf("edge %q references unknown target node %q", edge.Id, edge.Target)}
		}
		if edge.Condition != "" {
			if err := validateConditionSyntax(edge.Condition); err != nil {
				return &DefinitionValidationError{Msg: fmt.Sprintf("edge %q has an invalid condition", edge.Id), Err: err}
			}
		}
	}

	for _, rule := range definition.EscalationRules {
		if rule.NodeId == escalationWildcard {
			continue
		}
		if _, ok := nodeIds[rule.NodeId]; !ok {
			return &DefinitionValidationError{Msg: fmt.Sprintf("escalation rule references unknown node %q", rule.NodeId)}
		}
	}

	for nodeId := range definition.SLAConfig {
		if _, ok := nodeIds[nodeId]; !ok {
			return &DefinitionValidationError{Msg: fmt.Sprintf("sla_config references unknown node %q", nodeId)}
		}
	}
	return nil
}
