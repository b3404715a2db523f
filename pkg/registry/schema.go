package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// manifestSchema is the structural contract for a BASIS manifest at
// registration. Semantic checks (semver, capability levels) run after
// the schema pass.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion", "agent", "capabilities"],
  "properties": {
    "schemaVersion": {"type": "string", "minLength": 1},
    "agent": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": {"type": "string", "minLength": 1, "maxLength": 128},
        "version": {"type": "string", "minLength": 1},
        "description": {"type": "string", "maxLength": 2048}
      }
    },
    "capabilities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["code", "level"],
        "properties": {
          "code": {"type": "string", "minLength": 1},
          "level": {"type": "integer", "minimum": 1, "maximum": 10},
          "scope": {"type": "string"},
          "conditions": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "constraints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "rule", "action"],
        "properties": {
          "type": {"enum": ["resource", "time", "scope", "rate"]},
          "rule": {"type": "string", "minLength": 1},
          "action": {"enum": ["allow", "deny", "audit", "gate"]}
        }
      }
    },
    "metadata": {"type": "object"}
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://arbiter.schemas.local/basis/manifest.schema.json"
		if err := c.AddResource(url, strings.NewReader(manifestSchema)); err != nil {
			compileErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(url)
	})
	return compiledSchema, compileErr
}

// ValidateManifest checks a raw manifest document against the BASIS
// schema, then the semantic rules the schema cannot express.
func ValidateManifest(doc map[string]any, manifest *contracts.Manifest) error {
	schema, err := compiledManifestSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", contracts.DenialInvalidManifest, err)
	}

	if _, err := semver.NewVersion(manifest.Agent.Version); err != nil {
		return fmt.Errorf("%s: agent version %q is not semver: %w", contracts.DenialInvalidManifest, manifest.Agent.Version, err)
	}
	seen := make(map[string]struct{}, len(manifest.Capabilities))
	for _, cap := range manifest.Capabilities {
		if _, dup := seen[cap.Code]; dup {
			return fmt.Errorf("%s: duplicate capability %q", contracts.DenialInvalidManifest, cap.Code)
		}
		seen[cap.Code] = struct{}{}
	}
	return nil
}
