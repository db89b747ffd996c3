package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

// definitionSchema is the embedded JSON schema for trustplane.yaml.
// It checks structure and enumerations; semantic rules live in Validate.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["backend"],
  "properties": {
    "version": {"type": "integer"},
    "backend": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["vault", "aws", "gcp", "azure"]},
        "address": {"type": "string"},
        "namespace": {"type": "string"},
        "timeout_ms": {"type": "integer", "minimum": 0},
        "region": {"type": "string"},
        "project": {"type": "string"},
        "vaultUrl": {"type": "string"},
        "auth": {
          "type": "object",
          "properties": {
            "method": {"enum": ["token", "approle", "kubernetes", "aws-iam"]}
          }
        }
      }
    },
    "encryption": {
      "type": "object",
      "properties": {
        "defaultKeyId": {"type": "string"},
        "strictFieldFailure": {"type": "boolean"},
        "derivation": {
          "type": "object",
          "properties": {
            "time": {"type": "integer", "minimum": 0},
            "memoryKb": {"type": "integer", "minimum": 0},
            "threads": {"type": "integer", "minimum": 0}
          }
        },
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["pattern"],
            "properties": {
              "pattern": {"type": "string", "minLength": 1},
              "keyId": {"type": "string"}
            }
          }
        }
      }
    },
    "mtls": {
      "type": "object",
      "properties": {
        "expiryThresholdDays": {"type": "integer", "minimum": 0},
        "contexts": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["certPath", "keyPath"],
            "properties": {
              "certPath": {"type": "string", "minLength": 1},
              "keyPath": {"type": "string", "minLength": 1},
              "clientAuth": {"enum": ["none", "request", "require-any", "require-verify"]}
            }
          }
        }
      }
    },
    "rotation": {
      "type": "object",
      "properties": {
        "historyLimit": {"type": "integer", "minimum": 0},
        "policies": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["type", "interval"],
            "properties": {
              "type": {"type": "string", "minLength": 1},
              "interval": {"enum": ["daily", "weekly", "monthly", "quarterly"]},
              "strategy": {"enum": ["immediate", "blue-green", "gradual"]},
              "requireApproval": {"type": "boolean"}
            }
          }
        }
      }
    },
    "breakGlass": {
      "type": "object",
      "properties": {
        "procedures": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "name", "allowedActions"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "name": {"type": "string", "minLength": 1},
              "requiredApprovals": {"type": "integer", "minimum": 0},
              "allowedActions": {
                "type": "array",
                "minItems": 1,
                "items": {
                  "type": "object",
                  "required": ["type"],
                  "properties": {
                    "type": {
                      "enum": [
                        "reveal-secret", "emergency-decrypt", "grant-access",
                        "bypass-policy", "suspend-rotation", "override-expiration"
                      ]
                    },
                    "resourcePattern": {"type": "string"}
                  }
                }
              },
              "emergencyContacts": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    },
    "notifications": {
      "type": "object",
      "properties": {
        "queueSize": {"type": "integer", "minimum": 0},
        "webhooks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["url"],
            "properties": {
              "url": {"type": "string", "minLength": 1},
              "events": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    },
    "facade": {
      "type": "object",
      "properties": {
        "maxRetries": {"type": "integer", "minimum": 0}
      }
    },
    "auditDir": {"type": "string"}
  }
}`

// validateSchema checks the raw YAML document against the embedded schema.
// Validating the document rather than the parsed struct keeps field names
// in their YAML form and catches misspelled enum values before they decay
// to zero values.
func validateSchema(raw []byte) error {
	doc, err := toJSONDocument(raw)
	if err != nil {
		return fmt.Errorf("failed to prepare configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return tperrors.ConfigError{
			Message:    "configuration failed schema validation:\n  - " + strings.Join(messages, "\n  - "),
			Suggestion: "Fix the listed fields in trustplane.yaml",
		}
	}
	return nil
}

// toJSONDocument parses the YAML bytes into a generic document the schema
// validator can walk. yaml.v3 produces map[string]interface{} for string
// keys, which round-trips cleanly through JSON.
func toJSONDocument(raw []byte) (interface{}, error) {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
