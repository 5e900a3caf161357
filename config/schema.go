package config

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// declarationSchema validates the user declaration before expansion. The
// class-specific property sets are closed (additionalProperties false) so
// typos surface as schema violations instead of silently ignored fields.
// The consumer definition is the exception: it is open
// (additionalProperties true) and accepts keys beyond the listed ones.
const declarationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Telemetry declaration",
  "type": "object",
  "required": ["class"],
  "properties": {
    "class": {"const": "Telemetry"},
    "schemaVersion": {"type": "string"},
    "$schema": {"type": "string"}
  },
  "additionalProperties": {"$ref": "#/definitions/namedObject"},
  "definitions": {
    "namedObject": {
      "type": "object",
      "required": ["class"],
      "oneOf": [
        {"$ref": "#/definitions/controls"},
        {"$ref": "#/definitions/namespace"},
        {"$ref": "#/definitions/system"},
        {"$ref": "#/definitions/systemPoller"},
        {"$ref": "#/definitions/iHealthPoller"},
        {"$ref": "#/definitions/endpoints"},
        {"$ref": "#/definitions/listener"},
        {"$ref": "#/definitions/consumer"},
        {"$ref": "#/definitions/pullConsumer"}
      ]
    },
    "namespacedObject": {
      "type": "object",
      "required": ["class"],
      "oneOf": [
        {"$ref": "#/definitions/system"},
        {"$ref": "#/definitions/systemPoller"},
        {"$ref": "#/definitions/iHealthPoller"},
        {"$ref": "#/definitions/endpoints"},
        {"$ref": "#/definitions/listener"},
        {"$ref": "#/definitions/consumer"},
        {"$ref": "#/definitions/pullConsumer"}
      ]
    },
    "enable": {"type": "boolean"},
    "trace": {
      "oneOf": [
        {"type": "boolean"},
        {"type": "string"},
        {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "type": {"enum": ["input", "output"]},
              "path": {"type": "string"},
              "maxRecords": {"type": "integer", "minimum": 1},
              "encoding": {"type": "string"}
            },
            "required": ["type"],
            "additionalProperties": false
          }
        }
      ]
    },
    "secret": {
      "oneOf": [
        {"type": "string"},
        {
          "type": "object",
          "properties": {
            "class": {"const": "Secret"},
            "protected": {"type": "string"},
            "cipherText": {"type": "string"}
          },
          "required": ["cipherText"],
          "additionalProperties": false
        }
      ]
    },
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "enable": {"type": "boolean"},
          "setTag": {"type": "object"},
          "includeData": {"type": "array", "items": {"type": "string"}},
          "excludeData": {"type": "array", "items": {"type": "string"}},
          "expression": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "controls": {
      "type": "object",
      "properties": {
        "class": {"const": "Controls"},
        "logLevel": {"enum": ["verbose", "debug", "info", "error"]},
        "debug": {"type": "boolean"},
        "memoryThresholdPercent": {"type": "integer", "minimum": 1, "maximum": 100}
      },
      "required": ["class"],
      "additionalProperties": false
    },
    "namespace": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_Namespace"}
      },
      "required": ["class"],
      "additionalProperties": {"$ref": "#/definitions/namespacedObject"}
    },
    "endpointItem": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "path": {"type": "string"},
        "enable": {"type": "boolean"},
        "numericalEnums": {"type": "boolean"}
      },
      "required": ["path"],
      "additionalProperties": false
    },
    "system": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_System"},
        "enable": {"$ref": "#/definitions/enable"},
        "trace": {"$ref": "#/definitions/trace"},
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "protocol": {"enum": ["http", "https"]},
        "allowSelfSignedCert": {"type": "boolean"},
        "username": {"type": "string"},
        "passphrase": {"$ref": "#/definitions/secret"},
        "systemPoller": {
          "oneOf": [
            {"type": "string"},
            {"$ref": "#/definitions/inlinePoller"},
            {"type": "array", "items": {
              "oneOf": [
                {"type": "string"},
                {"$ref": "#/definitions/inlinePoller"}
              ]
            }}
          ]
        },
        "iHealthPoller": {"type": "string"}
      },
      "required": ["class"],
      "additionalProperties": false
    },
    "inlinePoller": {
      "type": "object",
      "properties": {
        "interval": {"type": "integer", "minimum": 0},
        "endpointList": {},
        "actions": {"$ref": "#/definitions/actions"},
        "tag": {"type": "object"},
        "noTMStats": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "systemPoller": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_System_Poller"},
        "enable": {"$ref": "#/definitions/enable"},
        "trace": {"$ref": "#/definitions/trace"},
        "interval": {"type": "integer", "minimum": 0},
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "protocol": {"enum": ["http", "https"]},
        "allowSelfSignedCert": {"type": "boolean"},
        "username": {"type": "string"},
        "passphrase": {"$ref": "#/definitions/secret"},
        "endpointList": {},
        "actions": {"$ref": "#/definitions/actions"},
        "tag": {"type": "object"},
        "noTMStats": {"type": "boolean"}
      },
      "required": ["class"],
      "additionalProperties": false
    },
    "iHealthPoller": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_iHealth_Poller"},
        "enable": {"$ref": "#/definitions/enable"},
        "trace": {"$ref": "#/definitions/trace"},
        "interval": {"type": "integer", "minimum": 0},
        "username": {"type": "string"},
        "passphrase": {"$ref": "#/definitions/secret"},
        "downloadFolder": {"type": "string"}
      },
      "required": ["class"],
      "additionalProperties": false
    },
    "endpoints": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_Endpoints"},
        "enable": {"$ref": "#/definitions/enable"},
        "basePath": {"type": "string"},
        "items": {
          "type": "object",
          "additionalProperties": {"$ref": "#/definitions/endpointItem"}
        }
      },
      "required": ["class", "items"],
      "additionalProperties": false
    },
    "listener": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_Listener"},
        "enable": {"$ref": "#/definitions/enable"},
        "trace": {"$ref": "#/definitions/trace"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "match": {"type": "string"},
        "tag": {"type": "object"},
        "actions": {"$ref": "#/definitions/actions"}
      },
      "required": ["class"],
      "additionalProperties": false
    },
    "consumer": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_Consumer"},
        "enable": {"$ref": "#/definitions/enable"},
        "trace": {"$ref": "#/definitions/trace"},
        "type": {"type": "string"},
        "actions": {"$ref": "#/definitions/actions"}
      },
      "required": ["class", "type"],
      "additionalProperties": true
    },
    "pullConsumer": {
      "type": "object",
      "properties": {
        "class": {"const": "Telemetry_Pull_Consumer"},
        "enable": {"$ref": "#/definitions/enable"},
        "trace": {"$ref": "#/definitions/trace"},
        "type": {"type": "string"},
        "systemPoller": {
          "oneOf": [
            {"type": "string"},
            {"type": "array", "items": {"type": "string"}, "minItems": 1}
          ]
        }
      },
      "required": ["class", "type", "systemPoller"],
      "additionalProperties": false
    }
  }
}`

// compiledSchema is built once at startup.
var compiledSchema = mustCompileSchema()

func mustCompileSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(declarationSchema))
	if err != nil {
		panic("declaration schema does not compile: " + err.Error())
	}
	return schema
}

// validateDeclaration runs schema validation and converts violations into
// a ValidationError.
func validateDeclaration(raw map[string]any) error {
	result, err := compiledSchema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return errors.NewValidationError("declaration is not valid JSON: " + err.Error())
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		details = append(details, violation.String())
	}
	return errors.NewValidationError("declaration rejected", details...)
}
