package logtrust

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/multierr"
)

const configSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "definitions": {
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "keySize": {"type": "integer", "enum": [128, 192, 256]},
    "flag": {"type": "string", "enum": [
      "ALLOW_UNKNOWN_LOGGERS", "ALLOW_BULK_LOG_REQUEST", "IMMEDIATE_FLUSH", "ALLOW_UNKNOWN_CLIENTS",
      "ALLOW_INSECURE_CONNECTION", "COMPRESSION", "ENABLE_CLI", "REQUIRES_TIMESTAMP"]},
    "flags": {"type": "array", "items": {"$ref": "#/definitions/flag"}, "uniqueItems": true},
    "template": {"type": "string", "minLength": 1},
    "logger": {
      "type": "object",
      "properties": {
        "flags": {"$ref": "#/definitions/flags"},
        "rotation_freq": {"type": "string", "enum": [
          "NEVER", "HOURLY", "SIX_HOURS", "TWELVE_HOURS", "DAILY", "WEEKLY", "MONTHLY", "YEARLY"]},
        "archived_log_directory": {"$ref": "#/definitions/template"},
        "archived_log_filename": {"$ref": "#/definitions/template"},
        "archived_log_compressed_filename": {"$ref": "#/definitions/template"},
        "configuration_file": {"type": "string"},
        "user": {"type": "string"}
      }
    },
    "client": {
      "type": "object",
      "required": ["client_id", "public_key"],
      "properties": {
        "client_id": {"type": "string", "minLength": 1},
        "public_key": {"type": "string", "minLength": 1},
        "key_size": {"$ref": "#/definitions/keySize"},
        "loggers": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
        "default_logger": {"type": "string"},
        "user": {"type": "string"}
      }
    }
  },
  "properties": {
    "admin_port": {"$ref": "#/definitions/port"},
    "connect_port": {"$ref": "#/definitions/port"},
    "logging_port": {"$ref": "#/definitions/port"},
    "flags": {"$ref": "#/definitions/flags"},
    "default_key_size": {"$ref": "#/definitions/keySize"},
    "key_sizes": {"type": "object", "additionalProperties": {"$ref": "#/definitions/keySize"}},
    "client_age": {"type": "integer", "anyOf": [{"const": 0}, {"minimum": 120}]},
    "non_acknowledged_client_age": {"type": "integer", "minimum": 120},
    "client_integrity_task_interval": {"type": "integer", "minimum": 60},
    "timestamp_validity": {"type": "integer", "minimum": 30},
    "dispatch_delay": {"type": "integer", "minimum": 1, "maximum": 500},
    "max_items_in_bulk": {"type": "integer", "minimum": 2, "maximum": 100},
    "file_mode": {"anyOf": [
      {"type": "integer", "minimum": 0, "maximum": 511},
      {"type": "string", "pattern": "^0?[0-7]{3}$"}]},
    "archived_log_directory": {"$ref": "#/definitions/template"},
    "archived_log_filename": {"$ref": "#/definitions/template"},
    "archived_log_compressed_filename": {"$ref": "#/definitions/template"},
    "loggers": {"type": "object", "additionalProperties": {"$ref": "#/definitions/logger"}},
    "blacklist": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "known_clients": {"type": "array", "items": {"$ref": "#/definitions/client"}},
    "known_clients_endpoint": {"type": "string", "format": "uri"},
    "known_loggers_endpoint": {"type": "string", "format": "uri"},
    "extensions": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "extension_config": {"type": "object", "additionalProperties": {"type": "object"}},
    "server_key": {"type": "string", "pattern": "^([0-9a-fA-F]{32}|[0-9a-fA-F]{48}|[0-9a-fA-F]{64})$"},
    "server_rsa_public_key": {"type": "string"},
    "server_rsa_private_key": {"type": "string"},
    "server_rsa_secret": {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func configSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchemaJSON))
	})
	return schema, schemaErr
}

// validateSchema checks the shape of a syntactically valid document and
// returns one error per violation.
func validateSchema(data []byte) error {
	sch, err := configSchema()
	if err != nil {
		return fmt.Errorf("compile configuration schema: %w", err)
	}
	res, err := sch.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}
	if res.Valid() {
		return nil
	}
	var errs error
	for _, re := range res.Errors() {
		errs = multierr.Append(errs, fmt.Errorf("%s: %s", re.Field(), re.Description()))
	}
	return errs
}
