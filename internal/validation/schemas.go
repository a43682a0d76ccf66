package validation

const (
	settingsSchemaURL  = "https://nodeflow.dev/schemas/settings.json"
	interruptSchemaURL = "https://nodeflow.dev/schemas/interrupt.json"
)

// settingsSchemaJSON describes ~/.nodeflow/settings.yaml.
const settingsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/settings.json",
  "type": "object",
  "properties": {
    "db_driver": { "type": "string", "enum": ["libsql", "postgres"] },
    "db_path": { "type": "string", "minLength": 1 },
    "database_url": { "type": "string" },
    "log_level": { "type": "string", "enum": ["debug", "info", "warn", "error"] },
    "timeout_scan_schedule": { "type": "string", "minLength": 1 },
    "timeout_workers": { "type": "integer", "minimum": 1 },
    "timeout_query": { "type": "string", "minLength": 1 },
    "default_timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "mqtt_url": { "type": "string" },
    "mqtt_client_id": { "type": "string" },
    "mqtt_topic_prefix": { "type": "string" },
    "metrics_addr": { "type": "string" },
    "rollup_rules": {
      "type": "array",
      "items": { "$ref": "#/$defs/rollup_rule" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "rollup_rule": {
      "type": "object",
      "required": ["when", "status"],
      "properties": {
        "group": { "type": "string" },
        "when": { "type": "string", "minLength": 1 },
        "status": {
          "type": "string",
          "enum": ["SUCCEEDED", "FAILED", "ERRORED", "ABORTED", "EXPIRED", "SKIPPED", "IGNORE_FAILED", "APPROVAL_REJECTED"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// interruptSchemaJSON describes interrupt packages arriving from outside the
// process. ROLLUP is internal and not accepted here.
const interruptSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/interrupt.json",
  "type": "object",
  "required": ["plan_execution_id", "interrupt_type"],
  "properties": {
    "plan_execution_id": { "type": "string", "minLength": 1 },
    "node_execution_id": { "type": "string" },
    "interrupt_type": {
      "type": "string",
      "enum": ["ABORT", "ABORT_ALL", "MARK_EXPIRED", "MARK_FAILED", "MARK_SUCCESS", "RETRY"]
    },
    "source": { "type": "string" },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false
}`
