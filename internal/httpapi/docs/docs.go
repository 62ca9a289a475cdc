// Package docs registers the OpenAPI description of the HTTP API with swag.
// Regenerate with `swag init -g cmd/gpusched/docs.go -o internal/httpapi/docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/tasks": {
            "get": {"tags": ["tasks"], "summary": "List tasks", "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "status", "in": "query"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.TaskListResponse"}}}},
            "post": {"tags": ["tasks"], "summary": "Submit a task", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"name": "task", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.SubmitRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/types.SubmitResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}
        },
        "/v1/tasks/{id}": {
            "get": {"tags": ["tasks"], "summary": "Task status", "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.TaskStatusResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}},
            "delete": {"tags": ["tasks"], "summary": "Cancel a task", "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.CancelResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.CancelResponse"}}}}
        },
        "/v1/stats": {
            "get": {"tags": ["system"], "summary": "Scheduler statistics", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatsResponse"}}}}
        },
        "/v1/devices": {
            "get": {"tags": ["devices"], "summary": "List devices", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DevicesResponse"}}}}
        }
    },
    "definitions": {
        "types.SubmitRequest": {"type": "object", "properties": {
            "task_id": {"type": "string"}, "priority": {"type": "integer"}, "memory_mb": {"type": "integer"},
            "expected_duration_sec": {"type": "number"}, "callback_url": {"type": "string"}, "payload": {"type": "object"}}},
        "types.SubmitResponse": {"type": "object", "properties": {
            "task_id": {"type": "string"}, "status": {"type": "string"}, "gpu_id": {"type": "string"},
            "queue_position": {"type": "integer"}, "estimated_completion": {"type": "string"}}},
        "types.TaskStatusResponse": {"type": "object", "properties": {
            "task_id": {"type": "string"}, "status": {"type": "string"}, "gpu_id": {"type": "string"},
            "progress": {"type": "number"}, "result": {"type": "object"}, "error": {"type": "string"},
            "error_kind": {"type": "string"}, "retry_count": {"type": "integer"}}},
        "types.TaskListResponse": {"type": "object", "properties": {
            "tasks": {"type": "array", "items": {"$ref": "#/definitions/types.TaskStatusResponse"}}}},
        "types.CancelResponse": {"type": "object", "properties": {
            "task_id": {"type": "string"}, "status": {"type": "string"}, "message": {"type": "string"}}},
        "types.StatsResponse": {"type": "object", "properties": {
            "total": {"type": "integer"}, "succeeded": {"type": "integer"}, "failed": {"type": "integer"},
            "cancelled": {"type": "integer"}, "retried": {"type": "integer"}, "running": {"type": "integer"},
            "avg_latency_ms": {"type": "number"}, "queued": {"type": "integer"}, "uptime_seconds": {"type": "integer"}}},
        "types.DevicesResponse": {"type": "object", "properties": {
            "devices": {"type": "array", "items": {"type": "object"}}}},
        "types.ErrorResponse": {"type": "object", "properties": {
            "error": {"type": "string"}, "code": {"type": "integer"}, "kind": {"type": "string"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "gpusched API",
	Description:      "GPU-aware admission control, scheduling and task lifecycle.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
