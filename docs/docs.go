// Package docs holds the OpenAPI document of the companion's REST routes.
// Regenerate with: swag init -g cmd/companion/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/discovery/scan": {
            "get": {
                "description": "Run one port scanner, or all of them, and list the boards found",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Discovery"],
                "summary": "Scan for boards",
                "parameters": [
                    {
                        "type": "string",
                        "default": "all",
                        "description": "Scanner type (serial, usb) or all",
                        "name": "type",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "default": "10s",
                        "description": "Scan timeout as a duration",
                        "name": "timeout",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Scan completed",
                        "schema": {"$ref": "#/definitions/utils.APIResponse"}
                    },
                    "400": {
                        "description": "Unknown scanner or invalid timeout",
                        "schema": {"$ref": "#/definitions/utils.APIResponse"}
                    },
                    "500": {
                        "description": "Scan failed",
                        "schema": {"$ref": "#/definitions/utils.APIResponse"}
                    }
                }
            }
        },
        "/api/v1/discovery/scanners": {
            "get": {
                "description": "List the port scanners usable on this host",
                "produces": ["application/json"],
                "tags": ["Discovery"],
                "summary": "List scanners",
                "responses": {
                    "200": {
                        "description": "Available scanners",
                        "schema": {"$ref": "#/definitions/utils.APIResponse"}
                    }
                }
            }
        },
        "/health": {
            "get": {
                "description": "Get the companion's status including scanner availability and open ports",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Health"],
                "summary": "Health check",
                "responses": {
                    "200": {
                        "description": "Companion is healthy or degraded",
                        "schema": {"$ref": "#/definitions/handler.HealthResponse"}
                    }
                }
            }
        },
        "/live": {
            "get": {
                "description": "Check if the companion is alive",
                "produces": ["application/json"],
                "tags": ["Health"],
                "summary": "Liveness check",
                "responses": {
                    "200": {"description": "Companion is alive"}
                }
            }
        },
        "/ready": {
            "get": {
                "description": "Check whether a port scanner is available to serve hosts",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Health"],
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Companion is ready"},
                    "503": {"description": "No port scanner available"}
                }
            }
        },
        "/stats": {
            "get": {
                "description": "List the connected hosts and the ports each one holds open",
                "produces": ["application/json"],
                "tags": ["Health"],
                "summary": "Connection statistics",
                "responses": {
                    "200": {
                        "description": "Connection statistics",
                        "schema": {"$ref": "#/definitions/utils.APIResponse"}
                    }
                }
            }
        }
    },
    "definitions": {
        "handler.CheckResult": {
            "type": "object",
            "properties": {
                "data": {"type": "object", "additionalProperties": true},
                "message": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "handler.HealthResponse": {
            "type": "object",
            "properties": {
                "checks": {
                    "type": "object",
                    "additionalProperties": {"$ref": "#/definitions/handler.CheckResult"}
                },
                "service": {"type": "string"},
                "status": {"type": "string"},
                "timestamp": {"type": "string"},
                "uptime": {"type": "string"},
                "version": {"type": "string"}
            }
        },
        "utils.APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "details": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "utils.APIResponse": {
            "type": "object",
            "properties": {
                "data": {},
                "error": {"$ref": "#/definitions/utils.APIError"},
                "message": {"type": "string"},
                "request_id": {"type": "string"},
                "success": {"type": "boolean"},
                "timestamp": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds the document's metadata; the companion sets Host at startup
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:5741",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Board Bridge Companion API",
	Description:      "Local companion that serves a machine's serial ports to hosts over WebSocket",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
