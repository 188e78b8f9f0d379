package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SMA Points API",
        "description": "Behavior-points aggregation engine",
        "version": "1.0.0"
    },
    "basePath": "/",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Points", "description": "Point application and aggregate reads"},
        {"name": "History", "description": "Behavior history log"},
        {"name": "Behaviors", "description": "Behavior catalog"},
        {"name": "Stream", "description": "Real-time aggregate change stream"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Ready"}
                }
            }
        },
        "/api/v1/points/apply": {
            "post": {
                "tags": ["Points"],
                "summary": "Apply a behavior point change",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ApplyPointChangeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Teacher not assigned to class", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Contention, retry later", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/points/{studentId}/{classId}": {
            "get": {
                "tags": ["Points"],
                "summary": "Get a student's aggregate for a class",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "classId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/points/{studentId}/{classId}/history": {
            "get": {
                "tags": ["History"],
                "summary": "List behavior history entries",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "classId", "in": "path", "required": true, "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date-time"},
                    {"name": "to", "in": "query", "type": "string", "format": "date-time"},
                    {"name": "behaviorId", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/points/{studentId}/{classId}/history/export": {
            "get": {
                "tags": ["History"],
                "summary": "Export behavior history as CSV or PDF",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "classId", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "produces": ["text/csv", "application/pdf"],
                "responses": {
                    "200": {"description": "File download"}
                }
            }
        },
        "/api/v1/points/{studentId}/{classId}/reconcile": {
            "post": {
                "tags": ["Points"],
                "summary": "Replay history and repair aggregate drift",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "classId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/points/stream/{classId}": {
            "get": {
                "tags": ["Stream"],
                "summary": "Subscribe to aggregate changes for a class (SSE)",
                "parameters": [
                    {"name": "classId", "in": "path", "required": true, "type": "string"}
                ],
                "produces": ["text/event-stream"],
                "responses": {
                    "200": {"description": "Event stream"}
                }
            }
        },
        "/api/v1/behaviors": {
            "get": {
                "tags": ["Behaviors"],
                "summary": "List behaviors for a class",
                "parameters": [
                    {"name": "classId", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "ApplyPointChangeRequest": {
            "type": "object",
            "properties": {
                "student_id": {"type": "string"},
                "class_id": {"type": "string"},
                "behavior_id": {"type": "string"},
                "idempotency_key": {"type": "string"}
            },
            "required": ["student_id", "class_id", "behavior_id", "idempotency_key"]
        },
        "StudentPointsAggregate": {
            "type": "object",
            "properties": {
                "student_id": {"type": "string"},
                "class_id": {"type": "string"},
                "total_points": {"type": "integer"},
                "positive_event_count": {"type": "integer"},
                "negative_event_count": {"type": "integer"},
                "version": {"type": "integer"},
                "last_updated_at": {"type": "string"}
            }
        },
        "BehaviorHistoryEntry": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "student_id": {"type": "string"},
                "class_id": {"type": "string"},
                "teacher_id": {"type": "string"},
                "behavior_id": {"type": "string"},
                "point_delta": {"type": "integer"},
                "previous_total": {"type": "integer"},
                "new_total": {"type": "integer"},
                "occurred_at": {"type": "string"},
                "idempotency_key": {"type": "string"}
            }
        },
        "Behavior": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "class_id": {"type": "string"},
                "label": {"type": "string"},
                "point_value": {"type": "integer"},
                "created_by": {"type": "string"},
                "created_at": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
