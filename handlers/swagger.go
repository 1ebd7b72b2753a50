package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers minimal Swagger/OpenAPI endpoints for the bridge.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(rg *gin.Engine) {
	rg.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, swaggerHTML)
	})

	rg.GET("/swagger/doc.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(swaggerJSON))
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>navibridge - Swagger</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

const swaggerJSON = `{
  "openapi": "3.0.0",
  "info": { "title": "navibridge", "version": "v0.1.0" },
  "components": { "securitySchemes": { "bearer": { "type": "http", "scheme": "bearer" } } },
  "paths": {
    "/api/v1/devices": {
      "get": { "summary": "List heating mats with mirrored power and temperature", "security": [{"bearer": []}], "responses": { "200": { "description": "devices" }, "503": { "description": "session not ready or misconfigured" } } }
    },
    "/api/v1/devices/{id}": {
      "get": { "summary": "Get one device", "parameters": [{"name":"id","in":"path","required":true,"schema":{"type":"string"}}], "responses": { "200": { "description": "device" }, "404": { "description": "unknown device" } } }
    },
    "/api/v1/devices/{id}/power": {
      "post": {
        "summary": "Turn a mat on or off",
        "parameters": [{"name":"id","in":"path","required":true,"schema":{"type":"string"}}],
        "requestBody": { "content": { "application/json": { "schema": {"type":"object","required":["on"],"properties":{"on":{"type":"boolean"}}}}}},
        "responses": { "202": { "description": "command accepted" }, "404": { "description": "unknown device" }, "502": { "description": "vendor rejected the command" } }
      }
    },
    "/api/v1/devices/{id}/temperature": {
      "post": {
        "summary": "Set both heater sides",
        "parameters": [{"name":"id","in":"path","required":true,"schema":{"type":"string"}}],
        "requestBody": { "content": { "application/json": { "schema": {"type":"object","required":["celsius"],"properties":{"celsius":{"type":"number"}}}}}},
        "responses": { "202": { "description": "command accepted" }, "400": { "description": "outside the device range or step" }, "404": { "description": "unknown device" } }
      }
    },
    "/api/v1/session": {
      "get": { "summary": "Session and broker state, without tokens", "responses": { "200": { "description": "status" } } }
    },
    "/health": { "get": { "summary": "Liveness check", "responses": { "200": { "description": "healthy" } } } },
    "/ready": { "get": { "summary": "Readiness check", "responses": { "200": { "description": "ready" }, "503": { "description": "not ready" } } } },
    "/metrics": { "get": { "summary": "Prometheus metrics", "responses": { "200": { "description": "metrics" } } } }
  }
}`
