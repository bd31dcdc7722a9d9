package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// DefaultOpenAPIPath is where the API description is read from.
const DefaultOpenAPIPath = "docs/openapi.yaml"

const redocPage = `<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>NeuroIA Lab API</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>body{margin:0;padding:0;} .redoc-wrap{height:100vh;}</style>
  </head>
  <body>
    <div id="redoc-container" class="redoc-wrap"></div>
    <script src="https://cdn.jsdelivr.net/npm/redoc/bundles/redoc.standalone.js"></script>
    <script>
      Redoc.init('/api/openapi.yaml', {}, document.getElementById('redoc-container'))
    </script>
  </body>
</html>`

// DocsHandler serves the OpenAPI description and a ReDoc page for it.
type DocsHandler struct {
	SpecPath string
}

func (h *DocsHandler) openapi(c echo.Context) error {
	path := h.SpecPath
	if path == "" {
		path = DefaultOpenAPIPath
	}
	return c.File(path)
}

func (h *DocsHandler) page(c echo.Context) error {
	return c.HTML(http.StatusOK, redocPage)
}
