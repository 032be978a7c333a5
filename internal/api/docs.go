package api

import (
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed static/openapi.yaml
var openAPISource []byte

var apiDoc = mustLoadAPIDoc(openAPISource)

// openAPIDoc is the parsed API description. Each response points its
// servers entry at the host that served it, so "try it out" reaches the
// running instance whatever address it listens on.
type openAPIDoc struct {
	root    *yaml.Node
	Title   string
	Version string
}

func mustLoadAPIDoc(src []byte) *openAPIDoc {
	doc, err := loadAPIDoc(src)
	if err != nil {
		panic(err)
	}
	return doc
}

func loadAPIDoc(src []byte) (*openAPIDoc, error) {
	var file yaml.Node
	if err := yaml.Unmarshal(src, &file); err != nil {
		return nil, fmt.Errorf("parse openapi: %w", err)
	}
	if file.Kind != yaml.DocumentNode || len(file.Content) == 0 || file.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("parse openapi: top level is not a mapping")
	}
	var head struct {
		Info struct {
			Title   string `yaml:"title"`
			Version string `yaml:"version"`
		} `yaml:"info"`
	}
	if err := file.Decode(&head); err != nil {
		return nil, fmt.Errorf("parse openapi info: %w", err)
	}
	return &openAPIDoc{root: file.Content[0], Title: head.Info.Title, Version: head.Info.Version}, nil
}

// forServer renders the document with a single servers entry.
func (d *openAPIDoc) forServer(serverURL string) ([]byte, error) {
	servers := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: []*yaml.Node{{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: "url"},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: serverURL},
		},
	}}}

	top := *d.root
	top.Content = append([]*yaml.Node(nil), d.root.Content...)
	replaced := false
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "servers" {
			top.Content[i+1] = servers
			replaced = true
		}
	}
	if !replaced {
		top.Content = append(top.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "servers"}, servers)
	}
	return yaml.Marshal(&top)
}

// requestOrigin honours X-Forwarded-Proto from a fronting proxy.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// Swagger UI cannot consume the streaming routes, so it only submits GETs.
var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>{{.Title}} {{.Version}}</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css" />
  <style>
    body { margin: 0; background: #f4f6f8; }
    #swagger-ui { box-sizing: border-box; }
  </style>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>
window.onload = () => {
  SwaggerUIBundle({
    url: '/openapi.yaml',
    dom_id: '#swagger-ui',
    presets: [SwaggerUIBundle.presets.apis],
    supportedSubmitMethods: ['get'],
    deepLinking: true
  });
};
</script>
</body>
</html>`))

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	body, err := apiDoc.forServer(requestOrigin(r))
	if err != nil {
		s.logger.Error("render openapi failed", "error", err)
		writeError(w, http.StatusInternalServerError, "openapi document unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(body)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsPage.Execute(w, apiDoc); err != nil {
		s.logger.Warn("render docs failed", "error", err)
	}
}
