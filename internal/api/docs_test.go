package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type servedDoc struct {
	Info struct {
		Title string `yaml:"title"`
	} `yaml:"info"`
	Servers []struct {
		URL string `yaml:"url"`
	} `yaml:"servers"`
	Paths map[string]any `yaml:"paths"`
}

func TestOpenAPIPointsAtServingHost(t *testing.T) {
	env := newTestEnv(t, 1, false)

	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	req.Host = "sync.example:8080"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var doc servedDoc
	require.NoError(t, yaml.Unmarshal(rr.Body.Bytes(), &doc))
	require.Equal(t, "shelfsync API", doc.Info.Title)
	require.Len(t, doc.Servers, 1)
	require.Equal(t, "https://sync.example:8080", doc.Servers[0].URL)
	require.Contains(t, doc.Paths, "/api/sync")
	require.Contains(t, doc.Paths, "/api/sync/events")
}

func TestOpenAPIReplacesExistingServers(t *testing.T) {
	doc, err := loadAPIDoc([]byte("openapi: 3.0.3\ninfo:\n  title: t\n  version: \"2\"\nservers:\n  - url: http://old\n  - url: http://older\n"))
	require.NoError(t, err)
	require.Equal(t, "2", doc.Version)

	out, err := doc.forServer("http://new")
	require.NoError(t, err)
	var served servedDoc
	require.NoError(t, yaml.Unmarshal(out, &served))
	require.Len(t, served.Servers, 1)
	require.Equal(t, "http://new", served.Servers[0].URL)

	again, err := doc.forServer("http://other")
	require.NoError(t, err)
	require.NotContains(t, string(again), "http://new", "rendering must not mutate the parsed document")
}

func TestLoadAPIDocRejectsNonMapping(t *testing.T) {
	_, err := loadAPIDoc([]byte("- just\n- a list\n"))
	require.Error(t, err)
	_, err = loadAPIDoc([]byte("openapi: [\n"))
	require.Error(t, err)
}

func TestDocsPageNamesAPIVersion(t *testing.T) {
	env := newTestEnv(t, 1, false)

	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "<title>shelfsync API 1.0.0</title>")
	require.Contains(t, rr.Body.String(), "supportedSubmitMethods: ['get']")
}
