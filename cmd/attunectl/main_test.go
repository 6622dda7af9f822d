package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHistoryCommandRendersYAML(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"directions":[{"direction":{"guesser_id":"alice","state":"READY"}}]}`))
	}))
	defer srv.Close()

	serverURL, token, jsonOutput = srv.URL, "secret", false
	historyGuesser = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"history", "s-42", "--server", srv.URL, "--token", "secret"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotPath != "/internal/sessions/s-42/history" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(out.String(), "state: READY") {
		t.Errorf("output is not YAML:\n%s", out.String())
	}
}

func TestCallReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	serverURL = srv.URL
	if _, err := call(t.Context(), http.MethodPost, "/internal/sweep"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want 401 error", err)
	}
}

func TestRenderJSON(t *testing.T) {
	jsonOutput = true
	defer func() { jsonOutput = false }()

	var out bytes.Buffer
	if err := render(&out, map[string]int{"restarted": 2}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"restarted": 2`) {
		t.Errorf("output = %s", out.String())
	}
}
