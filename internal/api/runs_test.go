package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/kernel/kerneltest"
	"github.com/seantiz/sosmill/internal/model"
	"github.com/seantiz/sosmill/internal/notebook"
)

const sampleNotebook = `{
 "cells": [
  {"cell_type": "markdown", "metadata": {}, "source": "# Report"},
  {"cell_type": "code", "metadata": {}, "source": "print(101)", "outputs": [], "execution_count": null}
 ],
 "metadata": {"kernelspec": {"name": "sos", "display_name": "SoS"}},
 "nbformat": 4,
 "nbformat_minor": 5
}`

func hang(_ kernel.ExecuteRequest, e *kerneltest.Emitter) { e.Busy() }

func postRun(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	return resp
}

func submitRun(t *testing.T, url string) *model.Run {
	t.Helper()
	resp := postRun(t, url, `{"notebook": `+sampleNotebook+`}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, body)
	}
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &run
}

func waitForRun(t *testing.T, url, id, status string) *model.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/v1/runs/" + id)
		if err != nil {
			t.Fatalf("GET run: %v", err)
		}
		var run model.Run
		err = json.NewDecoder(resp.Body).Decode(&run)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if run.Status == status {
			return &run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %q", id, status)
	return nil
}

func TestCreateRunValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts.URL, `{"notebook": `+sampleNotebook+`, "options": {"execution_timeout": "30s"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID == "" {
		t.Error("expected non-empty ID")
	}
	if run.Engine != "sos" {
		t.Errorf("engine = %q, want sos", run.Engine)
	}
	if run.CellCount != 2 {
		t.Errorf("cell_count = %d, want 2", run.CellCount)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/runs/"+run.ID {
		t.Errorf("Location = %q", loc)
	}

	done := waitForRun(t, ts.URL, run.ID, model.StatusCompleted)
	if done.DurationMS == nil {
		t.Error("duration_ms not set")
	}
}

func TestCreateRunBadRequests(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{bad json`, "invalid JSON body"},
		{"missing notebook", `{"engine": "sos"}`, "notebook is required"},
		{"not a notebook", `{"notebook": {"cells": "nope"}}`, ""},
		{"unknown engine", `{"engine": "nope", "notebook": ` + sampleNotebook + `}`, "engine not registered"},
		{"bad duration", `{"notebook": ` + sampleNotebook + `, "options": {"iopub_timeout": "soon"}}`, "iopub_timeout"},
		{"negative duration", `{"notebook": ` + sampleNotebook + `, "options": {"start_timeout": -1}}`, "start_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, ts.URL, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.Contains(body["error"], tt.want) {
				t.Errorf("error = %q, want it to contain %q", body["error"], tt.want)
			}
		})
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/runs/nonexistent", "/v1/runs/nonexistent/notebook"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func raise(_ kernel.ExecuteRequest, e *kerneltest.Emitter) {
	e.Busy()
	e.Error("ValueError", "bad")
	e.ReplyError("ValueError", "bad")
	e.Idle()
}

func TestCreateRunStopOnErrorOverridesDefault(t *testing.T) {
	srv := newTestServerDefaults(t, raise, backend.Options{StopOnError: true})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name    string
		options string
		want    string
	}{
		{"default", ``, model.StatusFailed},
		{"explicit false", `, "options": {"stop_on_error": false}`, model.StatusCompleted},
		{"explicit true", `, "options": {"stop_on_error": true}`, model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, ts.URL, `{"notebook": `+sampleNotebook+tt.options+`}`)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", resp.StatusCode)
			}
			var run model.Run
			if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
				t.Fatalf("decode: %v", err)
			}
			waitForRun(t, ts.URL, run.ID, tt.want)
		})
	}
}

func TestGetRunNotebookExecuted(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL)
	waitForRun(t, ts.URL, run.ID, model.StatusCompleted)

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/notebook")
	if err != nil {
		t.Fatalf("GET notebook: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != notebookContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	nb, err := notebook.Read(resp.Body)
	if err != nil {
		t.Fatalf("read notebook: %v", err)
	}
	outs := nb.Cells[1].Outputs
	if len(outs) != 1 || !strings.Contains(string(outs[0].Text), "101") {
		t.Errorf("outputs = %+v, want stream with 101", outs)
	}
	if nb.Cells[1].ExecutionCount == nil || *nb.Cells[1].ExecutionCount != 1 {
		t.Errorf("execution_count = %v, want 1", nb.Cells[1].ExecutionCount)
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Runs == nil || len(body.Runs) != 0 {
		t.Errorf("runs = %v, want empty array", body.Runs)
	}
	if body.Limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", body.Limit, defaultListLimit)
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for range 5 {
		r := &model.Run{ID: model.NewID(), Status: model.StatusPending, Engine: "sos", CreatedAt: time.Now().UTC()}
		if err := srv.store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs?limit=2&offset=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 5 || len(body.Runs) != 2 || body.Offset != 1 {
		t.Errorf("total=%d runs=%d offset=%d, want 5/2/1", body.Total, len(body.Runs), body.Offset)
	}

	resp2, err := http.Get(ts.URL + "/v1/runs?limit=1000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	var body2 listRunsResponse
	if err := json.NewDecoder(resp2.Body).Decode(&body2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body2.Limit != defaultListLimit {
		t.Errorf("limit = %d, want clamp to %d", body2.Limit, defaultListLimit)
	}
}

func deleteRun(t *testing.T, url, id string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, url+"/v1/runs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	return resp
}

func TestCancelRunRunning(t *testing.T) {
	srv := newTestServerWith(t, hang)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL)
	waitForRun(t, ts.URL, run.ID, model.StatusRunning)

	resp := deleteRun(t, ts.URL, run.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	waitForRun(t, ts.URL, run.ID, model.StatusCancelled)
}

func TestCancelRunFinished(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL)
	waitForRun(t, ts.URL, run.ID, model.StatusCompleted)
	srv.engine.Wait()

	resp := deleteRun(t, ts.URL, run.ID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := deleteRun(t, ts.URL, "nonexistent")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListEngines(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/engines")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(data, []byte(`"name":"sos"`)) {
		t.Errorf("engines = %s, want sos", data)
	}
}
