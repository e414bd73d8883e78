// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	sink, err := NewJSONL(path, "ab12")
	require.NoError(t, err)
	require.NoError(t, sink.Log(1, Metrics{"train loss": 0.5}))
	require.NoError(t, sink.Log(2, Metrics{"train loss": 0.25, "test accuracy": 0.9}))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "closing twice is a no-op")
	assert.Error(t, sink.Log(3, Metrics{"x": 1}))

	records, err := ReadJSONL(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ab12", records[0].Run)
	assert.Equal(t, 2, records[1].Step)
	assert.Equal(t, 0.9, records[1].Metrics["test accuracy"])

	_, err = DecodeJSONL(strings.NewReader("{\"step\":1}\n\nnot json\n"))
	assert.ErrorContains(t, err, "metrics line 3")
	_, err = ReadJSONL(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestPrometheus(t *testing.T) {
	sink := NewPrometheus("ab12")
	require.NoError(t, sink.Log(7, Metrics{"rank 0 memalloc": 12.5}))

	server := httptest.NewServer(sink.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `shardbench_metric{metric="rank 0 memalloc",run="ab12"} 12.5`)
	assert.Contains(t, text, `shardbench_step{run="ab12"} 7`)
	assert.Contains(t, text, `shardbench_logs_total 1`)
}

func TestPrometheusServe(t *testing.T) {
	sink := NewPrometheus("run")
	addr, err := sink.Serve("127.0.0.1:0")
	require.NoError(t, err)
	_, err = sink.Serve("127.0.0.1:0")
	assert.Error(t, err, "only one server per sink")
	require.NoError(t, sink.Log(0, Metrics{"loss": 1}))

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, sink.Close())
}

type failingSink struct{ Memory }

func (f *failingSink) Log(int, Metrics) error { return errors.New("disk full") }

func TestMultiAndMemory(t *testing.T) {
	mem := &Memory{}
	multi := Multi{mem, &Klog{Prefix: "rank 0"}, Discard}
	require.NoError(t, multi.Log(1, Metrics{"a": 1}))
	require.NoError(t, multi.Log(2, Metrics{"b": 2}))
	require.NoError(t, multi.Close())

	v, found := mem.Last("a")
	assert.True(t, found)
	assert.Equal(t, 1.0, v)
	_, found = mem.Last("c")
	assert.False(t, found)
	assert.Len(t, mem.History, 2)

	// The failing sink doesn't prevent the others from logging.
	other := &Memory{}
	err := Multi{&failingSink{}, other}.Log(3, Metrics{"c": 3})
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, other.History, 1)
}

func TestSortedNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedNames(Metrics{"c": 1, "a": 2, "b": 3}))
	assert.Equal(t, "0.5", formatValue(0.5))
}
