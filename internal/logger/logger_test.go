package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T, fn func(Logger)) map[string]any {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	l := New(w, DebugLevel)
	fn(l)
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestInfoWithFields(t *testing.T) {
	entry := captureOutput(t, func(l Logger) {
		l.Info("connection opened", String("peer", "alice"), Int("port", 655))
	})
	require.Equal(t, "connection opened", entry["msg"])
	require.Equal(t, "alice", entry["peer"])
	require.Equal(t, float64(655), entry["port"])
}

func TestErrorFieldNilSafe(t *testing.T) {
	f := Error(nil)
	require.Nil(t, f.Value)
}

func TestWithFieldsAccumulates(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	l := New(w, DebugLevel).WithFields(String("component", "topology"))
	l.Info("edge added")
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "topology", entry["component"])
}

func TestSetGetLevel(t *testing.T) {
	l := New(os.Stdout, InfoLevel)
	require.Equal(t, InfoLevel, l.GetLevel())
	l.SetLevel(ErrorLevel)
	require.Equal(t, ErrorLevel, l.GetLevel())
}

func TestWithContextDoesNotPanic(t *testing.T) {
	l := New(os.Stdout, InfoLevel)
	ctx := context.WithValue(context.Background(), "request_id", "abc")
	l2 := l.WithContext(ctx)
	l2.Info("fine")
}
