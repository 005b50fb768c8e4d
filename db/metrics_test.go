package db

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipnote/capsync/telemetry"
)

type recordedCounts struct {
	mu      sync.Mutex
	byLabel map[string]float64
}

func (r *recordedCounts) With(labels ...string) telemetry.Counter {
	return boundCount{rec: r, label: strings.Join(labels, "/")}
}

func (r *recordedCounts) value(label string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byLabel[label]
}

type boundCount struct {
	rec   *recordedCounts
	label string
}

func (b boundCount) Inc() { b.Add(1) }

func (b boundCount) Add(v float64) {
	b.rec.mu.Lock()
	b.rec.byLabel[b.label] += v
	b.rec.mu.Unlock()
}

func TestExec_CountsCapturedChangesPerTable(t *testing.T) {
	rec := &recordedCounts{byLabel: make(map[string]float64)}
	original := telemetry.ChangesCapturedTotal
	telemetry.ChangesCapturedTotal = rec
	defer func() { telemetry.ChangesCapturedTotal = original }()

	h := openTestHandle(t, nil)

	_, err := h.Exec(
		"INSERT INTO captions (id, text, state, start_ms, end_ms) VALUES (1, 'a', 'pending', 0, 100)")
	require.NoError(t, err)
	require.Equal(t, float64(4), rec.value("captions")) // one per data column

	_, err = h.Exec("UPDATE captions SET text = 'b' WHERE id = 1")
	require.NoError(t, err)
	require.Equal(t, float64(5), rec.value("captions"))

	// Reads capture nothing.
	_, err = h.Query("SELECT text FROM captions WHERE id = 1")
	require.NoError(t, err)
	require.Equal(t, float64(5), rec.value("captions"))
}
