package diagnostics

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AppendAndRenderInOrder(t *testing.T) {
	r := NewRegistry()
	r.Append("version", "1.4.0 (abc123)")
	r.Append("build time", "2026-10-01T08:00:00Z")
	r.Append("configuration file", "/work/poly.yaml")

	lines := strings.Split(strings.TrimSuffix(r.Render(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "version...."))
	assert.True(t, strings.HasSuffix(lines[0], ": 1.4.0 (abc123)"))
	assert.True(t, strings.HasPrefix(lines[1], "build time"))
	assert.True(t, strings.HasSuffix(lines[2], ": /work/poly.yaml"))

	// Values line up in one column
	assert.Equal(t, strings.Index(lines[0], ": "), strings.Index(lines[2], ": "))
}

func TestRegistry_LongLabelIsNotTruncated(t *testing.T) {
	r := NewRegistry()
	label := strings.Repeat("x", labelWidth+5)
	r.Append(label, "v")
	assert.Equal(t, label+": v\n", r.Render())
}

func TestRegistry_WriteToMatchesRender(t *testing.T) {
	r := NewRegistry()
	r.Append("a", "1")
	r.Append("b", "2")

	var buf bytes.Buffer
	n, err := r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, r.Render(), buf.String())
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	r.Append("a", "1")
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Render())

	r.Append("b", "2")
	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{Label: "b", Value: "2", line: entries[0].line}, entries[0])
}

func TestRegistry_EntriesIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Append("a", "1")

	entries := r.Entries()
	entries[0].Value = "changed"

	assert.Equal(t, "1", r.Entries()[0].Value)
}

func TestRegistry_ConcurrentAppendsAndReads(t *testing.T) {
	r := NewRegistry()
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Append(fmt.Sprintf("w%d", w), fmt.Sprintf("%d", i))
			}
		}(w)
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
				// Every observed report is made of complete lines.
				out := r.Render()
				if out != "" {
					assert.True(t, strings.HasSuffix(out, "\n"))
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone

	assert.Equal(t, writers*perWriter, r.Len())

	// Per-writer order is preserved.
	next := make(map[string]int)
	for _, e := range r.Entries() {
		assert.Equal(t, fmt.Sprintf("%d", next[e.Label]), e.Value)
		next[e.Label]++
	}
}
