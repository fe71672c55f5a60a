package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runRecorder is a RunFunc that records questions and detects overlapping
// invocations.
type runRecorder struct {
	mu        sync.Mutex
	questions []string
	err       error
	delay     time.Duration
	inFlight  int32
	overlap   int32
}

func (r *runRecorder) run(ctx context.Context, question string) error {
	if atomic.AddInt32(&r.inFlight, 1) > 1 {
		atomic.StoreInt32(&r.overlap, 1)
	}
	defer atomic.AddInt32(&r.inFlight, -1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions = append(r.questions, question)
	return r.err
}

func (r *runRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.questions...)
}

func startWatcher(t *testing.T, dir string, rec *runRecorder) *InboxWatcher {
	t.Helper()
	w, err := NewInboxWatcher(Config{
		InboxDir: dir,
		Debounce: 50 * time.Millisecond,
		Run:      rec.run,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestInboxWatcher_ProcessesDroppedQuestion(t *testing.T) {
	inbox := t.TempDir()
	rec := &runRecorder{}
	w := startWatcher(t, inbox, rec)

	qPath := filepath.Join(inbox, "funds.txt")
	require.NoError(t, os.WriteFile(qPath, []byte("Where did the Meridian funds go?\n"), 0644))

	require.Eventually(t, func() bool {
		return len(rec.got()) == 1
	}, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, []string{"Where did the Meridian funds go?"}, rec.got())

	require.Eventually(t, func() bool {
		_, errOld := os.Stat(qPath)
		_, errDone := os.Stat(qPath + ".done")
		return os.IsNotExist(errOld) && errDone == nil
	}, 3*time.Second, 25*time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, 1, stats.FilesSeen)
	assert.Equal(t, 1, stats.RunsStarted)
	assert.Equal(t, 0, stats.RunFailures)
}

func TestInboxWatcher_DrainsExistingFiles(t *testing.T) {
	inbox := t.TempDir()
	qPath := filepath.Join(inbox, "pending.md")
	require.NoError(t, os.WriteFile(qPath, []byte("# Who funded the acquisition?"), 0644))

	rec := &runRecorder{}
	startWatcher(t, inbox, rec)

	require.Eventually(t, func() bool {
		return len(rec.got()) == 1
	}, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, "Who funded the acquisition?", rec.got()[0])
}

func TestInboxWatcher_IgnoresOtherExtensions(t *testing.T) {
	inbox := t.TempDir()
	rec := &runRecorder{}
	w := startWatcher(t, inbox, rec)

	require.NoError(t, os.WriteFile(filepath.Join(inbox, "notes.json"), []byte(`{"q":"ignored"}`), 0644))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, rec.got())
	assert.Equal(t, 0, w.Stats().FilesSeen)
}

func TestInboxWatcher_EmptyFileSkipped(t *testing.T) {
	inbox := t.TempDir()
	rec := &runRecorder{}
	w := startWatcher(t, inbox, rec)

	qPath := filepath.Join(inbox, "blank.txt")
	require.NoError(t, os.WriteFile(qPath, []byte("   \n\t"), 0644))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, rec.got())
	assert.Equal(t, 0, w.Stats().RunsStarted)

	// Not renamed: the file may still be mid-edit.
	_, err := os.Stat(qPath)
	assert.NoError(t, err)
}

func TestInboxWatcher_FailedRunKeepsFile(t *testing.T) {
	inbox := t.TempDir()
	rec := &runRecorder{err: assert.AnError}
	w := startWatcher(t, inbox, rec)

	qPath := filepath.Join(inbox, "retry.txt")
	require.NoError(t, os.WriteFile(qPath, []byte("Which shell companies moved money?"), 0644))

	require.Eventually(t, func() bool {
		return w.Stats().RunFailures == 1
	}, 3*time.Second, 25*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	_, err := os.Stat(qPath)
	assert.NoError(t, err, "failed question should stay in the inbox for retry")
	_, err = os.Stat(qPath + ".done")
	assert.True(t, os.IsNotExist(err))
}

func TestInboxWatcher_RunsSequentially(t *testing.T) {
	inbox := t.TempDir()
	rec := &runRecorder{delay: 60 * time.Millisecond}
	startWatcher(t, inbox, rec)

	want := []string{"question one", "question two", "question three"}
	for i, q := range want {
		name := filepath.Join(inbox, fmt.Sprintf("q%d.txt", i))
		require.NoError(t, os.WriteFile(name, []byte(q), 0644))
	}

	require.Eventually(t, func() bool {
		return len(rec.got()) == 3
	}, 5*time.Second, 25*time.Millisecond)
	assert.ElementsMatch(t, want, rec.got())
	assert.Zero(t, atomic.LoadInt32(&rec.overlap), "runs must not overlap")
}

func TestInboxWatcher_StartAndStopIdempotent(t *testing.T) {
	inbox := t.TempDir()
	rec := &runRecorder{}
	w, err := NewInboxWatcher(Config{InboxDir: inbox, Run: rec.run})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx))

	w.Stop()
	w.Stop()
}

func TestNewInboxWatcher_Validates(t *testing.T) {
	_, err := NewInboxWatcher(Config{Run: func(context.Context, string) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbox directory")

	_, err = NewInboxWatcher(Config{InboxDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run callback")
}

func TestParseQuestion(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", "What happened?", "What happened?"},
		{"markdown heading", "# Where did the funds go?\n", "Where did the funds go?"},
		{"deep heading", "### Heading question", "Heading question"},
		{"multiline flattened", "  multi\nline\tquestion  ", "multi line question"},
		{"whitespace only", "   \n\t", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseQuestion(tt.content))
		})
	}
}

func TestIsQuestionFile(t *testing.T) {
	assert.True(t, isQuestionFile("a.txt"))
	assert.True(t, isQuestionFile("B.MD"))
	assert.False(t, isQuestionFile("c.json"))
	assert.False(t, isQuestionFile("done.txt.done"))
}
