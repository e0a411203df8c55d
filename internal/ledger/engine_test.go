package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledgerdrive/internal/domain"
	"github.com/dvloznov/ledgerdrive/internal/logger"
)

// fakeDrive keeps one remote ledger file in memory.
type fakeDrive struct {
	mu      sync.Mutex
	fileID  string
	content string

	creates   int
	replaces  int
	findErr   error
	createErr error
}

func (f *fakeDrive) FindFile(ctx context.Context, token, folderID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return "", f.findErr
	}
	return f.fileID, nil
}

func (f *fakeDrive) Download(ctx context.Context, token, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.content), nil
}

func (f *fakeDrive) ReplaceContent(ctx context.Context, token, fileID, mimeType, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces++
	f.content = content
	return nil
}

func (f *fakeDrive) CreateFile(ctx context.Context, token, folderID, name, mimeType, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates++
	f.fileID = fmt.Sprintf("file-%d", f.creates)
	f.content = content
	return f.fileID, nil
}

func newTestEngine(t *testing.T, fd *fakeDrive) *Engine {
	t.Helper()
	e := NewEngine(fd, "transactions.csv", 10, logger.NewWithWriter(&strings.Builder{}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = e.Stop(stopCtx)
	})

	return e
}

func row(id string) domain.Record {
	return domain.Record{
		ID:       id,
		Document: "DOC-" + id,
		Type:     "Receipt",
		Date:     "2024-03-03",
		Amount:   "9.99",
		Customer: "Acme",
	}
}

func TestEngine_BootstrapCreatesHeaderOnce(t *testing.T) {
	fd := &fakeDrive{}
	e := newTestEngine(t, fd)

	require.NoError(t, e.Append(context.Background(), "tok", "folder", row("a")))
	require.NoError(t, e.Append(context.Background(), "tok", "folder", row("b")))

	assert.Equal(t, 1, fd.creates, "only the first append creates the file")
	assert.Equal(t, 1, fd.replaces, "the second append overwrites")

	lines := strings.Split(fd.content, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, Header, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "a,"))
	assert.True(t, strings.HasPrefix(lines[2], "b,"))
	assert.Equal(t, 1, strings.Count(fd.content, Header), "header never repeats")
}

func TestEngine_AppendTrimsTrailingWhitespace(t *testing.T) {
	fd := &fakeDrive{fileID: "existing", content: Header + "\nx,,,,,,,\n\n  "}
	e := newTestEngine(t, fd)

	require.NoError(t, e.Append(context.Background(), "tok", "folder", row("y")))

	lines := strings.Split(fd.content, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[2], "y,"))
}

func TestEngine_ConcurrentAppendsAllLand(t *testing.T) {
	fd := &fakeDrive{}
	e := newTestEngine(t, fd)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Append(context.Background(), "tok", "folder", row(fmt.Sprintf("r%d", i))))
		}()
	}
	wg.Wait()

	// One header plus every row: nothing was lost to a concurrent
	// read-modify-write.
	lines := strings.Split(fd.content, "\n")
	assert.Len(t, lines, n+1)
}

func TestEngine_RemoteFailureWrapsErrSync(t *testing.T) {
	fd := &fakeDrive{findErr: errors.New("backend exploded")}
	e := newTestEngine(t, fd)

	err := e.Append(context.Background(), "tok", "folder", row("z"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSync)
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestEngine_AppendAfterStopFails(t *testing.T) {
	fd := &fakeDrive{}
	e := NewEngine(fd, "transactions.csv", 1, logger.NewWithWriter(&strings.Builder{}))
	e.Start(context.Background())

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(stopCtx))

	err := e.Append(context.Background(), "tok", "folder", row("late"))
	assert.ErrorIs(t, err, ErrSync)
}
