package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dvloznov/ledgerdrive/internal/domain"
)

// ErrSync wraps ledger append failures.
var ErrSync = errors.New("ledger: sync failed")

const csvMIMEType = "text/csv"

// driveAPI is the slice of the Drive client the engine needs. Defined at the
// consumer so tests can substitute a fake.
type driveAPI interface {
	FindFile(ctx context.Context, token, folderID, name string) (string, error)
	Download(ctx context.Context, token, fileID string) ([]byte, error)
	ReplaceContent(ctx context.Context, token, fileID, mimeType, content string) error
	CreateFile(ctx context.Context, token, folderID, name, mimeType, content string) (string, error)
}

// Engine appends rows to the shared CSV ledger file, creating it on first
// use. The remote append is a read-modify-write of the whole file, which is
// unsafe under concurrent writers, so all appends are funneled through a
// single worker goroutine fed by a channel.
type Engine struct {
	drive    driveAPI
	fileName string
	log      zerolog.Logger

	requests  chan *appendRequest
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

type appendRequest struct {
	ctx      context.Context
	token    string
	folderID string
	row      domain.Record
	reply    chan error
}

// NewEngine creates a ledger sync engine targeting the named CSV file.
// bufferSize determines how many appends can queue before Append blocks.
func NewEngine(d driveAPI, fileName string, bufferSize int, log zerolog.Logger) *Engine {
	return &Engine{
		drive:     d,
		fileName:  fileName,
		requests:  make(chan *appendRequest, bufferSize),
		closeChan: make(chan struct{}),
		log:       log,
	}
}

// Start launches the single writer goroutine. Exactly one worker runs per
// engine; the ledger file cannot tolerate concurrent read-modify-write.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closeChan:
			return
		case req := <-e.requests:
			if req == nil {
				return
			}
			req.reply <- e.appendRow(req.ctx, req.token, req.folderID, req.row)
		}
	}
}

// Append enqueues one row and blocks until the writer has synced it. The
// returned error is ErrSync-wrapped on any remote failure.
func (e *Engine) Append(ctx context.Context, token, folderID string, row domain.Record) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return fmt.Errorf("%w: engine is stopped", ErrSync)
	}
	e.mu.RUnlock()

	req := &appendRequest{
		ctx:      ctx,
		token:    token,
		folderID: folderID,
		row:      row,
		reply:    make(chan error, 1),
	}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSync, ctx.Err())
	case <-e.closeChan:
		return fmt.Errorf("%w: engine is stopped", ErrSync)
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSync, ctx.Err())
	}
}

// appendRow performs the read-modify-write against the remote file. Found:
// download, trim trailing whitespace, append the serialized row, overwrite.
// Absent: create the file with the fixed header and the first row.
func (e *Engine) appendRow(ctx context.Context, token, folderID string, row domain.Record) error {
	fileID, err := e.drive.FindFile(ctx, token, folderID, e.fileName)
	if err != nil {
		return fmt.Errorf("%w: locating ledger: %v", ErrSync, err)
	}

	line := SerializeRow(row)

	if fileID != "" {
		existing, err := e.drive.Download(ctx, token, fileID)
		if err != nil {
			return fmt.Errorf("%w: downloading ledger: %v", ErrSync, err)
		}

		newContent := strings.TrimRight(string(existing), " \t\r\n") + "\n" + line
		if err := e.drive.ReplaceContent(ctx, token, fileID, csvMIMEType, newContent); err != nil {
			return fmt.Errorf("%w: overwriting ledger: %v", ErrSync, err)
		}

		e.log.Info().Str("file_id", fileID).Str("record_id", row.ID).Msg("Ledger row appended")
		return nil
	}

	newContent := Header + "\n" + line
	createdID, err := e.drive.CreateFile(ctx, token, folderID, e.fileName, csvMIMEType, newContent)
	if err != nil {
		return fmt.Errorf("%w: creating ledger: %v", ErrSync, err)
	}

	e.log.Info().Str("file_id", createdID).Str("record_id", row.ID).Msg("Ledger file created with first row")
	return nil
}

// Stop stops the writer and waits for the in-flight append to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closeChan)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
