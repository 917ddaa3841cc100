package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/inksync/internal/storage"
	"github.com/example/inksync/internal/types"
)

type fakeLog struct {
	ops     []types.WALRecord
	replays int
}

func (f *fakeLog) LSNForOperation(_ context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	for _, rec := range f.ops {
		if rec.Document == docID && rec.Operation.ID == opID {
			return rec.LSN, rec.CreatedAt, nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("%w: %s", storage.ErrRecordNotFound, opID)
}

func (f *fakeLog) LSNForTime(_ context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn int64
	for _, rec := range f.ops {
		if rec.Document != docID || rec.CreatedAt.After(ts) {
			continue
		}
		if rec.LSN > lsn {
			lsn = rec.LSN
		}
	}
	return lsn, nil
}

func (f *fakeLog) ReplayDocument(_ context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error {
	f.replays++
	for _, rec := range f.ops {
		if rec.Document != docID || rec.LSN <= fromLSN {
			continue
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

func record(lsn int64, origin string, seq uint64, typ types.OpType, element string, clock types.VectorClock, ts time.Time, payload map[string]any) types.WALRecord {
	return types.WALRecord{
		LSN:      lsn,
		Document: "board",
		Operation: types.Operation{
			ID:      types.OperationID{Origin: types.ParticipantID(origin), Seq: seq},
			Type:    typ,
			Element: types.ElementID(element),
			Payload: payload,
			Clock:   clock,
		},
		CreatedAt: ts,
	}
}

func boardHistory(base time.Time) *fakeLog {
	return &fakeLog{ops: []types.WALRecord{
		record(1, "alice", 1, types.OpAddStroke, "e1", types.VectorClock{"alice": 1}, base, map[string]any{"kind": "stroke"}),
		record(2, "bob", 1, types.OpAddStroke, "e2", types.VectorClock{"alice": 1, "bob": 1}, base.Add(time.Minute), map[string]any{"kind": "rect"}),
		record(3, "alice", 2, types.OpMoveElement, "e2", types.VectorClock{"alice": 2, "bob": 1}, base.Add(2*time.Minute), map[string]any{"x": 7.0, "y": 8.0}),
		record(4, "bob", 2, types.OpDeleteElement, "e1", types.VectorClock{"alice": 2, "bob": 2}, base.Add(3*time.Minute), nil),
	}}
}

func newTestService(log Log) *Service {
	return NewService(log, zerolog.New(io.Discard), ServiceConfig{CacheSize: 4})
}

func elementIDs(elements []types.Element) []types.ElementID {
	ids := make([]types.ElementID, 0, len(elements))
	for _, el := range elements {
		ids = append(ids, el.ID)
	}
	return ids
}

func TestPlaybackAtTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	log := boardHistory(base)
	svc := newTestService(log)

	early := base.Add(90 * time.Second)
	resp, err := svc.Playback(context.Background(), Request{Document: "board", AtTime: &early})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.LSN)
	assert.Equal(t, []types.ElementID{"e1", "e2"}, elementIDs(resp.Elements))
	assert.Equal(t, types.VectorClock{"alice": 1, "bob": 1}, resp.VectorClock)

	later := base.Add(5 * time.Minute)
	resp, err = svc.Playback(context.Background(), Request{Document: "board", AtTime: &later})
	require.NoError(t, err)
	assert.Equal(t, []types.ElementID{"e2"}, elementIDs(resp.Elements))
	assert.Equal(t, types.Point{X: 7, Y: 8}, resp.Elements[0].Position)
	assert.Equal(t, 2, log.replays)
}

func TestPlaybackBeforeFirstOperationIsEmpty(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(boardHistory(base))

	before := base.Add(-time.Hour)
	resp, err := svc.Playback(context.Background(), Request{Document: "board", AtTime: &before})
	require.NoError(t, err)
	assert.Empty(t, resp.Elements)
	assert.Equal(t, int64(0), resp.LSN)
}

func TestPlaybackUsesCache(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	log := boardHistory(base)
	svc := newTestService(log)

	target := types.OperationID{Origin: "alice", Seq: 2}
	first, err := svc.Playback(context.Background(), Request{Document: "board", Operation: &target})
	require.NoError(t, err)
	second, err := svc.Playback(context.Background(), Request{Document: "board", Operation: &target})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, log.replays, "an exact cache hit does not touch the WAL")
}

func TestPlaybackValidation(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(boardHistory(base))

	_, err := svc.Playback(context.Background(), Request{Document: "board"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	missing := types.OperationID{Origin: "carol", Seq: 1}
	_, err = svc.Playback(context.Background(), Request{Document: "board", Operation: &missing})
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)

	target := types.OperationID{Origin: "bob", Seq: 2}
	tooEarly := base
	_, err = svc.Playback(context.Background(), Request{Document: "board", Operation: &target, AtTime: &tooEarly})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, types.DocumentID) error { return errors.New("nope") }

func TestPlaybackAuthorization(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(boardHistory(base), zerolog.New(io.Discard), ServiceConfig{Authorizer: denyAll{}})
	at := base.Add(time.Hour)
	_, err := svc.Playback(context.Background(), Request{Document: "board", AtTime: &at})
	assert.Error(t, err)
}

func TestHTTPHandler(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	handler := NewHTTPHandler(newTestService(boardHistory(base)), zerolog.New(io.Discard))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/board/state?at_op=bob:1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, int64(2), resp.LSN)
	assert.Len(t, resp.Elements, 2)

	cases := []struct {
		path string
		want int
	}{
		{"/documents/board/state", http.StatusBadRequest},
		{"/documents/board/state?at_op=bob", http.StatusBadRequest},
		{"/documents/board/state?at_time=yesterday", http.StatusBadRequest},
		{"/documents/board/state?at_op=carol:9", http.StatusNotFound},
		{"/documents/board/history?at_op=bob:1", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.want, rr.Code, tc.path)
	}
}
