package sink_test

import (
	"context"
	"time"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/docstore"
)

// fakeStore records requests and returns scripted results.
type fakeStore struct {
	appendErr error
	upsertErr error
	maxSeq    map[string]int64
	maxSeqErr error

	appends     []docstore.AppendRequest
	upserts     []docstore.UpsertRequest
	maxSeqCalls []string
}

func (f *fakeStore) AppendBatch(_ context.Context, req docstore.AppendRequest) (docstore.Receipt, error) {
	f.appends = append(f.appends, req)
	if f.appendErr != nil {
		return docstore.Receipt{StatusCode: 500}, f.appendErr
	}
	return docstore.Receipt{StatusCode: 200, RequestCharge: 2.5, ActivityID: "act-1"}, nil
}

func (f *fakeStore) Upsert(_ context.Context, req docstore.UpsertRequest) (docstore.Receipt, error) {
	f.upserts = append(f.upserts, req)
	if f.upsertErr != nil {
		return docstore.Receipt{StatusCode: 500}, f.upsertErr
	}
	return docstore.Receipt{StatusCode: 200, RequestCharge: 1.5, ActivityID: "act-2"}, nil
}

func (f *fakeStore) ReadRange(_ context.Context, _ docstore.RangeQuery) ([]ds.Document, docstore.Receipt, error) {
	return nil, docstore.Receipt{StatusCode: 200}, nil
}

func (f *fakeStore) Get(_ context.Context, _, _ string) (ds.Document, docstore.Receipt, error) {
	return ds.Document{}, docstore.Receipt{StatusCode: 404}, docstore.ErrNotFound
}

func (f *fakeStore) MaxSequence(_ context.Context, _, key string) (int64, docstore.Receipt, error) {
	f.maxSeqCalls = append(f.maxSeqCalls, key)
	if f.maxSeqErr != nil {
		return 0, docstore.Receipt{StatusCode: 500}, f.maxSeqErr
	}
	return f.maxSeq[key], docstore.Receipt{StatusCode: 200, RequestCharge: 1}, nil
}

func (f *fakeStore) MaxProvenance(_ context.Context, _, _ string) (int64, docstore.Receipt, error) {
	return 0, docstore.Receipt{StatusCode: 200}, nil
}

var _ docstore.Store = (*fakeStore)(nil)

// recordingRetry captures the bail and backoff signals a sink emits.
type recordingRetry struct {
	bailed      []error
	interval    time.Duration
	intervalSet bool
}

func (r *recordingRetry) Bail(err error) {
	r.bailed = append(r.bailed, err)
}

func (r *recordingRetry) SetNextRetryInterval(d time.Duration) {
	r.interval = d
	r.intervalSet = true
}

// recordingMetrics captures store call records.
type recordingMetrics struct {
	calls []ds.StoreCall
}

func (m *recordingMetrics) RecordStoreCall(_ context.Context, call ds.StoreCall) {
	m.calls = append(m.calls, call)
}
