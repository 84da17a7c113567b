package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
)

type doc struct {
	id  string
	rec *record.Record
}

// Store 是一个线程安全的内存实现，仅用于开发/轻量场景。
// 读出的记录均为副本。
type Store struct {
	mu   sync.RWMutex
	cols map[string][]*doc
}

// New 创建内存存储。
func New() *Store { return &Store{cols: map[string][]*doc{}} }

func (s *Store) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, d := range s.cols[collection] {
		if storage.Match(d.rec, filter) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]*record.Record, error) {
	s.mu.RLock()
	out := make([]*record.Record, 0)
	for _, d := range s.cols[collection] {
		if !storage.Match(d.rec, filter) {
			continue
		}
		if opts.IncludeID {
			out = append(out, storage.WithID(d.id, d.rec))
		} else {
			out = append(out, d.rec.Clone())
		}
	}
	s.mu.RUnlock()
	storage.SortRecords(out, opts.Sort)
	return storage.Paginate(out, opts.Skip, opts.Limit), nil
}

func (s *Store) UpsertOne(ctx context.Context, collection string, filter storage.Filter, set *record.Record) (storage.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.UpsertResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.cols[collection] {
		if storage.Match(d.rec, filter) {
			d.rec.Merge(set)
			d.rec.Delete(storage.IDField)
			return storage.UpsertResult{Updated: true}, nil
		}
	}
	s.cols[collection] = append(s.cols[collection], &doc{id: uuid.NewString(), rec: storage.NewDocument(filter, set)})
	return storage.UpsertResult{Inserted: true}, nil
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.cols[collection][:0]
	var n int64
	for _, d := range s.cols[collection] {
		if storage.Match(d.rec, filter) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		delete(s.cols, collection)
	} else {
		s.cols[collection] = kept
	}
	return n, nil
}

func (s *Store) Close(ctx context.Context) error { return nil }
