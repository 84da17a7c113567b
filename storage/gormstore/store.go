package gormstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
)

// document 映射到数据库表：每个集合的文档以 (collection, doc_key) 唯一。
type document struct {
	ID         uint           `gorm:"primaryKey"`
	Collection string         `gorm:"size:128;not null;uniqueIndex:idx_collection_doc_key,priority:1"`
	DocKey     string         `gorm:"size:64;not null;uniqueIndex:idx_collection_doc_key,priority:2"`
	Body       datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (document) TableName() string { return "documents" }

// Store 基于 GORM 的 storage.Store 实现（SQLite / PostgreSQL）。
// 过滤、排序与分页在进程内完成；UpsertOne 的 filter 应为集合的唯一键。
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open 按驱动名打开数据库并迁移表结构。
// driver：sqlite（dsn 为文件路径或 file::memory:）/ postgres（标准 DSN）。
func Open(driver, dsn string) (*Store, error) {
	var dial gorm.Dialector
	switch driver {
	case "sqlite":
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("gormstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New 包装已有连接并执行 AutoMigrate。
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&document{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	if len(filter) == 0 {
		var n int64
		err := s.db.WithContext(ctx).Model(&document{}).Where("collection = ?", collection).Count(&n).Error
		return n, err
	}
	docs, err := s.matching(ctx, collection, filter)
	return int64(len(docs)), err
}

func (s *Store) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]*record.Record, error) {
	docs, err := s.matching(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*record.Record, 0, len(docs))
	for _, d := range docs {
		if opts.IncludeID {
			out = append(out, storage.WithID(strconv.FormatUint(uint64(d.id), 10), d.rec))
		} else {
			out = append(out, d.rec)
		}
	}
	storage.SortRecords(out, opts.Sort)
	return storage.Paginate(out, opts.Skip, opts.Limit), nil
}

func (s *Store) UpsertOne(ctx context.Context, collection string, filter storage.Filter, set *record.Record) (storage.UpsertResult, error) {
	key := docKey(filter)
	s.mu.Lock()
	defer s.mu.Unlock()
	var res storage.UpsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m document
		err := tx.Where("collection = ? AND doc_key = ?", collection, key).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			body, err := encodeBody(storage.NewDocument(filter, set))
			if err != nil {
				return err
			}
			res.Inserted = true
			return tx.Create(&document{Collection: collection, DocKey: key, Body: body}).Error
		}
		if err != nil {
			return err
		}
		rec, err := decodeBody(m.Body)
		if err != nil {
			return err
		}
		rec.Merge(set)
		rec.Delete(storage.IDField)
		if m.Body, err = encodeBody(rec); err != nil {
			return err
		}
		res.Updated = true
		return tx.Save(&m).Error
	})
	if err != nil {
		return storage.UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	if len(filter) == 0 {
		tx := s.db.WithContext(ctx).Where("collection = ?", collection).Delete(&document{})
		return tx.RowsAffected, tx.Error
	}
	docs, err := s.matching(ctx, collection, filter)
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	ids := make([]uint, len(docs))
	for i, d := range docs {
		ids[i] = d.id
	}
	tx := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&document{})
	return tx.RowsAffected, tx.Error
}

func (s *Store) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type decoded struct {
	id  uint
	rec *record.Record
}

// matching 分批读取集合并在进程内过滤。
func (s *Store) matching(ctx context.Context, collection string, filter storage.Filter) ([]decoded, error) {
	var out []decoded
	var batch []document
	err := s.db.WithContext(ctx).Where("collection = ?", collection).
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, m := range batch {
				rec, err := decodeBody(m.Body)
				if err != nil {
					return fmt.Errorf("decode document %d: %w", m.ID, err)
				}
				if storage.Match(rec, filter) {
					out = append(out, decoded{id: m.ID, rec: rec})
				}
			}
			return nil
		}).Error
	return out, err
}

// docKey 过滤条件的规范化摘要（字段排序，值取文本形式），与 storage.ValuesEqual 一致。
func docKey(filter storage.Filter) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0x1f)
		if v := filter[k]; v.IsNull() {
			b.WriteByte(0x00)
		} else {
			b.WriteString(v.String())
		}
		b.WriteByte(0x1e)
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
