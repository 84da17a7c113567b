package mongostore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
)

// Store 基于 MongoDB 的 storage.Store 实现，每个数据集对应一个集合。
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect 连接并探活。
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

func (s *Store) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	return s.db.Collection(collection).CountDocuments(ctx, toFilter(filter))
}

func (s *Store) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]*record.Record, error) {
	fo := options.Find()
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if len(opts.Sort) > 0 {
		sd := bson.D{}
		for _, sf := range opts.Sort {
			dir := 1
			if sf.Desc {
				dir = -1
			}
			sd = append(sd, bson.E{Key: sf.Field, Value: dir})
		}
		fo.SetSort(sd)
	}
	if !opts.IncludeID {
		fo.SetProjection(bson.D{{Key: storage.IDField, Value: 0}})
	}
	cur, err := s.db.Collection(collection).Find(ctx, toFilter(filter), fo)
	if err != nil {
		return nil, err
	}
	var docs []bson.D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*record.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDoc(d))
	}
	return out, nil
}

func (s *Store) UpsertOne(ctx context.Context, collection string, filter storage.Filter, set *record.Record) (storage.UpsertResult, error) {
	upd := toUpdate(filter, set)
	res, err := s.db.Collection(collection).UpdateOne(ctx, toFilter(filter), upd, options.Update().SetUpsert(true))
	if err != nil {
		return storage.UpsertResult{}, err
	}
	if res.UpsertedCount > 0 {
		return storage.UpsertResult{Inserted: true}, nil
	}
	return storage.UpsertResult{Updated: res.MatchedCount > 0}, nil
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, toFilter(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

// toFilter 按字段名排序，保证生成的查询稳定。
// 值展开为文本等价的各类型取值，与 storage.ValuesEqual 一致。
func toFilter(f storage.Filter) bson.D {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := bson.D{}
	for _, k := range keys {
		alts := storage.TextEquivalents(f[k])
		if len(alts) == 1 {
			d = append(d, bson.E{Key: k, Value: toBSON(alts[0])})
			continue
		}
		in := make(bson.A, len(alts))
		for i, a := range alts {
			in[i] = toBSON(a)
		}
		d = append(d, bson.E{Key: k, Value: bson.D{{Key: "$in", Value: in}}})
	}
	return d
}

// toUpdate $set 写入记录；记录里没有的键字段在插入时按过滤条件补齐（$in 条件不会自动落库）。
func toUpdate(filter storage.Filter, set *record.Record) bson.D {
	upd := bson.D{{Key: "$set", Value: toDoc(set)}}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		if k != storage.IDField && !set.Has(k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return upd
	}
	sort.Strings(keys)
	onInsert := make(bson.D, len(keys))
	for i, k := range keys {
		onInsert[i] = bson.E{Key: k, Value: toBSON(filter[k])}
	}
	return append(upd, bson.E{Key: "$setOnInsert", Value: onInsert})
}

// toDoc 记录转 bson.D（保留字段顺序，剔除 _id）。
func toDoc(rec *record.Record) bson.D {
	d := make(bson.D, 0, rec.Len())
	for _, f := range rec.Fields() {
		if f.Name == storage.IDField {
			continue
		}
		d = append(d, bson.E{Key: f.Name, Value: toBSON(f.Value)})
	}
	return d
}

func toBSON(v record.Value) any {
	if v.Kind() == record.KindTime {
		return primitive.NewDateTimeFromTime(v.Stamp())
	}
	return v.Any()
}

// fromDoc bson.D 转记录：ObjectID 转十六进制字符串，DateTime 转时间。
func fromDoc(d bson.D) *record.Record {
	rec := record.New()
	for _, e := range d {
		rec.Set(e.Key, fromBSON(e.Value))
	}
	return rec
}

func fromBSON(x any) record.Value {
	switch t := x.(type) {
	case primitive.ObjectID:
		return record.String(t.Hex())
	case primitive.DateTime:
		return record.Time(t.Time().UTC())
	case primitive.Decimal128:
		return record.String(t.String())
	case primitive.Null, primitive.Undefined:
		return record.Null()
	case bson.D:
		b, err := bson.MarshalExtJSON(t, false, false)
		if err != nil {
			return record.String(fmt.Sprint(t))
		}
		return record.String(string(b))
	case bson.A:
		b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: t}}, false, false)
		if err != nil {
			return record.String(fmt.Sprint(t))
		}
		return record.String(string(b))
	default:
		return record.FromAny(t)
	}
}
