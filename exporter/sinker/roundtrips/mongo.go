// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package roundtrips

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/packetd/packetd/common"
	"github.com/packetd/packetd/common/socket"
	"github.com/packetd/packetd/exporter"
)

// mongoSinker 将每一次 RoundTrip 归档为一条记录写入 capped collection
//
// capped collection 保证磁盘占用不会无限增长 同时天然按插入顺序保留最近的审计记录
// 适用于合规/取证场景下的事后回溯查询 不追求跨节点强一致
type mongoSinker struct {
	ctx    context.Context
	cancel context.CancelFunc

	cli *mongo.Client
	col *mongo.Collection
	cfg *exporter.MongoConfig
}

type roundTripRecord struct {
	Proto     string    `bson:"proto"`
	Request   any       `bson:"request"`
	Response  any       `bson:"response"`
	Duration  string    `bson:"duration"`
	ArchiveAt time.Time `bson:"archive_at"`
}

func newMongoSinker(cfg *exporter.RoundTripsConfig) (exporter.Sinker, error) {
	mc := &cfg.Mongo

	ctx, cancel := context.WithCancel(context.Background())

	connectCtx, connectCancel := context.WithTimeout(ctx, mc.Timeout)
	defer connectCancel()

	cli, err := mongo.Connect(connectCtx, options.Client().ApplyURI(mc.URI))
	if err != nil {
		cancel()
		return nil, err
	}

	db := cli.Database(mc.Database)
	// 已存在的 collection (capped 或非 capped) 均会报错 忽略即可 写入仍然走既有 collection
	_ = db.CreateCollection(connectCtx, mc.Collection, options.CreateCollection().
		SetCapped(true).
		SetSizeInBytes(mc.CapSize))

	return &mongoSinker{
		ctx:    ctx,
		cancel: cancel,
		cli:    cli,
		col:    db.Collection(mc.Collection),
		cfg:    mc,
	}, nil
}

func (s *mongoSinker) Name() common.RecordType {
	return common.RecordRoundTrips
}

func (s *mongoSinker) Sink(data any) error {
	rt, ok := data.(socket.RoundTrip)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()

	_, err := s.col.InsertOne(ctx, roundTripRecord{
		Proto:     string(rt.Proto()),
		Request:   rt.Request(),
		Response:  rt.Response(),
		Duration:  rt.Duration().String(),
		ArchiveAt: time.Now(),
	})
	return err
}

func (s *mongoSinker) Close() {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	_ = s.cli.Disconnect(ctx)
}
