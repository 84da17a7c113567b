package client

import "github.com/cloudQuant/TradingAgents-CN-sub005/record"

// CommonResp 统一响应包装（与本服务 HTTP 接口一致）。
type CommonResp[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
}

// ChunkRequest 远程节点分块导出请求。
type ChunkRequest struct {
	Collection string            `json:"collection"`
	Filter     map[string]string `json:"filter,omitempty"`
	Skip       int64             `json:"skip"`
	Limit      int64             `json:"limit"`
}

// Chunk 一块导出数据；Checksum 为 Data 的 JSON md5。
type Chunk struct {
	Data     []*record.Record `json:"data"`
	Total    int64            `json:"total"`
	Skip     int64            `json:"skip"`
	Limit    int64            `json:"limit"`
	HasMore  bool             `json:"has_more"`
	Checksum string           `json:"checksum"`
}

// PingInfo 节点探活结果。
type PingInfo struct {
	Node        string   `json:"node"`
	Collections []string `json:"collections"`
	Time        string   `json:"time"`
}
