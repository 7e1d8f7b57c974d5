package model

import "time"

// ScanTask 触发 keeper 扫描的任务，PositionID 为空表示扫描全部开放持仓
type ScanTask struct {
	PositionID  *uint64   `json:"position_id,omitempty"`
	Reason      string    `json:"reason"`
	Attempt     int       `json:"attempt,omitempty"` // 重试次数
	RequestedAt time.Time `json:"requested_at"`
}
