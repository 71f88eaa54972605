package notify

import (
	"context"

	"partsync/internal/syncjob"
)

// Notifier 定义通知接口。
type Notifier interface {
	// NotifySyncFinished 在同步任务失败或存在失败商品时发送摘要。
	//
	// 参数:
	//   ctx: 上下文
	//   snap: 任务的最终快照
	NotifySyncFinished(ctx context.Context, snap syncjob.Snapshot) error
}

var _ Notifier = (*EmailNotifier)(nil)
var _ syncjob.Notifier = (*EmailNotifier)(nil)
