package intake

import (
	"sync"
	"time"
)

const (
	progressDispatched = 20
	progressStep       = 12
	progressCap        = 90

	// DefaultTickInterval は擬似進捗を進める間隔です。
	DefaultTickInterval = 220 * time.Millisecond
)

// progressTask はアップロード中アイテムの擬似進捗タイマーです。
// stop はゴルーチンの終了まで待つため、stop の後に書き込まれた終端状態が
// 遅れて届いたティックで上書きされることはありません。
type progressTask struct {
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// startProgress は interval ごとに tick を呼び出します。tick が false を返すと停止します。
func startProgress(interval time.Duration, tick func() bool) *progressTask {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	t := &progressTask{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				select {
				case <-t.stopCh:
					return
				default:
				}
				if !tick() {
					return
				}
			}
		}
	}()
	return t
}

func (t *progressTask) stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		close(t.stopCh)
	})
	<-t.done
}
