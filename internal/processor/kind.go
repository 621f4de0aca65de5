package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// kindHandler Instance 種類之間真正不同的部分；DAG 走訪共用 Processor
type kindHandler interface {
	// afterComplete Instance 完成後的種類專屬記錄；返回需要重排的 Plan
	afterComplete(ctx context.Context, tx store.Tx, inst *types.Instance, feedbackAt time.Time) (*WaitSchedulePlan, error)
	// logAttrs 日誌中識別此 Instance 的欄位
	logAttrs(inst *types.Instance) []any
}

// handlerFor 依種類選擇 handler
func handlerFor(kind types.InstanceKind) (kindHandler, error) {
	switch kind {
	case types.KindPlan:
		return planHandler{}, nil
	case types.KindDelay:
		return delayHandler{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrIllegalKind, kind)
}

// planHandler 由 Plan 觸發的 Instance
type planHandler struct{}

func (planHandler) afterComplete(ctx context.Context, tx store.Tx, inst *types.Instance, feedbackAt time.Time) (*WaitSchedulePlan, error) {
	// FIXED_DELAY 的下一輪從完成時間起算
	if inst.ScheduleType != types.ScheduleFixedDelay || inst.TriggerType != types.TriggerSchedule {
		return nil, nil
	}
	n, err := tx.Plans().UpdateLatelyFeedback(ctx, inst.PlanID, inst.PlanVersion, feedbackAt)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Plan 已換版本，新版本的排程不受舊 Instance 影響
		return nil, nil
	}
	return &WaitSchedulePlan{
		PlanID:     inst.PlanID,
		Version:    inst.PlanVersion,
		TriggerAt:  inst.TriggerAt,
		FeedbackAt: feedbackAt,
	}, nil
}

func (planHandler) logAttrs(inst *types.Instance) []any {
	return []any{"instanceID", inst.ID, "planID", inst.PlanID, "version", inst.PlanVersion}
}

// delayHandler 由業務方以 (topic, key) 觸發的 Instance
type delayHandler struct{}

func (delayHandler) afterComplete(context.Context, store.Tx, *types.Instance, time.Time) (*WaitSchedulePlan, error) {
	return nil, nil
}

func (delayHandler) logAttrs(inst *types.Instance) []any {
	return []any{"instanceID", inst.ID, "topic", inst.Topic, "key", inst.Key}
}
