package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/internal/store/memory"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

var ctx = context.Background()

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := memory.New(nil)
	ids := idgen.New(s, idgen.DefaultConfig(), nil)
	return NewService(s, ids, processor.New(s, ids, nil, nil, nil), nil)
}

func etlPlan() *types.Plan {
	return &types.Plan{
		ID:          "nightly-etl",
		Name:        "nightly etl",
		TriggerType: types.TriggerSchedule,
		Schedule:    types.ScheduleOption{Type: types.ScheduleFixedDelay, Interval: time.Hour},
		Enabled:     true,
		Jobs: []types.WorkflowJobInfo{
			{ID: "extract", ExecutorName: "shell", Children: []string{"load"}},
			{ID: "load", ExecutorName: "shell"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *types.Plan)
	}{
		{"no name", func(p *types.Plan) { p.Name = "" }},
		{"bad trigger type", func(p *types.Plan) { p.TriggerType = "WEBHOOK" }},
		{"bad schedule type", func(p *types.Plan) { p.Schedule.Type = "HOURLY" }},
		{"missing interval", func(p *types.Plan) { p.Schedule.Interval = 0 }},
		{"bad cron", func(p *types.Plan) { p.Schedule = types.ScheduleOption{Type: types.ScheduleCron, Cron: "every day"} }},
		{"ends before start", func(p *types.Plan) {
			p.Schedule.StartAt = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
			p.Schedule.EndAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		}},
		{"no jobs", func(p *types.Plan) { p.Jobs = nil }},
		{"no executor", func(p *types.Plan) { p.Jobs[1].ExecutorName = "" }},
		{"bad job type", func(p *types.Plan) { p.Jobs[0].Type = "BROADCAST" }},
		{"negative retry", func(p *types.Plan) { p.Jobs[0].Retry.Retry = -1 }},
		{"bad lb type", func(p *types.Plan) { p.Jobs[0].DispatchOption.LBType = "STICKY" }},
		{"appoint without agent", func(p *types.Plan) { p.Jobs[0].DispatchOption.LBType = types.LBAppoint }},
		{"unknown child", func(p *types.Plan) { p.Jobs[1].Children = []string{"publish"} }},
		{"cycle", func(p *types.Plan) { p.Jobs[1].Children = []string{"extract"} }},
	}
	require.NoError(t, Validate(etlPlan()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := etlPlan()
			tt.modify(p)
			err := Validate(p)
			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.ErrorIs(t, err, types.ErrIllegalArgument)
		})
	}

	api := etlPlan()
	api.TriggerType = types.TriggerAPI
	api.Schedule = types.ScheduleOption{}
	assert.NoError(t, Validate(api), "API plans need no schedule")
}

func TestCreateAndUpdate(t *testing.T) {
	svc := newTestService(t)

	created, err := svc.Create(ctx, etlPlan())
	require.NoError(t, err)
	assert.Equal(t, "nightly-etl", created.ID)
	assert.NotEmpty(t, created.Version)

	_, err = svc.Create(ctx, etlPlan())
	assert.ErrorIs(t, err, ErrPlanExists)

	anon := etlPlan()
	anon.ID = ""
	minted, err := svc.Create(ctx, anon)
	require.NoError(t, err)
	assert.NotEmpty(t, minted.ID)

	edit := created.Clone()
	edit.Schedule.Interval = 2 * time.Hour
	updated, err := svc.Update(ctx, edit)
	require.NoError(t, err)
	assert.NotEqual(t, created.Version, updated.Version)

	// 以舊版本為依據的修改失敗
	_, err = svc.Update(ctx, edit)
	assert.ErrorIs(t, err, ErrVersionConflict)

	missing := etlPlan()
	missing.ID = "nope"
	_, err = svc.Update(ctx, missing)
	assert.ErrorIs(t, err, processor.ErrPlanNotFound)

	versions, err := svc.Versions(ctx, "nightly-etl")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, time.Hour, versions[0].Schedule.Interval)
	assert.Equal(t, 2*time.Hour, versions[1].Schedule.Interval)

	_, err = svc.Versions(ctx, "nope")
	assert.ErrorIs(t, err, processor.ErrPlanNotFound)
}

func TestApply(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Apply(ctx, etlPlan())
	require.NoError(t, err)

	same, err := svc.Apply(ctx, etlPlan())
	require.NoError(t, err)
	assert.Equal(t, first.Version, same.Version, "unchanged definition keeps its version")

	disabled := etlPlan()
	disabled.Enabled = false
	got, err := svc.Apply(ctx, disabled)
	require.NoError(t, err)
	assert.Equal(t, first.Version, got.Version)
	assert.False(t, got.Enabled)

	changed := etlPlan()
	changed.Jobs[0].Retry = types.RetryOption{Retry: 3, RetryInterval: time.Minute}
	next, err := svc.Apply(ctx, changed)
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, next.Version)

	cur, err := svc.Get(ctx, "nightly-etl")
	require.NoError(t, err)
	assert.Equal(t, 3, cur.Jobs[0].Retry.Retry)
}

func TestEnableDisable(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(ctx, etlPlan())
	require.NoError(t, err)

	changed, err := svc.Enable(ctx, "nightly-etl")
	require.NoError(t, err)
	assert.False(t, changed, "already enabled")

	changed, err = svc.Disable(ctx, "nightly-etl")
	require.NoError(t, err)
	assert.True(t, changed)

	p, err := svc.Get(ctx, "nightly-etl")
	require.NoError(t, err)
	assert.False(t, p.Enabled)

	_, err = svc.Disable(ctx, "nope")
	assert.ErrorIs(t, err, processor.ErrPlanNotFound)
}

func TestTriggerAndQueries(t *testing.T) {
	svc := newTestService(t)
	p := etlPlan()
	p.Enabled = false
	p.Jobs[1].TriggerType = types.TriggerAPI
	_, err := svc.Create(ctx, p)
	require.NoError(t, err)

	// 停用中的 Plan 仍可手動觸發
	inst, err := svc.Trigger(ctx, "nightly-etl", types.Attributes{"date": "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, types.TriggerAPI, inst.TriggerType)

	got, err := svc.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", got.Attributes["date"])

	jobs, err := svc.JobInstances(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "extract", jobs[0].JobID)

	insts, err := svc.Instances(ctx, "nightly-etl", 10)
	require.NoError(t, err)
	assert.Len(t, insts, 1)

	_, err = svc.TriggerJob(ctx, inst.ID, "load")
	assert.ErrorIs(t, err, processor.ErrJobNotSchedulable, "extract has not finished")

	_, err = svc.RerunJob(ctx, inst.ID, "extract")
	assert.ErrorIs(t, err, processor.ErrJobNotSchedulable, "extract is still scheduling")

	_, err = svc.Trigger(ctx, "nope", nil)
	assert.ErrorIs(t, err, processor.ErrPlanNotFound)
	_, err = svc.Instance(ctx, "nope")
	assert.ErrorIs(t, err, processor.ErrInstanceNotFound)
	_, err = svc.JobInstances(ctx, "nope")
	assert.ErrorIs(t, err, processor.ErrInstanceNotFound)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: nightly-etl
    name: nightly etl
    enabled: true
    schedule:
      type: FIXED_DELAY
      interval: 1h
    jobs:
      - id: extract
        executor: shell
        attributes: {cmd: "./extract.sh"}
        retry: {retry: 2, retry_interval: 30s}
        children: [load]
      - id: load
        executor: shell
        skip_when_fail: true
        dispatch_option: {lb_type: CONSISTENT_HASH, hash_key: tenant}
  - id: report
    name: weekly report
    trigger_type: API
    jobs:
      - {id: render, executor: http}
`), 0o644))

	plans, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	etl := plans[0]
	assert.Equal(t, types.TriggerSchedule, etl.TriggerType, "defaults to SCHEDULE")
	assert.Equal(t, time.Hour, etl.Schedule.Interval)
	assert.Equal(t, types.RetryOption{Retry: 2, RetryInterval: 30 * time.Second}, etl.Jobs[0].Retry)
	assert.Equal(t, "./extract.sh", etl.Jobs[0].Attributes["cmd"])
	assert.True(t, etl.Jobs[1].SkipWhenFail)
	assert.Equal(t, types.DispatchOption{LBType: types.LBConsistentHash, HashKey: "tenant"}, etl.Jobs[1].DispatchOption)
	assert.Equal(t, types.TriggerAPI, plans[1].TriggerType)

	svc := newTestService(t)
	for _, p := range plans {
		_, err := svc.Apply(ctx, p)
		require.NoError(t, err)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "plans: [\n"},
		{"duplicate id", `
plans:
  - {id: a, name: a, trigger_type: API, jobs: [{id: j, executor: x}]}
  - {id: a, name: b, trigger_type: API, jobs: [{id: j, executor: x}]}
`},
		{"invalid plan", `
plans:
  - {id: a, name: a, schedule: {type: CRON, cron: "nope"}, jobs: [{id: j, executor: x}]}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
