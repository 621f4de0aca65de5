package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// File Plan 定義檔
//
//	plans:
//	  - id: nightly-etl
//	    name: nightly etl
//	    trigger_type: SCHEDULE
//	    enabled: true
//	    schedule: {type: FIXED_DELAY, interval: 1h}
//	    jobs:
//	      - {id: extract, executor: shell, children: [load]}
//	      - {id: load, executor: shell}
type File struct {
	Plans []*types.Plan `yaml:"plans"`
}

// LoadFile 讀取並解析 Plan 定義檔
func LoadFile(path string) ([]*types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	plans, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plans, nil
}

// Parse 解析 Plan 定義並逐一驗證；未指定觸發方式時視為 SCHEDULE
func Parse(data []byte) ([]*types.Plan, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	seen := make(map[string]bool, len(f.Plans))
	for i, p := range f.Plans {
		if p == nil {
			return nil, fmt.Errorf("%w: plans[%d] is empty", ErrInvalidPlan, i)
		}
		if p.TriggerType == "" {
			p.TriggerType = types.TriggerSchedule
		}
		if p.ID != "" {
			if seen[p.ID] {
				return nil, fmt.Errorf("%w: duplicate plan id %s", ErrInvalidPlan, p.ID)
			}
			seen[p.ID] = true
		}
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("plans[%d]: %w", i, err)
		}
	}
	return f.Plans, nil
}
