package mirror

import (
	"atmosync/internal/api"
	"atmosync/internal/core"
)

// expandBlocks turns value blocks into rows. Sample i of a block is stamped
// beg_time + i*step_time; its values fill columns positionally. Values past
// the last column are dropped and missing values stay NULL.
func expandBlocks(moduleID string, columns []core.Column, blocks []api.ValueBlock) []core.Measurement {
	var rows []core.Measurement
	for _, block := range blocks {
		for i, sample := range block.Value {
			m := core.Measurement{
				Timestamp: block.BegTime + int64(i)*block.StepTime,
				ModuleID:  moduleID,
			}
			for j, v := range sample {
				if j >= len(columns) {
					break
				}
				m.Set(columns[j], v)
			}
			rows = append(rows, m)
		}
	}
	return rows
}

// measureTypes returns the API type names to request for columns
func measureTypes(columns []core.Column) []string {
	types := make([]string, len(columns))
	for i, c := range columns {
		types[i] = c.APIName()
	}
	return types
}
