package doctor

import (
	"context"
	"fmt"
	"os"
)

// RepairAction describes an available repair.
type RepairAction struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// RepairResult is the outcome of one repair action.
type RepairResult struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Cleaned int    `json:"cleaned"`
}

// ListRepairActions returns the repairs Repair understands.
func (d *Doctor) ListRepairActions() []RepairAction {
	return []RepairAction{
		{ID: "clean_tmp", Description: "Remove temp files left by interrupted report and screenshot writes"},
		{ID: "destroy_orphans", Description: "Destroy restore VMs left running by interrupted verifications"},
	}
}

// Repair runs the named repair actions in order.
func (d *Doctor) Repair(ctx context.Context, actions []string) ([]RepairResult, error) {
	results := make([]RepairResult, 0, len(actions))
	for _, action := range actions {
		var r RepairResult
		switch action {
		case "clean_tmp":
			r = d.cleanTmp()
		case "destroy_orphans":
			r = d.destroyOrphans(ctx)
		default:
			r = RepairResult{Action: action, Message: fmt.Sprintf("unknown repair action: %s", action)}
		}
		results = append(results, r)
	}
	return results, nil
}

func (d *Doctor) cleanTmp() RepairResult {
	r := RepairResult{Action: "clean_tmp", Success: true}
	var scan Result
	d.checkOrphanTmp(&scan)
	for _, f := range scan.Findings {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			r.Success = false
			r.Message = err.Error()
			continue
		}
		r.Cleaned++
	}
	if r.Success {
		r.Message = fmt.Sprintf("removed %d temp file(s)", r.Cleaned)
	}
	return r
}

func (d *Doctor) destroyOrphans(ctx context.Context) RepairResult {
	r := RepairResult{Action: "destroy_orphans", Success: true}
	if d.backup == nil {
		return RepairResult{Action: r.Action, Message: "backup API not configured"}
	}
	vms, err := d.orphanedVMs(ctx)
	if err != nil {
		return RepairResult{Action: r.Action, Message: err.Error()}
	}
	for _, vm := range vms {
		if err := d.backup.DestroyVM(ctx, vm.ID); err != nil {
			d.log.Error(err, "orphaned restore VM not destroyed", "vm", vm.ID)
			r.Success = false
			r.Message = err.Error()
			continue
		}
		d.log.Info("orphaned restore VM destroyed", "vm", vm.ID, "name", vm.Name)
		r.Cleaned++
	}
	if r.Success {
		r.Message = fmt.Sprintf("destroyed %d restore VM(s)", r.Cleaned)
	}
	return r
}
