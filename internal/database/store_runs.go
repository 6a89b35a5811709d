package database

import (
	"time"

	"gorm.io/gorm"
)

// Run operations

func (d *Database) CreateRun(run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return d.db.Create(run).Error
}

func (d *Database) GetRun(runID, tenantID string) (*Run, error) {
	var run Run
	err := d.db.First(&run, "run_id = ? AND tenant_id = ?", runID, tenantID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &run, err
}

func (d *Database) UpdateRunStatus(runID, status string) error {
	updates := map[string]any{"status": status}
	if status == "COMPLETED" || status == "FAILED" || status == "REJECTED" {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}
	return d.db.Model(&Run{}).Where("run_id = ?", runID).Updates(updates).Error
}

// DAG node operations

func (d *Database) CreateDagNode(node *DagNode) error {
	return d.db.Create(node).Error
}

func (d *Database) UpdateDagNode(node *DagNode) error {
	return d.db.Save(node).Error
}

func (d *Database) ListDagNodes(runID string) ([]DagNode, error) {
	var nodes []DagNode
	err := d.db.Where("run_id = ?", runID).Order("started_at ASC").Find(&nodes).Error
	return nodes, err
}

func (d *Database) GetDagNodeByName(runID, name string) (*DagNode, error) {
	var node DagNode
	err := d.db.Where("run_id = ? AND name = ?", runID, name).First(&node).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &node, err
}

// Run event operations (append-only)

func (d *Database) AppendRunEvent(ev *RunEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	return d.db.Create(ev).Error
}

func (d *Database) ListRunEvents(runID string, afterID uint) ([]RunEvent, error) {
	var events []RunEvent
	err := d.db.Where("run_id = ? AND id > ?", runID, afterID).Order("id ASC").Find(&events).Error
	return events, err
}

// Artifact operations (append-only)

func (d *Database) SaveArtifact(a *RunArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return d.db.Create(a).Error
}

func (d *Database) ListArtifacts(runID string) ([]RunArtifact, error) {
	var arts []RunArtifact
	err := d.db.Where("run_id = ?", runID).Order("id ASC").Find(&arts).Error
	return arts, err
}

func (d *Database) GetArtifact(runID, artifactType string) (*RunArtifact, error) {
	var art RunArtifact
	err := d.db.Where("run_id = ? AND artifact_type = ?", runID, artifactType).
		Order("id DESC").First(&art).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &art, err
}

// Approval operations

func (d *Database) CreateApproval(a *Approval) error {
	return d.db.Create(a).Error
}

func (d *Database) LatestApproval(runID string) (*Approval, error) {
	var a Approval
	err := d.db.Where("run_id = ?", runID).Order("created_at DESC").First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &a, err
}

// CompleteApproval resolves a PENDING approval. The WHERE clause on status is
// the concurrency guard; rows already resolved are untouched.
func (d *Database) CompleteApproval(approvalID, decision string) (bool, error) {
	res := d.db.Model(&Approval{}).
		Where("approval_id = ? AND status = 'PENDING'", approvalID).
		Updates(map[string]any{
			"status":     "COMPLETED",
			"decision":   decision,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

func (d *Database) ListApprovals(runID string) ([]Approval, error) {
	var rows []Approval
	err := d.db.Where("run_id = ?", runID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

// Policy event operations

func (d *Database) AppendPolicyEvent(ev *PolicyEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	return d.db.Create(ev).Error
}

func (d *Database) ListPolicyEvents(runID string) ([]PolicyEvent, error) {
	var rows []PolicyEvent
	err := d.db.Where("run_id = ?", runID).Order("id ASC").Find(&rows).Error
	return rows, err
}
