package model

import "time"

// Plan is an ordered list of recovery waves
type Plan struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Waves     []PlanWave `json:"waves" yaml:"waves"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"-"`
}

// PlanWave declares the servers of one wave, either directly or through a protection group
type PlanWave struct {
	Name              string   `json:"name" yaml:"name"`
	ProtectionGroupID string   `json:"protection_group_id,omitempty" yaml:"protection_group_id"`
	ServerIDs         []string `json:"server_ids,omitempty" yaml:"server_ids"`
	Region            string   `json:"region,omitempty" yaml:"region"`
	PauseBeforeWave   bool     `json:"pause_before_wave,omitempty" yaml:"pause_before_wave"`
}

// ProtectionGroup groups source servers by explicit id list or by tag selection
type ProtectionGroup struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Region        string            `json:"region" yaml:"region"`
	ServerIDs     []string          `json:"server_ids,omitempty" yaml:"server_ids"`
	SelectionTags map[string]string `json:"selection_tags,omitempty" yaml:"selection_tags"`
}
