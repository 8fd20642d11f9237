package httpapi

import (
	"github.com/khryptorgraphics/flowmesh/pkg/constraint"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
	"github.com/khryptorgraphics/flowmesh/pkg/scheduler"
)

// jobSpecDTO is the wire shape of a jobspec reduced to the fields the
// simple scheduler acts on.
type jobSpecDTO struct {
	Nnodes     int              `json:"nnodes"`
	Nslots     int              `json:"nslots"`
	SlotSize   int              `json:"slot_size"`
	Exclusive  bool             `json:"exclusive"`
	Mode       string           `json:"mode"`
	Constraint *constraint.Spec `json:"constraint,omitempty"`
	GPUs       int              `json:"gpus"`
}

func (d jobSpecDTO) toJobSpec() scheduler.JobSpec {
	return scheduler.JobSpec{
		Nnodes:     d.Nnodes,
		Nslots:     d.Nslots,
		SlotSize:   d.SlotSize,
		Exclusive:  d.Exclusive,
		Mode:       d.Mode,
		Constraint: d.Constraint,
		GPUs:       d.GPUs,
	}
}

type allocRequestDTO struct {
	ID        string     `json:"id" binding:"required"`
	Priority  int        `json:"priority"`
	UserID    string     `json:"userid"`
	TSubmit   float64    `json:"t_submit"`
	JobSpec   jobSpecDTO `json:"jobspec"`
}

type freeRequestDTO struct {
	ID    string   `json:"id" binding:"required"`
	R     rlist.R  `json:"r" binding:"required"`
	Final bool     `json:"final"`
}

type cancelRequestDTO struct {
	ID string `json:"id" binding:"required"`
}

type prioritizeRequestDTO struct {
	Updates []struct {
		ID       string `json:"id"`
		Priority int    `json:"priority"`
	} `json:"updates" binding:"required"`
}

type feasibilityRequestDTO struct {
	JobSpec jobSpecDTO `json:"jobspec"`
}

type expirationRequestDTO struct {
	ID string  `json:"id" binding:"required"`
	T  float64 `json:"t"`
}
